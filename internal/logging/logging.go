package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"botchat/internal/config"
)

// New builds the root logger from the log section of the config.
func New(cfg config.LogConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// GinLogger replaces gin's default access log with a structured one.
func GinLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		status := c.Writer.Status()
		evt := logger.Info()
		switch {
		case status >= 500:
			evt = logger.Error()
		case status >= 400:
			evt = logger.Warn()
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Observer receives named observability events raised while a turn runs.
type Observer interface {
	Event(ctx context.Context, name string, attrs map[string]any)
}

// ZerologObserver writes every event as a structured log line. State
// transitions go out at debug level, failures at warn.
type ZerologObserver struct {
	logger zerolog.Logger
}

func NewZerologObserver(logger zerolog.Logger) *ZerologObserver {
	return &ZerologObserver{logger: logger.With().Str("component", "observer").Logger()}
}

func (o *ZerologObserver) Event(_ context.Context, name string, attrs map[string]any) {
	evt := o.logger.Info()
	if _, failed := attrs["error"]; failed {
		evt = o.logger.Warn()
	} else if _, transition := attrs["state"]; transition {
		evt = o.logger.Debug()
	}
	for k, v := range attrs {
		if err, ok := v.(error); ok {
			evt = evt.AnErr(k, err)
			continue
		}
		evt = evt.Interface(k, v)
	}
	evt.Str("event", name).Msg("turn event")
}
