package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"botchat/internal/generation"
	"botchat/internal/logging"
	"botchat/internal/models"
	"botchat/internal/service/assembler"
	"botchat/internal/store"
)

const (
	DefaultTurnTimeout         = 2 * time.Minute
	DefaultFragmentIdleTimeout = 30 * time.Second

	persistTimeout = 10 * time.Second
)

type SessionStore interface {
	Resolve(ctx context.Context, sessionID string) (*models.Session, error)
	CreateFor(ctx context.Context, botID int64) (*models.Session, error)
	Touch(ctx context.Context, sessionID string) error
}

type HistoryWriter interface {
	AppendTurn(ctx context.Context, sessionID string, botID int64, userMessage, assistantMessage string) (*models.HistoryEntry, *models.HistoryEntry, error)
}

// CorpusDirectory maps a bot to its retrieval corpus ("" for none).
type CorpusDirectory interface {
	Corpus(ctx context.Context, botID int64) (string, error)
}

type ContextBuilder interface {
	Build(ctx context.Context, session *models.Session, corpusID, message string) (*assembler.TurnContext, error)
}

// Executor runs turn jobs. Submit must not block; a nil Executor runs every
// turn on its own goroutine.
type Executor interface {
	Submit(key string, run func()) error
}

type Deps struct {
	Sessions  SessionStore
	History   HistoryWriter
	Bots      CorpusDirectory
	Assembler ContextBuilder
	Generator generation.Generator
	Executor  Executor
	Observer  logging.Observer
}

type Options struct {
	TurnTimeout         time.Duration
	FragmentIdleTimeout time.Duration
}

type Request struct {
	BotID     int64
	SessionID string
	Message   string
}

// Coordinator runs turns: it resolves the session, assembles the context,
// streams the generated answer to the caller and persists the exchange once
// the answer is complete.
type Coordinator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

func New(deps Deps, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.FragmentIdleTimeout <= 0 {
		opts.FragmentIdleTimeout = DefaultFragmentIdleTimeout
	}
	if deps.Observer == nil {
		deps.Observer = logging.NewZerologObserver(logger)
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "turn").Logger(),
	}
}

// RunTurn starts one turn. Failures before generation starts are returned
// directly as *Error; later ones arrive as the stream's terminal event. The
// caller must drain the stream to io.EOF or Close it.
//
// TurnTimeout bounds the whole turn: session resolution, context assembly,
// the wait for a worker and generation.
func (c *Coordinator) RunTurn(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, &Error{Kind: KindInvalidRequest, Op: "validate", Err: ErrEmptyMessage}
	}

	turnCtx, stopDeadline := context.WithTimeoutCause(ctx, c.opts.TurnTimeout, errTurnDeadline)
	runCtx, cancel := context.WithCancelCause(turnCtx)
	s := newStream(req.SessionID, cancel)
	reject := func(terr *Error) (*Stream, error) {
		c.fail(runCtx, s, req.BotID, terr)
		cancel(terr)
		stopDeadline()
		return nil, terr
	}
	c.transition(runCtx, s, req.BotID, StateResolvingSession)

	corpusID, err := c.deps.Bots.Corpus(runCtx, req.BotID)
	if err != nil {
		if errors.Is(err, store.ErrBotNotFound) {
			return reject(&Error{Kind: KindInvalidRequest, Op: "resolve bot", Err: err})
		}
		return reject(classify(runCtx, KindPersistence, "resolve bot", err))
	}

	session, err := c.resolveSession(runCtx, req)
	if err != nil {
		return reject(classify(runCtx, KindPersistence, "resolve session", err))
	}
	s.sessionID = session.ID

	c.transition(runCtx, s, req.BotID, StateAssemblingContext)
	tc, err := c.deps.Assembler.Build(runCtx, session, corpusID, req.Message)
	if err != nil {
		if !errors.Is(err, assembler.ErrRetrievalUnavailable) || tc == nil {
			return reject(classify(runCtx, KindPersistence, "assemble context", err))
		}
		c.deps.Observer.Event(runCtx, string(KindRetrievalUnavailable), map[string]any{
			"bot_id":     req.BotID,
			"session_id": session.ID,
			"corpus":     corpusID,
			"error":      err,
		})
	}

	c.transition(runCtx, s, req.BotID, StateStreaming)
	job := func() {
		defer stopDeadline()
		c.pump(runCtx, s, session, tc, req.Message)
	}
	if c.deps.Executor == nil {
		go job()
		return s, nil
	}
	if err := c.deps.Executor.Submit(fmt.Sprintf("bot:%d", req.BotID), job); err != nil {
		return reject(&Error{Kind: KindOverloaded, Op: "schedule", Err: err})
	}
	return s, nil
}

// resolveSession reuses the requested session when it exists and belongs to
// the bot. Anything else starts a new session.
func (c *Coordinator) resolveSession(ctx context.Context, req Request) (*models.Session, error) {
	if req.SessionID != "" {
		session, err := c.deps.Sessions.Resolve(ctx, req.SessionID)
		switch {
		case err == nil && session.BotID == req.BotID:
			return session, nil
		case err == nil:
			c.sessionInvalid(ctx, req, "owned by another bot")
		case errors.Is(err, store.ErrSessionNotFound):
			c.sessionInvalid(ctx, req, "not found")
		default:
			return nil, err
		}
	}
	return c.deps.Sessions.CreateFor(ctx, req.BotID)
}

func (c *Coordinator) sessionInvalid(ctx context.Context, req Request, reason string) {
	c.deps.Observer.Event(ctx, string(KindSessionInvalid), map[string]any{
		"bot_id":     req.BotID,
		"session_id": req.SessionID,
		"reason":     reason,
	})
}

// pump drives generation for one turn. Fragments are forwarded in arrival
// order and accumulated from the same sequence; history is written only
// after the backend reports the end of the answer.
func (c *Coordinator) pump(parent context.Context, s *Stream, session *models.Session, tc *assembler.TurnContext, message string) {
	defer close(s.done)
	defer s.cancel(nil)

	ctx, cancelIdle := context.WithCancelCause(parent)
	defer cancelIdle(nil)
	c.logger.Debug().Int64("bot_id", session.BotID).Str("session_id", session.ID).Msg("turn started")

	if err := ctx.Err(); err != nil {
		c.fail(ctx, s, session.BotID, classify(ctx, KindCancelled, "start", err))
		return
	}

	reader, err := c.deps.Generator.Generate(ctx, tc.Prompt())
	if err != nil {
		c.fail(ctx, s, session.BotID, classify(ctx, KindGeneration, "open generation", err))
		return
	}
	defer reader.Close()

	// The idle clock only runs while waiting on the backend, not while the
	// caller is slow to consume.
	idle := newIdleWatch(c.opts.FragmentIdleTimeout, cancelIdle)
	var (
		answer    strings.Builder
		fragments int
	)
	for {
		idle.begin()
		frag, err := reader.Recv()
		if idle.end() {
			c.fail(ctx, s, session.BotID, classify(ctx, KindTimeout, "receive fragment", errIdleTimeout))
			return
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.fail(ctx, s, session.BotID, classify(ctx, KindGeneration, "receive fragment", err))
			return
		}

		answer.WriteString(frag.Text)
		fragments++
		select {
		case s.events <- Event{Type: EventFragment, Text: frag.Text, SessionID: session.ID}:
		case <-ctx.Done():
			c.fail(ctx, s, session.BotID, classify(ctx, KindCancelled, "forward fragment", ctx.Err()))
			return
		}
	}
	if err := ctx.Err(); err != nil {
		c.fail(ctx, s, session.BotID, classify(ctx, KindCancelled, "end of stream", err))
		return
	}

	c.transition(ctx, s, session.BotID, StatePersisting)
	// The answer is complete; a caller leaving now must not lose it.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()
	if _, _, err := c.deps.History.AppendTurn(persistCtx, session.ID, session.BotID, message, answer.String()); err != nil {
		c.fail(ctx, s, session.BotID, &Error{Kind: KindPersistence, Op: "append turn", Err: err})
		return
	}
	if err := c.deps.Sessions.Touch(persistCtx, session.ID); err != nil {
		c.deps.Observer.Event(ctx, "touch_failed", map[string]any{
			"session_id": session.ID,
			"error":      err,
		})
	}

	c.deps.Observer.Event(ctx, "turn_done", map[string]any{
		"bot_id":     session.BotID,
		"session_id": session.ID,
		"fragments":  fragments,
		"chars":      answer.Len(),
	})
	s.finish(Event{Type: EventDone, SessionID: session.ID})
}

// transition moves the turn to st and reports it.
func (c *Coordinator) transition(ctx context.Context, s *Stream, botID int64, st State) {
	s.setState(st)
	c.deps.Observer.Event(ctx, "turn_state", map[string]any{
		"bot_id":     botID,
		"session_id": s.sessionID,
		"state":      st.String(),
	})
}

func (c *Coordinator) fail(ctx context.Context, s *Stream, botID int64, terr *Error) {
	c.deps.Observer.Event(ctx, "turn_failed", map[string]any{
		"bot_id":     botID,
		"session_id": s.sessionID,
		"kind":       string(terr.Kind),
		"state":      s.State().String(),
		"error":      terr,
	})
	s.finish(Event{Type: EventError, SessionID: s.sessionID, Err: terr})
}
