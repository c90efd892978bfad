package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"botchat/internal/models"
	"botchat/internal/retrieval"
	"botchat/internal/service/turn"
	"botchat/internal/store"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
	defaultSearchK   = 3
	maxSearchK       = 20
)

type TurnRunner interface {
	RunTurn(ctx context.Context, req turn.Request) (*turn.Stream, error)
}

type SessionReader interface {
	Resolve(ctx context.Context, sessionID string) (*models.Session, error)
	ListWithFirstMessage(ctx context.Context, botID int64, offset, limit int) ([]models.SessionSummary, error)
}

// HistoryReader pages history in exchange units: offset and limit count
// user/assistant pairs, not rows.
type HistoryReader interface {
	Page(ctx context.Context, sessionID string, offset, limit int) ([]*models.HistoryEntry, error)
	ListForBot(ctx context.Context, botID int64, offset, limit int) ([]*models.HistoryEntry, error)
}

type BotDirectory interface {
	Corpus(ctx context.Context, botID int64) (string, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler wires HTTP routes to the turn engine and its read paths.
type Handler struct {
	turns     TurnRunner
	sessions  SessionReader
	history   HistoryReader
	bots      BotDirectory
	retriever retrieval.Retriever
	db        Pinger
	logger    zerolog.Logger
}

// NewHandler constructs a Handler instance. retriever and db may be nil.
func NewHandler(turns TurnRunner, sessions SessionReader, history HistoryReader, bots BotDirectory, retriever retrieval.Retriever, db Pinger, logger zerolog.Logger) *Handler {
	return &Handler{
		turns:     turns,
		sessions:  sessions,
		history:   history,
		bots:      bots,
		retriever: retriever,
		db:        db,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	botRoutes := api.Group("/bots/:bot_id")
	botRoutes.POST("/chat", h.chat)
	botRoutes.GET("/sessions", h.listSessions)
	botRoutes.GET("/history", h.botHistory)
	botRoutes.GET("/search", h.search)
	api.GET("/sessions/:session_id/history", h.sessionHistory)
}

func (h *Handler) health(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func botIDParam(c *gin.Context) (int64, bool) {
	botID, err := strconv.ParseInt(c.Param("bot_id"), 10, 64)
	if err != nil || botID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return 0, false
	}
	return botID, true
}

// pageParams reads offset and limit, both in exchange units.
func pageParams(c *gin.Context) (offset, limit int, ok bool) {
	offset, limit = 0, defaultPageLimit
	var err error
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return 0, 0, false
		}
	}
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return 0, 0, false
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit, true
}

// Run one turn
type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (h *Handler) chat(c *gin.Context) {
	botID, ok := botIDParam(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	stream, err := h.turns.RunTurn(c.Request.Context(), turn.Request{
		BotID:     botID,
		SessionID: req.SessionID,
		Message:   req.Message,
	})
	if err != nil {
		h.writeTurnError(c, err)
		return
	}
	// Leaving early abandons the turn, so nothing partial is saved.
	defer stream.Close()

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		switch ev.Type {
		case turn.EventFragment:
			err = sendEvent("stream", gin.H{"content": ev.Text, "session_id": ev.SessionID})
		case turn.EventDone:
			err = sendEvent("done", gin.H{"session_id": ev.SessionID})
		case turn.EventError:
			h.logger.Warn().Err(ev.Err).Int64("bot_id", botID).Str("session_id", ev.SessionID).Msg("turn failed")
			err = sendEvent("error", gin.H{
				"kind":       ev.Err.Kind,
				"message":    ev.Err.Error(),
				"session_id": ev.SessionID,
			})
		}
		if err != nil {
			h.logger.Debug().Err(err).Msg("client went away")
			return
		}
	}
}

func (h *Handler) writeTurnError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := turn.KindOf(err)
	switch {
	case errors.Is(err, store.ErrBotNotFound):
		status = http.StatusNotFound
	case kind == turn.KindInvalidRequest:
		status = http.StatusBadRequest
	case kind == turn.KindOverloaded:
		status = http.StatusTooManyRequests
	case kind == turn.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	msg := err.Error()
	if kind == turn.KindOverloaded {
		msg = "server is busy, please retry"
	}
	c.JSON(status, gin.H{"error": msg, "kind": kind})
}

// History read paths
type historyMessage struct {
	Role      models.Role `json:"role"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

func toHistoryMessages(entries []*models.HistoryEntry) []historyMessage {
	out := make([]historyMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyMessage{Role: e.Role, Message: e.Message, CreatedAt: e.CreatedAt})
	}
	return out
}

func (h *Handler) sessionHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	offset, limit, ok := pageParams(c)
	if !ok {
		return
	}
	if _, err := h.sessions.Resolve(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	entries, err := h.history.Page(c.Request.Context(), sessionID, offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   toHistoryMessages(entries),
	})
}

func (h *Handler) botHistory(c *gin.Context) {
	botID, ok := botIDParam(c)
	if !ok {
		return
	}
	offset, limit, ok := pageParams(c)
	if !ok {
		return
	}
	if !h.requireBot(c, botID) {
		return
	}
	entries, err := h.history.ListForBot(c.Request.Context(), botID, offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	messages := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, gin.H{
			"session_id": e.SessionID,
			"role":       e.Role,
			"message":    e.Message,
			"created_at": e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": botID, "messages": messages})
}

func (h *Handler) listSessions(c *gin.Context) {
	botID, ok := botIDParam(c)
	if !ok {
		return
	}
	offset, limit, ok := pageParams(c)
	if !ok {
		return
	}
	if !h.requireBot(c, botID) {
		return
	}
	summaries, err := h.sessions.ListWithFirstMessage(c.Request.Context(), botID, offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if summaries == nil {
		summaries = make([]models.SessionSummary, 0)
	}
	c.JSON(http.StatusOK, gin.H{"session_list": summaries})
}

func (h *Handler) search(c *gin.Context) {
	botID, ok := botIDParam(c)
	if !ok {
		return
	}
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	k := defaultSearchK
	if v := c.Query("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid k"})
			return
		}
		k = min(n, maxSearchK)
	}

	corpus, err := h.bots.Corpus(c.Request.Context(), botID)
	if err != nil {
		if errors.Is(err, store.ErrBotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if corpus == "" || h.retriever == nil {
		c.JSON(http.StatusOK, gin.H{"corpus": corpus, "passages": make([]models.Passage, 0)})
		return
	}
	passages, err := h.retriever.Search(c.Request.Context(), corpus, query, k)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, retrieval.ErrCorpusNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if passages == nil {
		passages = make([]models.Passage, 0)
	}
	c.JSON(http.StatusOK, gin.H{"corpus": corpus, "passages": passages})
}

func (h *Handler) requireBot(c *gin.Context, botID int64) bool {
	if _, err := h.bots.Corpus(c.Request.Context(), botID); err != nil {
		if errors.Is(err, store.ErrBotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	return true
}
