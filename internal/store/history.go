package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"botchat/internal/models"
)

// RowsPerPair is the number of stored rows one logical exchange occupies.
// Every pair-based offset/limit on History is multiplied by it before it
// reaches SQL.
const RowsPerPair = 2

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// History is the SQL-backed, append-only conversation log.
type History struct {
	db  *sql.DB
	now func() time.Time
}

func NewHistory(db *sql.DB) *History {
	return &History{db: db, now: utcNow}
}

// Append stores one entry. It either fully succeeds or leaves the store unchanged.
func (h *History) Append(ctx context.Context, sessionID string, botID int64, role models.Role, message string) (*models.HistoryEntry, error) {
	if err := validateEntry(sessionID, botID, role); err != nil {
		return nil, err
	}
	entry := &models.HistoryEntry{
		SessionID: sessionID,
		BotID:     botID,
		Role:      role,
		Message:   message,
		CreatedAt: h.now(),
	}
	if err := insertEntry(ctx, h.db, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendTurn stores the user entry and the assistant entry of one completed
// turn inside a single transaction: both become visible or neither does.
func (h *History) AppendTurn(ctx context.Context, sessionID string, botID int64, userMessage, assistantMessage string) (user, assistant *models.HistoryEntry, err error) {
	if err := validateEntry(sessionID, botID, models.RoleUser); err != nil {
		return nil, nil, err
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Stamped inside the transaction so concurrent turns on one session
	// commit pairs in timestamp order.
	userAt := h.now()
	assistantAt := h.now()
	if assistantAt.Before(userAt) {
		assistantAt = userAt
	}
	user = &models.HistoryEntry{SessionID: sessionID, BotID: botID, Role: models.RoleUser, Message: userMessage, CreatedAt: userAt}
	assistant = &models.HistoryEntry{SessionID: sessionID, BotID: botID, Role: models.RoleAssistant, Message: assistantMessage, CreatedAt: assistantAt}

	if err = insertEntry(ctx, tx, user); err != nil {
		return nil, nil, err
	}
	if err = insertEntry(ctx, tx, assistant); err != nil {
		return nil, nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit turn: %w", err)
	}
	return user, assistant, nil
}

// Recent returns up to pairs exchanges (pairs*RowsPerPair rows) of the
// session, oldest first. The query reads newest-first so the window is the
// latest one, then the slice is flipped into conversation order.
func (h *History) Recent(ctx context.Context, sessionID string, pairs int) ([]*models.HistoryEntry, error) {
	if pairs <= 0 {
		return nil, nil
	}
	return h.query(ctx,
		`SELECT id, session_id, bot_id, role, message, created_at FROM history
		WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, pairs*RowsPerPair,
	)
}

// Page returns one page of the session's history for browsing. offset and
// limit count exchanges, not rows; offset 0 is the newest exchange. Entries
// within the page are oldest first.
func (h *History) Page(ctx context.Context, sessionID string, offset, limit int) ([]*models.HistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	return h.query(ctx,
		`SELECT id, session_id, bot_id, role, message, created_at FROM history
		WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		sessionID, limit*RowsPerPair, offset*RowsPerPair,
	)
}

// ListForBot pages across every session of a bot using the same pair units as Page.
func (h *History) ListForBot(ctx context.Context, botID int64, offset, limit int) ([]*models.HistoryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	return h.query(ctx,
		`SELECT id, session_id, bot_id, role, message, created_at FROM history
		WHERE bot_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		botID, limit*RowsPerPair, offset*RowsPerPair,
	)
}

// query runs a newest-first select and returns the rows oldest first.
func (h *History) query(ctx context.Context, q string, args ...any) ([]*models.HistoryEntry, error) {
	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		e := new(models.HistoryEntry)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.BotID, &e.Role, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	slices.Reverse(entries)
	return entries, nil
}

func insertEntry(ctx context.Context, db execer, e *models.HistoryEntry) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO history (session_id, bot_id, role, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, e.BotID, e.Role, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s entry: %w", e.Role, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("history id: %w", err)
	}
	e.ID = id
	return nil
}

func validateEntry(sessionID string, botID int64, role models.Role) error {
	switch {
	case sessionID == "":
		return errors.New("session_id is required")
	case botID <= 0:
		return errors.New("bot_id is required")
	case !role.Valid():
		return fmt.Errorf("invalid role: %q", role)
	}
	return nil
}
