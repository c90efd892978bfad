package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"botchat/internal/models"
)

// ErrSessionNotFound is returned by Resolve for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Sessions is the SQL-backed session store.
type Sessions struct {
	db  *sql.DB
	now func() time.Time
}

func NewSessions(db *sql.DB) *Sessions {
	return &Sessions{db: db, now: utcNow}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// Resolve loads a session by id without modifying it.
func (s *Sessions) Resolve(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, created_at, updated_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.BotID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// CreateFor allocates a new session for the bot. Ids are random v4 UUIDs and
// act as capability tokens, so they are never derived from a sequence.
func (s *Sessions) CreateFor(ctx context.Context, botID int64) (*models.Session, error) {
	if botID <= 0 {
		return nil, errors.New("bot_id is required")
	}
	now := s.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		BotID:     botID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, bot_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.BotID, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Touch bumps updated_at. Callers treat failures as best-effort.
func (s *Sessions) Touch(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, s.now(), sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListWithFirstMessage returns the bot's sessions, most recently active first,
// each with the first user message it recorded (empty when none yet).
func (s *Sessions) ListWithFirstMessage(ctx context.Context, botID int64, offset, limit int) ([]models.SessionSummary, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.bot_id, s.created_at, s.updated_at,
			(SELECT h.message FROM history h
				WHERE h.session_id = s.id AND h.role = 'user'
				ORDER BY h.created_at ASC, h.id ASC LIMIT 1)
		FROM sessions s
		WHERE s.bot_id = ?
		ORDER BY s.updated_at DESC, s.id ASC
		LIMIT ? OFFSET ?`,
		botID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []models.SessionSummary
	for rows.Next() {
		var (
			sum   models.SessionSummary
			first sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.BotID, &sum.CreatedAt, &sum.UpdatedAt, &first); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.FirstMessage = first.String
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
