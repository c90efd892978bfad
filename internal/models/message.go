package models

import "time"

// Role tags who authored a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r may be stored in the history log.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// HistoryEntry is one immutable row of a session's conversation log.
// Entries are ordered by CreatedAt, ties broken by ID.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	BotID     int64     `json:"bot_id"`
	Role      Role      `json:"role"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Before reports whether e sorts ahead of other in conversation order.
func (e *HistoryEntry) Before(other *HistoryEntry) bool {
	if e.CreatedAt.Equal(other.CreatedAt) {
		return e.ID < other.ID
	}
	return e.CreatedAt.Before(other.CreatedAt)
}
