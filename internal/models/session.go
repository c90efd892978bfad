package models

import "time"

// Session groups the turns one end user has with a bot.
type Session struct {
	ID        string    `json:"id"`
	BotID     int64     `json:"bot_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is the listing projection: a session plus its opening user message.
type SessionSummary struct {
	Session
	FirstMessage string `json:"first_message"`
}
