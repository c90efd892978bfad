package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"botchat/internal/models"
)

// ErrBotNotFound is returned when the bot id is unknown.
var ErrBotNotFound = errors.New("bot not found")

// Bots is the read-only bot directory. Bot CRUD lives outside this service.
type Bots struct {
	db *sql.DB
}

func NewBots(db *sql.DB) *Bots {
	return &Bots{db: db}
}

// Get loads one bot.
func (b *Bots) Get(ctx context.Context, botID int64) (*models.Bot, error) {
	var (
		bot     models.Bot
		indexID sql.NullString
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, index_id FROM bots WHERE id = ?`,
		botID,
	).Scan(&bot.ID, &bot.OwnerID, &bot.Name, &indexID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBotNotFound
		}
		return nil, fmt.Errorf("get bot: %w", err)
	}
	bot.CorpusID = indexID.String
	return &bot, nil
}

// Corpus returns the bot's retrieval target, empty when it has none.
func (b *Bots) Corpus(ctx context.Context, botID int64) (string, error) {
	bot, err := b.Get(ctx, botID)
	if err != nil {
		return "", err
	}
	return bot.CorpusID, nil
}
