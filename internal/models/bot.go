package models

// Bot is the read-only view the turn engine needs of a bot.
type Bot struct {
	ID      int64  `json:"id"`
	OwnerID int64  `json:"owner_id"`
	Name    string `json:"name"`
	// CorpusID names the bot's retrieval target; empty means the bot has no corpus.
	CorpusID string `json:"corpus_id"`
}
