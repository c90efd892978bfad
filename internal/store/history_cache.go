package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"botchat/internal/models"
	"botchat/internal/redis"
)

const defaultHistoryTTL = 30 * time.Minute

// CachedHistory fronts History with a redis copy of each session's recent
// window. One hash per session holds a field per requested pair count; any
// write to the session drops the hash. Redis failures fall back to SQL, and a
// nil client turns the cache off.
type CachedHistory struct {
	*History
	cache  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedHistory(history *History, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedHistory {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &CachedHistory{
		History: history,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.With().Str("component", "history_cache").Logger(),
	}
}

func recentKey(sessionID string) string {
	return fmt.Sprintf("botchat:history:recent:%s", sessionID)
}

func (c *CachedHistory) Recent(ctx context.Context, sessionID string, pairs int) ([]*models.HistoryEntry, error) {
	if pairs <= 0 {
		return nil, nil
	}
	if c.cache == nil {
		return c.History.Recent(ctx, sessionID, pairs)
	}
	key, field := recentKey(sessionID), strconv.Itoa(pairs)

	raw, err := c.cache.HGet(ctx, key, field)
	switch {
	case err == nil:
		var entries []*models.HistoryEntry
		if jsonErr := json.Unmarshal([]byte(raw), &entries); jsonErr == nil {
			return entries, nil
		} else {
			c.logger.Warn().Err(jsonErr).Str("session_id", sessionID).Msg("history cache decode failed")
		}
	case errors.Is(err, redis.ErrCacheMiss):
	default:
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("history cache read failed")
	}

	entries, err := c.History.Recent(ctx, sessionID, pairs)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		c.logger.Warn().Err(err).Msg("history cache marshal failed")
		return entries, nil
	}
	if err := c.cache.HSetTTL(ctx, key, field, data, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("history cache write failed")
	}
	return entries, nil
}

func (c *CachedHistory) Append(ctx context.Context, sessionID string, botID int64, role models.Role, message string) (*models.HistoryEntry, error) {
	entry, err := c.History.Append(ctx, sessionID, botID, role, message)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, sessionID)
	return entry, nil
}

func (c *CachedHistory) AppendTurn(ctx context.Context, sessionID string, botID int64, userMessage, assistantMessage string) (*models.HistoryEntry, *models.HistoryEntry, error) {
	user, assistant, err := c.History.AppendTurn(ctx, sessionID, botID, userMessage, assistantMessage)
	if err != nil {
		return nil, nil, err
	}
	c.invalidate(ctx, sessionID)
	return user, assistant, nil
}

func (c *CachedHistory) invalidate(ctx context.Context, sessionID string) {
	if c.cache == nil {
		return
	}
	// The turn may already be cancelled by the time it persists; the delete
	// must still go out or readers keep a stale window until the TTL expires.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.cache.Del(ctx, recentKey(sessionID)); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("history cache invalidate failed")
	}
}
