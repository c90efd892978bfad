package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"botchat/internal/config"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// NewRedisClient creates the redis client from app config and verifies it answers.
func NewRedisClient(cfg config.RedisConfig) (*Client, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}

	return Dial(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Dial connects with explicit options.
func Dial(opts *redis.Options) (*Client, error) {
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Client{inner: client}, nil
}

// HGet fetches one hash field as string. A missing key or field yields ErrCacheMiss.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	if c == nil || c.inner == nil {
		return "", errNotInitialized
	}
	return c.inner.HGet(ctx, key, field).Result()
}

// HSetTTL writes one hash field and refreshes the TTL of the whole hash.
func (c *Client) HSetTTL(ctx context.Context, key, field string, value interface{}, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	pipe := c.inner.TxPipeline()
	pipe.HSet(ctx, key, field, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
