// Package cache is a redis JSON read-through cache. Keys embed a
// generation number so one Bump invalidates everything written before it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agentcal/internal/events"
	"agentcal/internal/metrics"
)

// Cache wraps a redis client. A nil *Cache is valid and never hits.
type Cache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a cache. Entries expire after ttl.
func New(rdb *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Connect parses a redis URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (c *Cache) enabled() bool {
	return c != nil && c.rdb != nil && c.ttl > 0
}

func (c *Cache) generationKey() string {
	return c.prefix + ":gen"
}

// Generation returns the current generation, 0 if never bumped.
func (c *Cache) Generation(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	gen, err := c.rdb.Get(ctx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Bump invalidates every key written under earlier generations.
func (c *Cache) Bump(ctx context.Context) (int64, error) {
	if !c.enabled() {
		return 0, nil
	}
	return c.rdb.Incr(ctx, c.generationKey()).Result()
}

func (c *Cache) key(gen int64, key string) string {
	return fmt.Sprintf("%s:%d:%s", c.prefix, gen, key)
}

// Get loads key into out. It reports false on a miss or any redis error.
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	if !c.enabled() {
		return false
	}
	gen, err := c.Generation(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("generation lookup failed")
		metrics.IncCache("error")
		return false
	}
	val, err := c.rdb.Get(ctx, c.key(gen, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug().Err(err).Str("key", key).Msg("cache read failed")
		}
		metrics.IncCache("miss")
		return false
	}
	if err := json.Unmarshal(val, out); err != nil {
		metrics.IncCache("miss")
		return false
	}
	metrics.IncCache("hit")
	return true
}

// Set stores val under key in the current generation.
func (c *Cache) Set(ctx context.Context, key string, val any) {
	if !c.enabled() {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	gen, err := c.Generation(ctx)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(gen, key), data, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// GetOrLoad is a read-through helper.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	var v T
	if c.Get(ctx, key, &v) {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(ctx, key, v)
	return v, nil
}

// Invalidate is an event handler that bumps the generation on any change.
func (c *Cache) Invalidate(ctx context.Context, e events.Event) error {
	if _, err := c.Bump(ctx); err != nil {
		return fmt.Errorf("bump cache generation after %s: %w", e.Type, err)
	}
	return nil
}
