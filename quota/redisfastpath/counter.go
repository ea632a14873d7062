// Package redisfastpath implements quota.FastPathCounter on top of Redis,
// caching a user's ledger balance for a short TTL so a burst of
// /review/start calls from the same user doesn't hit Mongo on every check.
package redisfastpath

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL    = 30 * time.Second
	defaultPrefix = "quota:balance:"
)

// Counter is a Redis-backed quota.FastPathCounter.
type Counter struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// Option configures a Counter.
type Option func(*Counter)

// WithTTL overrides the default 30s cache lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Counter) { c.ttl = d }
}

// WithKeyPrefix overrides the default Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Counter) { c.prefix = prefix }
}

// New builds a Counter over client.
func New(client redis.UniversalClient, opts ...Option) *Counter {
	c := &Counter{client: client, ttl: defaultTTL, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached balance for userID, reporting ok=false on a cache
// miss so the caller falls back to the Ledger.
func (c *Counter) Get(ctx context.Context, userID string) (int64, bool, error) {
	val, err := c.client.Get(ctx, c.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	balance, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return balance, true, nil
}

// Set refreshes the cached balance for userID with the configured TTL.
func (c *Counter) Set(ctx context.Context, userID string, balance int64) error {
	return c.client.Set(ctx, c.key(userID), balance, c.ttl).Err()
}

// Invalidate drops the cached balance, forcing the next Get to miss. Called
// after every successful Deduct so a stale cached balance never survives a
// charge.
func (c *Counter) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, c.key(userID)).Err()
}

func (c *Counter) key(userID string) string {
	return c.prefix + userID
}
