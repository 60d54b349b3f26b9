package ratelimit

import (
	"context"
	"errors"
	"time"
)

type windowClient interface {
	SlidingWindowHit(ctx context.Context, key string, now time.Time, horizon time.Duration, windows ...time.Duration) ([]int64, error)
	Block(ctx context.Context, key, reason string, ttl time.Duration) error
	Blocked(ctx context.Context, key string) (time.Duration, string, error)
	RateLimitKey(parts ...string) string
	BlockKey(parts ...string) string
}

// RedisStore shares history across instances through sorted sets and TTL
// keys.
type RedisStore struct {
	client windowClient
}

// NewRedisStore wraps a redis client.
func NewRedisStore(client windowClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client required for rate limit store")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Blocked(ctx context.Context, key string, _ time.Time) (time.Duration, string, error) {
	return s.client.Blocked(ctx, s.client.BlockKey(key))
}

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time) (int64, int64, error) {
	counts, err := s.client.SlidingWindowHit(ctx, s.client.RateLimitKey(key), now, hourWindow, minuteWindow, hourWindow)
	if err != nil {
		return 0, 0, err
	}
	return counts[0], counts[1], nil
}

func (s *RedisStore) Block(ctx context.Context, key, reason string, _ time.Time, ttl time.Duration) error {
	return s.client.Block(ctx, s.client.BlockKey(key), reason, ttl)
}
