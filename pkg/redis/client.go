package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/config"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace    = "scalepay"
	rateLimitPrefix = "rate_limit"
	blockPrefix     = "block"
	lockPrefix      = "lock"
	idemPrefix      = "idempotency"
)

var errNotInitialized = errors.New("redis client not initialized")

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Expire(context.Context, string, time.Duration) *redis.BoolCmd
	PTTL(context.Context, string) *redis.DurationCmd
	Del(context.Context, ...string) *redis.IntCmd
	ZAdd(context.Context, string, ...redis.Z) *redis.IntCmd
	ZRemRangeByScore(context.Context, string, string, string) *redis.IntCmd
	ZCount(context.Context, string, string, string) *redis.IntCmd
}

// Client wraps the redis connection helpers needed by the service.
type Client struct {
	store cmdable
	raw   *redis.Client
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(context.Context) error
}

// New bootstraps a Redis client with pooling/timeouts and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "redis connection established")
	}
	return &Client{store: raw, raw: raw}, nil
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// Set stores a string value with an optional TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Set(ctx, key, value, ttl).Err()
}

// Get returns a string value stored at key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c.store == nil {
		return "", errNotInitialized
	}
	return c.store.Get(ctx, key).Result()
}

// SetNX sets a value only if the key does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	return c.store.SetNX(ctx, key, value, ttl).Result()
}

// SlidingWindowHit records one hit at now in the sorted set at key, drops
// entries older than horizon, and returns the number of hits inside each of
// the requested windows (the new hit included).
func (c *Client) SlidingWindowHit(ctx context.Context, key string, now time.Time, horizon time.Duration, windows ...time.Duration) ([]int64, error) {
	if c.store == nil {
		return nil, errNotInitialized
	}
	nowMs := now.UnixMilli()
	cutoff := strconv.FormatInt(nowMs-horizon.Milliseconds(), 10)
	if err := c.store.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
		return nil, fmt.Errorf("trim window: %w", err)
	}
	member := redis.Z{Score: float64(nowMs), Member: strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()}
	if err := c.store.ZAdd(ctx, key, member).Err(); err != nil {
		return nil, fmt.Errorf("record hit: %w", err)
	}
	counts := make([]int64, 0, len(windows))
	for _, window := range windows {
		from := strconv.FormatInt(nowMs-window.Milliseconds(), 10)
		count, err := c.store.ZCount(ctx, key, "("+from, "+inf").Result()
		if err != nil {
			return nil, fmt.Errorf("count window: %w", err)
		}
		counts = append(counts, count)
	}
	if err := c.store.Expire(ctx, key, horizon).Err(); err != nil {
		return nil, fmt.Errorf("expire window: %w", err)
	}
	return counts, nil
}

// Block stores reason at key for ttl.
func (c *Client) Block(ctx context.Context, key, reason string, ttl time.Duration) error {
	return c.Set(ctx, key, reason, ttl)
}

// Blocked returns the remaining TTL and reason for an active block. A zero
// duration means no block is set.
func (c *Client) Blocked(ctx context.Context, key string) (time.Duration, string, error) {
	if c.store == nil {
		return 0, "", errNotInitialized
	}
	reason, err := c.store.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	remaining, err := c.store.PTTL(ctx, key).Result()
	if err != nil {
		return 0, "", err
	}
	if remaining <= 0 {
		return 0, "", nil
	}
	return remaining, reason, nil
}

// RateLimitKey returns a namespaced key for rate limit windows.
func (c *Client) RateLimitKey(parts ...string) string {
	return c.buildKey(append([]string{rateLimitPrefix}, parts...)...)
}

// BlockKey returns a namespaced key for rate limit blocks.
func (c *Client) BlockKey(parts ...string) string {
	return c.buildKey(append([]string{rateLimitPrefix, blockPrefix}, parts...)...)
}

// IdempotencyKey returns a namespaced key for stored request replays.
func (c *Client) IdempotencyKey(scope, id string) string {
	return c.buildKey(idemPrefix, scope, id)
}

// LockKey returns a namespaced key for distributed locks.
func (c *Client) LockKey(scope, id string) string {
	return c.buildKey(lockPrefix, scope, id)
}

// Del removes the provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Del(ctx, keys...).Err()
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Ping(ctx).Err()
}

// Close shuts down the underlying client if available.
func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

func (c *Client) buildKey(parts ...string) string {
	if len(parts) == 0 {
		return keyNamespace
	}
	clean := []string{keyNamespace}
	for _, part := range parts {
		if part == "" {
			continue
		}
		clean = append(clean, strings.TrimSpace(part))
	}
	return strings.Join(clean, ":")
}
