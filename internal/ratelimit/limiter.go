package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/config"
)

const (
	ReasonMinuteLimit = "minute_limit"
	ReasonHourLimit   = "hour_limit"

	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Reason            string
}

// Policy holds the per key limits and block durations.
type Policy struct {
	PerMinute   int
	PerHour     int
	MinuteBlock time.Duration
	HourBlock   time.Duration
}

// DefaultPolicy is 30 requests a minute and 200 an hour, blocking for 15 and
// 30 minutes respectively.
func DefaultPolicy() Policy {
	return Policy{PerMinute: 30, PerHour: 200, MinuteBlock: 15 * time.Minute, HourBlock: 30 * time.Minute}
}

// PolicyFromConfig maps env configuration onto a Policy, keeping defaults
// for unset values.
func PolicyFromConfig(cfg config.RateLimitConfig) Policy {
	policy := DefaultPolicy()
	if cfg.PerMinute > 0 {
		policy.PerMinute = cfg.PerMinute
	}
	if cfg.PerHour > 0 {
		policy.PerHour = cfg.PerHour
	}
	if cfg.MinuteBlockTTL > 0 {
		policy.MinuteBlock = cfg.MinuteBlockTTL
	}
	if cfg.HourBlockTTL > 0 {
		policy.HourBlock = cfg.HourBlockTTL
	}
	return policy
}

// Store keeps request history and blocks. Implementations must be safe for
// concurrent use.
type Store interface {
	// Blocked returns the remaining block time for key, zero when unblocked.
	Blocked(ctx context.Context, key string, now time.Time) (time.Duration, string, error)
	// Hit records a request at now and returns the hits within the last
	// minute and the last hour, the new one included.
	Hit(ctx context.Context, key string, now time.Time) (minute int64, hour int64, err error)
	Block(ctx context.Context, key, reason string, now time.Time, ttl time.Duration) error
}

// Limiter applies a sliding window policy per (ip, endpoint).
type Limiter struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// Option configures optional limiter behavior.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a Limiter over the given store.
func New(store Store, policy Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limit store is required")
	}
	if policy.PerMinute <= 0 || policy.PerHour <= 0 {
		return nil, errors.New("rate limits must be positive")
	}
	l := &Limiter{store: store, policy: policy, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Allow records a request from ip against endpoint and decides whether it
// may proceed. Requests arriving while a block is active are not recorded.
func (l *Limiter) Allow(ctx context.Context, ip, endpoint string) (Decision, error) {
	key := Key(ip, endpoint)
	now := l.now()

	remaining, reason, err := l.store.Blocked(ctx, key, now)
	if err != nil {
		return Decision{}, err
	}
	if remaining > 0 {
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter(remaining), Reason: reason}, nil
	}

	minute, hour, err := l.store.Hit(ctx, key, now)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case hour > int64(l.policy.PerHour):
		return l.block(ctx, key, ReasonHourLimit, now, l.policy.HourBlock)
	case minute > int64(l.policy.PerMinute):
		return l.block(ctx, key, ReasonMinuteLimit, now, l.policy.MinuteBlock)
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) block(ctx context.Context, key, reason string, now time.Time, ttl time.Duration) (Decision, error) {
	if err := l.store.Block(ctx, key, reason, now, ttl); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: false, RetryAfterSeconds: retryAfter(ttl), Reason: reason}, nil
}

// Key builds the store key for an (ip, endpoint) pair.
func Key(ip, endpoint string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	return ip + "|" + strings.ToLower(strings.TrimSpace(endpoint))
}

func retryAfter(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
