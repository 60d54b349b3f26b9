package redis

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

const lockRetryInterval = 100 * time.Millisecond

// ErrLockNotObtained is returned when another holder kept the lock for the
// whole wait period.
var ErrLockNotObtained = errors.New("redis lock not obtained")

// Locker hands out distributed locks keyed by scope and id.
type Locker struct {
	client *redislock.Client
	keys   func(scope, id string) string
}

// NewLocker builds a locker over any redislock compatible client.
func NewLocker(rdb redislock.RedisClient, keys func(scope, id string) string) (*Locker, error) {
	if rdb == nil {
		return nil, errNotInitialized
	}
	if keys == nil {
		return nil, errors.New("lock key builder required")
	}
	return &Locker{client: redislock.New(rdb), keys: keys}, nil
}

// Locker returns a distributed locker sharing this connection.
func (c *Client) Locker() (*Locker, error) {
	if c.raw == nil {
		return nil, errNotInitialized
	}
	return NewLocker(c.raw, c.LockKey)
}

// Obtain takes the lock for scope/id for ttl. With a positive wait it retries
// until wait elapses; otherwise it fails fast. The returned release func is
// safe to call more than once.
func (l *Locker) Obtain(ctx context.Context, scope, id string, ttl, wait time.Duration) (func(), error) {
	opts := &redislock.Options{}
	obtainCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		obtainCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		opts.RetryStrategy = redislock.LinearBackoff(lockRetryInterval)
	}

	lock, err := l.client.Obtain(obtainCtx, l.keys(scope, id), ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockNotObtained
	}
	if err != nil {
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}
