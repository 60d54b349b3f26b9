package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/angelmondragon/scalepay-backend/pkg/redis"
)

const (
	defaultLockTTL = 4 * time.Minute
	lockScope      = "cron"
)

// Lock coordinates exclusive cron runs.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// keyedLocker is satisfied by redis.Locker.
type keyedLocker interface {
	Obtain(ctx context.Context, scope, id string, ttl, wait time.Duration) (func(), error)
}

// RedisLock keeps a single cron cycle running across every worker instance.
type RedisLock struct {
	locker  keyedLocker
	name    string
	ttl     time.Duration
	mu      sync.Mutex
	release func()
}

// NewRedisLock constructs a lock named after the worker environment.
func NewRedisLock(locker keyedLocker, name string, ttl time.Duration) (*RedisLock, error) {
	if locker == nil {
		return nil, errors.New("redis locker required for lock")
	}
	if name == "" {
		return nil, errors.New("lock name is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{locker: locker, name: name, ttl: ttl}, nil
}

// Acquire tries once to own the lock for the configured TTL.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	release, err := l.locker.Obtain(ctx, lockScope, l.name, l.ttl, 0)
	if errors.Is(err, redis.ErrLockNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.release = release
	l.mu.Unlock()
	return true, nil
}

// Release frees the lock if this instance holds it.
func (l *RedisLock) Release(context.Context) error {
	l.mu.Lock()
	release := l.release
	l.release = nil
	l.mu.Unlock()
	if release != nil {
		release()
	}
	return nil
}

// LocalLock only guards against overlapping cycles inside one process. It is
// used when no Redis endpoint is configured.
type LocalLock struct {
	mu sync.Mutex
}

func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) Acquire(context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

func (l *LocalLock) Release(context.Context) error {
	l.mu.Unlock()
	return nil
}
