package payments

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
	"github.com/angelmondragon/scalepay-backend/pkg/redis"
)

const settlementLockScope = "settlement"

// distributedLock is satisfied by redis.Locker.
type distributedLock interface {
	Obtain(ctx context.Context, scope, id string, ttl, wait time.Duration) (func(), error)
}

// orderLocks serialises money movement per order inside this process and,
// when configured, across instances.
type orderLocks struct {
	mu     sync.Mutex
	held   map[int64]*orderLock
	remote distributedLock
	ttl    time.Duration
	wait   time.Duration
}

type orderLock struct {
	slot chan struct{}
	refs int
}

func newOrderLocks(remote distributedLock, ttl, wait time.Duration) *orderLocks {
	return &orderLocks{
		held:   make(map[int64]*orderLock),
		remote: remote,
		ttl:    ttl,
		wait:   wait,
	}
}

// Acquire blocks until the order is free or ctx ends.
func (l *orderLocks) Acquire(ctx context.Context, orderID int64) (func(), error) {
	l.mu.Lock()
	lk, ok := l.held[orderID]
	if !ok {
		lk = &orderLock{slot: make(chan struct{}, 1)}
		l.held[orderID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.slot <- struct{}{}:
	case <-ctx.Done():
		l.drop(orderID, lk)
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, ctx.Err(), "order is busy")
	}

	releaseRemote := func() {}
	if l.remote != nil {
		release, err := l.remote.Obtain(ctx, settlementLockScope, strconv.FormatInt(orderID, 10), l.ttl, l.wait)
		if err != nil {
			<-lk.slot
			l.drop(orderID, lk)
			if errors.Is(err, redis.ErrLockNotObtained) {
				return nil, pkgerrors.New(pkgerrors.CodeConflict, "order is being settled elsewhere")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "obtain order lock")
		}
		releaseRemote = release
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseRemote()
			<-lk.slot
			l.drop(orderID, lk)
		})
	}, nil
}

func (l *orderLocks) drop(orderID int64, lk *orderLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.held, orderID)
	}
}
