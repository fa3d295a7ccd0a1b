package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/shopbilling/pkg/logger"
	"github.com/angelmondragon/shopbilling/pkg/redis"
)

// ErrLockTimeout is returned when the tenant section could not be entered in time.
var ErrLockTimeout = errors.New("tenant lock timeout")

const redisLockScope = "tenant"

// TenantLocker serializes work per tenant. The returned release func must be
// called exactly once.
type TenantLocker interface {
	Lock(ctx context.Context, tenantID string) (func(), error)
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex with an acquisition timeout.
// Distinct tenants never share a slot.
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[string]*lockSlot
	timeout time.Duration
}

func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{slots: map[string]*lockSlot{}, timeout: timeout}
}

func (l *LocalLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[tenantID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[tenantID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	waitCtx, cancel := withOptionalTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case slot.ch <- struct{}{}:
	case <-waitCtx.Done():
		l.drop(tenantID, slot)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, tenantID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.drop(tenantID, slot)
		})
	}, nil
}

func (l *LocalLocker) drop(tenantID string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, tenantID)
	}
}

// RedisLocker holds an owner-token key per tenant so several API instances
// serialize on the same tenant. The key is never renewed, so its TTL must
// outlast the longest critical section a holder may run.
type RedisLocker struct {
	store   redis.LockStore
	ttl     time.Duration
	timeout time.Duration
	poll    time.Duration
	logg    *logger.Logger
}

// NewRedisLocker requires ttl to exceed maxHold, the bound callers put on the
// work done while holding the lock (the reconciler's apply timeout).
func NewRedisLocker(store redis.LockStore, ttl, maxHold, timeout time.Duration, logg *logger.Logger) (*RedisLocker, error) {
	if store == nil {
		return nil, errors.New("lock store required")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if maxHold <= 0 {
		return nil, errors.New("critical section bound must be positive")
	}
	if ttl <= maxHold {
		return nil, fmt.Errorf("lock ttl %s must exceed critical section bound %s", ttl, maxHold)
	}
	return &RedisLocker{store: store, ttl: ttl, timeout: timeout, poll: 50 * time.Millisecond, logg: logg}, nil
}

func (l *RedisLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	key := l.store.LockKey(redisLockScope, tenantID)
	owner := uuid.NewString()

	waitCtx, cancel := withOptionalTimeout(ctx, l.timeout)
	defer cancel()

	for {
		acquired, err := l.store.SetNX(waitCtx, key, owner, l.ttl)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, tenantID)
			}
			return nil, fmt.Errorf("acquire tenant lock: %w", err)
		}
		if acquired {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, tenantID)
		case <-time.After(l.poll):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := l.store.ReleaseIfOwner(releaseCtx, key, owner); err != nil && l.logg != nil {
				l.logg.Error(l.logg.WithTenantID(releaseCtx, tenantID), "failed to release tenant lock", err)
			}
		})
	}, nil
}

// ChainLocker acquires every locker in order and releases them in reverse.
type ChainLocker []TenantLocker

func (c ChainLocker) Lock(ctx context.Context, tenantID string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, locker := range c {
		release, err := locker.Lock(ctx, tenantID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
