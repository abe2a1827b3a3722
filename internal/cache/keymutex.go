package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockBusy means a lease could not be acquired within the wait budget.
var ErrLockBusy = errors.New("cache: lock busy, try again shortly")

const (
	defaultLeaseTTL     = 10 * time.Second
	defaultLeasePoll    = 20 * time.Millisecond
	defaultLeaseMaxWait = 5 * time.Second
)

// KeyMutex is a short-lived lease on an arbitrary key in the shared store,
// serializing read-check-write sequences across worker processes. Unlike
// SingleFlightMutex it has no same-holder fast path: every contender polls
// until the lease frees or the wait budget runs out. The TTL bounds how long
// a dead worker can hold a lease.
type KeyMutex struct {
	store     Store
	ttl       time.Duration
	pollEvery time.Duration
	maxWait   time.Duration
}

func NewKeyMutex(store Store) *KeyMutex {
	return &KeyMutex{
		store:     store,
		ttl:       defaultLeaseTTL,
		pollEvery: defaultLeasePoll,
		maxWait:   defaultLeaseMaxWait,
	}
}

func (m *KeyMutex) Lock(ctx context.Context, key string) error {
	deadline := time.Now().Add(m.maxWait)
	for {
		ok, err := m.store.SetNX(ctx, key, "1", m.ttl)
		if err != nil {
			return fmt.Errorf("acquire lease %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

func (m *KeyMutex) Unlock(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
