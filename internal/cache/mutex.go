package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInferenceBusy is a retry signal, not a failure: inference for this user
// is already running, the caller should try again shortly.
var ErrInferenceBusy = errors.New("cache: inference already running, try again shortly")

const (
	inferenceLockKey = "inference:lock"
	pendingKeyPrefix = "inference:pending:"
	defaultLockTTL   = 30 * time.Second
	defaultPollEvery = 100 * time.Millisecond
	defaultMaxWait   = 5 * time.Second
)

// SingleFlightMutex serializes inference runs across worker processes. The
// sampler shares one backing runtime and is not re-entrant, so at most one
// inference may run at a time. A second request from the same user gets
// ErrInferenceBusy immediately (and bumps a pending counter) instead of
// queueing without bound; requests from other users poll briefly.
//
// The lock key carries a short TTL so a worker dying mid-inference cannot
// wedge the system for longer than the expiry window.
type SingleFlightMutex struct {
	store     Store
	ttl       time.Duration
	pollEvery time.Duration
	maxWait   time.Duration
}

func NewSingleFlightMutex(store Store) *SingleFlightMutex {
	return &SingleFlightMutex{
		store:     store,
		ttl:       defaultLockTTL,
		pollEvery: defaultPollEvery,
		maxWait:   defaultMaxWait,
	}
}

func pendingKey(userID int64) string {
	return fmt.Sprintf("%s%d", pendingKeyPrefix, userID)
}

// Lock acquires the global inference lock on behalf of userID. Returns
// ErrInferenceBusy when the same user already holds it, or when another
// user's run does not finish within the wait budget.
func (m *SingleFlightMutex) Lock(ctx context.Context, userID int64) error {
	holderValue := fmt.Sprintf("%d", userID)
	deadline := time.Now().Add(m.maxWait)

	for {
		ok, err := m.store.SetNX(ctx, inferenceLockKey, holderValue, m.ttl)
		if err != nil {
			return fmt.Errorf("acquire inference lock: %w", err)
		}
		if ok {
			return nil
		}

		holder, found, err := m.store.Get(ctx, inferenceLockKey)
		if err != nil {
			return fmt.Errorf("read inference lock: %w", err)
		}
		if found && holder == holderValue {
			// Same user is already mid-inference. Count the request and tell
			// the caller to retry rather than piling up behind the lock.
			if _, err := m.store.Incr(ctx, pendingKey(userID), m.ttl); err != nil {
				return fmt.Errorf("bump pending counter: %w", err)
			}
			return ErrInferenceBusy
		}

		if time.Now().After(deadline) {
			return ErrInferenceBusy
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// Unlock clears the global lock and the user's pending counter
// unconditionally. Callers must defer this on every path out of inference.
func (m *SingleFlightMutex) Unlock(ctx context.Context, userID int64) error {
	if err := m.store.Delete(ctx, inferenceLockKey, pendingKey(userID)); err != nil {
		return fmt.Errorf("release inference lock: %w", err)
	}
	return nil
}
