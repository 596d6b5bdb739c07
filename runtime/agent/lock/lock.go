// Package lock provides the namespaced distributed lock that serializes
// mutation of a run's persisted state. Exactly one holder may own the lock
// for a run at a time; the TTL doubles as the crash-detection heartbeat: a
// run whose state says "running" while its lock is free and stale is
// declared crashed.
package lock

import (
	"context"
	"fmt"
	"time"

	"goa.design/agentrun/runtime/agent"
)

// KeyPrefix namespaces run lock keys in the shared cache/Redis keyspace.
const KeyPrefix = "lock:agent-run:"

// DefaultTTL is the lock lifetime when the caller does not override it.
const DefaultTTL = 10 * time.Minute

// Lock is an abstract distributed lock with owner-checked release.
// Implementations must make TryAcquire atomic.
type Lock interface {
	// TryAcquire attempts to take key for holderID with the given TTL.
	// Returns false without error when another holder owns the key.
	TryAcquire(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error)

	// Release frees key if and only if holderID owns it. Returns whether the
	// lock was released.
	Release(ctx context.Context, key, holderID string) (bool, error)

	// Extend refreshes the TTL if holderID owns key. Returns whether the
	// lease was extended.
	Extend(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error)

	// IsLocked reports whether any holder currently owns key.
	IsLocked(ctx context.Context, key string) (bool, error)
}

// Key returns the lock key for a run.
func Key(id agent.RunID) string { return KeyPrefix + string(id) }

// RunLock wraps a Lock with the run key layout and a fixed TTL.
type RunLock struct {
	lock Lock
	ttl  time.Duration
}

// NewRunLock builds a RunLock. A non-positive TTL falls back to DefaultTTL.
func NewRunLock(l Lock, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RunLock{lock: l, ttl: ttl}
}

// TTL returns the configured lock TTL.
func (r *RunLock) TTL() time.Duration { return r.ttl }

// TryAcquire attempts to take the run lock for holderID.
func (r *RunLock) TryAcquire(ctx context.Context, id agent.RunID, holderID string) (bool, error) {
	return r.lock.TryAcquire(ctx, Key(id), holderID, r.ttl)
}

// Release frees the run lock if holderID owns it.
func (r *RunLock) Release(ctx context.Context, id agent.RunID, holderID string) (bool, error) {
	return r.lock.Release(ctx, Key(id), holderID)
}

// Extend refreshes the run lock lease for holderID.
func (r *RunLock) Extend(ctx context.Context, id agent.RunID, holderID string) (bool, error) {
	return r.lock.Extend(ctx, Key(id), holderID, r.ttl)
}

// IsLocked reports whether the run is currently locked by any holder.
func (r *RunLock) IsLocked(ctx context.Context, id agent.RunID) (bool, error) {
	return r.lock.IsLocked(ctx, Key(id))
}

// WithLock acquires the run lock, invokes fn and releases on every exit path
// including errors and panics. Returns agent.CodeConflict when the lock is
// held elsewhere.
func (r *RunLock) WithLock(ctx context.Context, id agent.RunID, holderID string, fn func(ctx context.Context) error) error {
	ok, err := r.TryAcquire(ctx, id, holderID)
	if err != nil {
		return fmt.Errorf("acquire run lock %s: %w", id, err)
	}
	if !ok {
		return agent.Conflictf("run %s is already running", id)
	}
	defer func() {
		// Release must not inherit a cancelled caller context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = r.Release(releaseCtx, id, holderID)
	}()
	return fn(ctx)
}
