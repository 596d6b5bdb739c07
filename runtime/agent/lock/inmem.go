package lock

import (
	"context"
	"sync"
	"time"
)

// InMem is an in-process Lock for tests and single-process deployments.
type InMem struct {
	mu      sync.Mutex
	holders map[string]inmemLease
	now     func() time.Time
}

type inmemLease struct {
	holder    string
	expiresAt time.Time
}

// NewInMem builds an in-memory lock.
func NewInMem() *InMem {
	return &InMem{holders: make(map[string]inmemLease), now: time.Now}
}

// TryAcquire takes key for holderID unless a live lease exists.
func (l *InMem) TryAcquire(_ context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, ok := l.holders[key]; ok && l.now().Before(lease.expiresAt) && lease.holder != holderID {
		return false, nil
	}
	l.holders[key] = inmemLease{holder: holderID, expiresAt: l.now().Add(ttl)}
	return true, nil
}

// Release frees key when holderID owns it.
func (l *InMem) Release(_ context.Context, key, holderID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.holders[key]
	if !ok || lease.holder != holderID {
		return false, nil
	}
	delete(l.holders, key)
	return true, nil
}

// Extend refreshes the lease when holderID owns key.
func (l *InMem) Extend(_ context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.holders[key]
	if !ok || lease.holder != holderID || l.now().After(lease.expiresAt) {
		return false, nil
	}
	l.holders[key] = inmemLease{holder: holderID, expiresAt: l.now().Add(ttl)}
	return true, nil
}

// IsLocked reports whether a live lease exists for key.
func (l *InMem) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lease, ok := l.holders[key]
	return ok && l.now().Before(lease.expiresAt), nil
}

// SetClock overrides the time source. Tests only.
func (l *InMem) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}
