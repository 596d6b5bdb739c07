package cache

import (
	"context"
	"sync"
	"time"
)

// InMem is an in-process Cache for tests and single-process deployments.
// Entries expire lazily on access.
type InMem struct {
	mu         sync.RWMutex
	entries    map[string]inmemEntry
	defaultTTL time.Duration
	now        func() time.Time
}

type inmemEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMem builds an in-memory cache. A non-positive defaultTTL falls back to
// 24 hours.
func NewInMem(defaultTTL time.Duration) *InMem {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &InMem{
		entries:    make(map[string]inmemEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the value stored under key, or ErrMiss.
func (c *InMem) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		if ok {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
		return nil, ErrMiss
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores value under key with the given TTL.
func (c *InMem) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	c.mu.Lock()
	c.entries[key] = inmemEntry{value: stored, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Del removes key.
func (c *InMem) Del(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// SetClock overrides the time source. Tests only.
func (c *InMem) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
