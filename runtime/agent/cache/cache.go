// Package cache defines the abstract TTL'd key-value cache the runtime
// persists durable run data in (agent states, cancellation signals). The core
// depends only on this interface; the Redis implementation lives alongside it
// and an in-memory implementation backs tests and single-process runs.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache: key not found")

// Cache is a minimal TTL'd byte store. Implementations must be safe for
// concurrent use.
type Cache interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL. A zero TTL means the
	// implementation default; implementations must not persist forever.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
}
