package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a Redis connection. Callers own the connection
// lifecycle; Close is intentionally absent.
type Redis struct {
	rdb        *redis.Client
	defaultTTL time.Duration
}

// NewRedis builds a Redis-backed cache. defaultTTL applies when Set receives
// a zero TTL and must be positive.
func NewRedis(rdb *redis.Client, defaultTTL time.Duration) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if defaultTTL <= 0 {
		return nil, errors.New("default TTL must be positive")
	}
	return &Redis{rdb: rdb, defaultTTL: defaultTTL}, nil
}

// Get returns the value stored under key, or ErrMiss.
func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set stores value under key with the given TTL.
func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Del removes key.
func (c *Redis) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
