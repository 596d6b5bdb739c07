package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts guarantee the owner check and the mutation happen atomically on
// the Redis side.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis implements Lock on a Redis connection using SET NX for acquisition
// and Lua scripts for owner-checked release/extend.
type Redis struct {
	rdb *redis.Client
}

// NewRedis builds a Redis-backed lock.
func NewRedis(rdb *redis.Client) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	return &Redis{rdb: rdb}, nil
}

// TryAcquire attempts SET key holderID NX PX ttl.
func (l *Redis) TryAcquire(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	if holderID == "" {
		return false, errors.New("holder id is required")
	}
	ok, err := l.rdb.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes key only when holderID owns it.
func (l *Redis) Release(ctx context.Context, key, holderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, holderID).Int()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", key, err)
	}
	return n == 1, nil
}

// Extend refreshes the TTL only when holderID owns key.
func (l *Redis) Extend(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{key}, holderID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend %s: %w", key, err)
	}
	return n == 1, nil
}

// IsLocked reports whether key exists.
func (l *Redis) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}
