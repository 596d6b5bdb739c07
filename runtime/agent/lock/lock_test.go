package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
)

func TestInMemOwnership(t *testing.T) {
	l := NewInMem()
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryAcquire(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	// Non-owner release is a no-op.
	released, err := l.Release(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = l.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = l.TryAcquire(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInMemLeaseExpiry(t *testing.T) {
	l := NewInMem()
	ctx := context.Background()
	now := time.Now()
	l.SetClock(func() time.Time { return now })

	ok, err := l.TryAcquire(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = l.TryAcquire(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is acquirable")

	extended, err := l.Extend(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended, "stale holder cannot extend")
}

func TestRunLockWithLockReleasesOnError(t *testing.T) {
	l := NewInMem()
	rl := NewRunLock(l, time.Minute)
	ctx := context.Background()
	id := agent.RunID("run-1")

	wantErr := errors.New("boom")
	err := rl.WithLock(ctx, id, "holder", func(context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	locked, err := rl.IsLocked(ctx, id)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRunLockWithLockReleasesOnPanic(t *testing.T) {
	l := NewInMem()
	rl := NewRunLock(l, time.Minute)
	ctx := context.Background()
	id := agent.RunID("run-2")

	assert.Panics(t, func() {
		_ = rl.WithLock(ctx, id, "holder", func(context.Context) error { panic("boom") })
	})

	locked, err := rl.IsLocked(ctx, id)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRunLockConflict(t *testing.T) {
	l := NewInMem()
	rl := NewRunLock(l, time.Minute)
	ctx := context.Background()
	id := agent.RunID("run-3")

	ok, err := rl.TryAcquire(ctx, id, "other")
	require.NoError(t, err)
	require.True(t, ok)

	err = rl.WithLock(ctx, id, "holder", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Equal(t, agent.CodeConflict, agent.CodeOf(err))
}
