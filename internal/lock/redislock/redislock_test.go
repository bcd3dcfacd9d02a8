package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestManager_AcquireAndRelease(t *testing.T) {
	client := newTestClient(t)
	m := New(client, "ace:lock:", time.Millisecond)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "root-1", "worker-a", time.Second, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	locked, err := m.IsLocked(ctx, "root-1")
	require.NoError(t, err)
	assert.True(t, locked)

	released, err := m.Release(ctx, "root-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, released)

	locked, err = m.IsLocked(ctx, "root-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestManager_SecondOwnerBlockedUntilTimeout(t *testing.T) {
	client := newTestClient(t)
	m := New(client, "ace:lock:", time.Millisecond)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "root-1", "worker-a", time.Second, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "root-1", "worker-b", 30*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_ReleaseByWrongOwnerFails(t *testing.T) {
	client := newTestClient(t)
	m := New(client, "ace:lock:", time.Millisecond)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "root-1", "worker-a", time.Second, time.Minute)
	require.NoError(t, err)

	released, err := m.Release(ctx, "root-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, released)

	locked, err := m.IsLocked(ctx, "root-1")
	require.NoError(t, err)
	assert.True(t, locked)
}
