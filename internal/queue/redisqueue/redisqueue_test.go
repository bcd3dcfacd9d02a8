package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/domain"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestQueue_FIFOOrder(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	q := New(client, "ace:queue:mod_a")

	require.NoError(t, q.Put(ctx, &domain.AnalysisRequest{ID: "a"}))
	require.NoError(t, q.Put(ctx, &domain.AnalysisRequest{ID: "b"}))

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	second, err := q.Pop(ctx)
	require.NoError(t, err)

	require.Equal(t, "a", first.ID)
	require.Equal(t, "b", second.ID)
}

func TestQueue_PopTimesOutWithNilResult(t *testing.T) {
	client := newTestClient(t)
	q := New(client, "ace:queue:empty")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ar, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Nil(t, ar)
}

func TestQueue_SizeAndDelete(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	q := New(client, "ace:queue:mod_b")

	require.NoError(t, q.Put(ctx, &domain.AnalysisRequest{ID: "a"}))
	require.NoError(t, q.Put(ctx, &domain.AnalysisRequest{ID: "b"}))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	require.NoError(t, q.Delete(ctx))
	size, err = q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, size)
}

func TestManager_QueuesAreNamespacedPerAMT(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	m := NewManager(client, "ace:queue:")

	require.NoError(t, m.Queue("mod_a").Put(ctx, &domain.AnalysisRequest{ID: "a"}))

	sizeA, err := m.Queue("mod_a").Size(ctx)
	require.NoError(t, err)
	sizeB, err := m.Queue("mod_b").Size(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, sizeA)
	require.Equal(t, 0, sizeB)

	require.NoError(t, m.Delete(ctx, "mod_a"))
	sizeA, err = m.Queue("mod_a").Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sizeA)
}
