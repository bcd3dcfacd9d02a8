package memchan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/domain"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, &domain.AnalysisRequest{ID: "a"}))
	require.NoError(t, q.Put(ctx, &domain.AnalysisRequest{ID: "b"}))

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	second, err := q.Pop(ctx)
	require.NoError(t, err)

	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
}

func TestQueue_PopBlocksUntilPut(t *testing.T) {
	q := New()
	ctx := context.Background()

	done := make(chan *domain.AnalysisRequest, 1)
	go func() {
		ar, err := q.Pop(ctx)
		require.NoError(t, err)
		done <- ar
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Put(ctx, &domain.AnalysisRequest{ID: "late"}))

	select {
	case ar := <-done:
		assert.Equal(t, "late", ar.ID)
	case <-time.After(time.Second):
		t.Fatal("pop never returned")
	}
}

func TestQueue_PopTimesOutWithNilResult(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ar, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, ar)
}

func TestManager_CreatesQueuesLazilyPerAMT(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	qa := m.Queue("amt-a")
	qb := m.Queue("amt-b")
	require.NoError(t, qa.Put(ctx, &domain.AnalysisRequest{ID: "a"}))

	sizeA, err := qa.Size(ctx)
	require.NoError(t, err)
	sizeB, err := qb.Size(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, sizeA)
	assert.Equal(t, 0, sizeB)

	require.NoError(t, m.Delete(ctx, "amt-a"))
	sizeA, err = m.Queue("amt-a").Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sizeA)
}
