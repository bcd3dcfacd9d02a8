package fsblob

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend_PutGetDeleteExists(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := b.Exists(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, b.Put(ctx, "abc123", bytes.NewReader([]byte("payload"))))

	exists, err = b.Exists(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := b.Get(ctx, "abc123")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, "payload", string(data))

	require.NoError(t, b.Delete(ctx, "abc123"))
	exists, err = b.Exists(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBackend_DeleteMissingIsNotAnError(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, b.Delete(context.Background(), "never-written"))
}

func TestBackend_GetMissingReturnsNotExist(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = b.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBackend_SanitizesTraversalKeys(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "../../etc/passwd", bytes.NewReader([]byte("x"))))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "etc", e.Name())
	}
}
