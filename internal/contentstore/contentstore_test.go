package contentstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/contentstore/memmeta"
	"github.com/nodalwatch/ace/internal/domain"
)

// fakeBackend is a minimal in-memory BlobBackend for exercising Store
// without pulling in fsblob (tested separately).
type fakeBackend struct {
	data map[string][]byte
}

func newFakeBackend() *fakeBackend { return &fakeBackend{data: map[string][]byte{}} }

func (f *fakeBackend) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.data[key] = data
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.data[key]
	if !ok {
		return nil, domain.ErrContentNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBackend) Delete(ctx context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.data[key]
	return ok, nil
}

func TestStore_StoreAndGetRoundtrip(t *testing.T) {
	blobs := newFakeBackend()
	meta := memmeta.New()
	s := New(blobs, meta)
	ctx := context.Background()

	sha, err := s.Store(ctx, []byte("hello world"), domain.ContentMetadata{
		Name:  "hello.txt",
		Roots: map[string]struct{}{"root-1": {}},
	})
	require.NoError(t, err)
	assert.Len(t, sha, 64)

	got, err := s.GetMeta(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", got.Name)
	assert.Contains(t, got.Roots, "root-1")
	assert.Equal(t, int64(len("hello world")), got.Size)

	r, err := s.GetStream(ctx, sha)
	require.NoError(t, err)
	defer r.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
}

func TestStore_StoreDeduplicatesByContent(t *testing.T) {
	blobs := newFakeBackend()
	meta := memmeta.New()
	s := New(blobs, meta)
	ctx := context.Background()

	sha1, err := s.Store(ctx, []byte("same bytes"), domain.ContentMetadata{Roots: map[string]struct{}{"root-a": {}}})
	require.NoError(t, err)
	sha2, err := s.Store(ctx, []byte("same bytes"), domain.ContentMetadata{Roots: map[string]struct{}{"root-b": {}}})
	require.NoError(t, err)

	assert.Equal(t, sha1, sha2)
	got, err := s.GetMeta(ctx, sha1)
	require.NoError(t, err)
	assert.Contains(t, got.Roots, "root-a")
	assert.Contains(t, got.Roots, "root-b")
}

func TestStore_DeleteExpired_KeepsLiveRootOrFutureExpiry(t *testing.T) {
	blobs := newFakeBackend()
	meta := memmeta.New()
	s := New(blobs, meta)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	expiredNoRoot, err := s.Store(ctx, []byte("a"), domain.ContentMetadata{ExpirationDate: &past})
	require.NoError(t, err)
	expiredWithRoot, err := s.Store(ctx, []byte("b"), domain.ContentMetadata{
		ExpirationDate: &past, Roots: map[string]struct{}{"root-1": {}},
	})
	require.NoError(t, err)
	notYetExpired, err := s.Store(ctx, []byte("c"), domain.ContentMetadata{ExpirationDate: &future})
	require.NoError(t, err)

	removed, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{expiredNoRoot}, removed)

	_, err = s.GetMeta(ctx, expiredNoRoot)
	assert.ErrorIs(t, err, domain.ErrContentNotFound)
	_, err = s.GetMeta(ctx, expiredWithRoot)
	assert.NoError(t, err)
	_, err = s.GetMeta(ctx, notYetExpired)
	assert.NoError(t, err)
}

func TestStore_DeleteRoot_ThenExpiredCleansUp(t *testing.T) {
	blobs := newFakeBackend()
	meta := memmeta.New()
	s := New(blobs, meta)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	sha, err := s.Store(ctx, []byte("root scoped"), domain.ContentMetadata{
		ExpirationDate: &past, Roots: map[string]struct{}{"root-1": {}},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRoot(ctx, "root-1"))

	_, err = s.GetMeta(ctx, sha)
	assert.ErrorIs(t, err, domain.ErrContentNotFound)
}
