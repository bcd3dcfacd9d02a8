package memmeta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/domain"
)

func TestStore_PutAndGetMeta(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutMeta(ctx, &domain.ContentMetadata{
		SHA256: "sha-1", Name: "a.bin", Size: 10,
		Roots: map[string]struct{}{"root-1": {}},
	}))

	got, err := s.GetMeta(ctx, "sha-1")
	require.NoError(t, err)
	assert.Equal(t, "a.bin", got.Name)
	assert.Contains(t, got.Roots, "root-1")
}

func TestStore_GetMeta_Unknown(t *testing.T) {
	s := New()
	_, err := s.GetMeta(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrContentNotFound)
}

func TestStore_AddAndRemoveRootRef(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMeta(ctx, &domain.ContentMetadata{SHA256: "sha-1", Roots: map[string]struct{}{}}))

	require.NoError(t, s.AddRootRef(ctx, "sha-1", "root-1"))
	got, err := s.GetMeta(ctx, "sha-1")
	require.NoError(t, err)
	assert.Contains(t, got.Roots, "root-1")

	require.NoError(t, s.RemoveRootRef(ctx, "sha-1", "root-1"))
	got, err = s.GetMeta(ctx, "sha-1")
	require.NoError(t, err)
	assert.NotContains(t, got.Roots, "root-1")
}

func TestStore_RemoveRoot_ReturnsEmptiedEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutMeta(ctx, &domain.ContentMetadata{
		SHA256: "sha-1", Roots: map[string]struct{}{"root-1": {}},
	}))
	require.NoError(t, s.PutMeta(ctx, &domain.ContentMetadata{
		SHA256: "sha-2", Roots: map[string]struct{}{"root-1": {}, "root-2": {}},
	}))

	emptied, err := s.RemoveRoot(ctx, "root-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sha-1"}, emptied)

	got, err := s.GetMeta(ctx, "sha-2")
	require.NoError(t, err)
	assert.Contains(t, got.Roots, "root-2")
	assert.NotContains(t, got.Roots, "root-1")
}

func TestStore_ExpiredCandidates(t *testing.T) {
	s := New()
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, s.PutMeta(ctx, &domain.ContentMetadata{SHA256: "expired", ExpirationDate: &past}))
	require.NoError(t, s.PutMeta(ctx, &domain.ContentMetadata{SHA256: "fresh", ExpirationDate: &future}))
	require.NoError(t, s.PutMeta(ctx, &domain.ContentMetadata{SHA256: "no-expiry"}))

	out, err := s.ExpiredCandidates(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"expired"}, out)
}
