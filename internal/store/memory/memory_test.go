package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/domain"
)

func TestStore_CreateAndGetRoot(t *testing.T) {
	s := New()
	ctx := context.Background()

	root := &domain.RootAnalysis{UUID: "root-1"}
	v1, err := s.CreateRoot(ctx, root)
	require.NoError(t, err)
	assert.NotEmpty(t, v1)

	got, err := s.GetRoot(ctx, "root-1")
	require.NoError(t, err)
	assert.Equal(t, v1, got.Version)
}

func TestStore_CreateRoot_DuplicateUUIDFails(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateRoot(ctx, &domain.RootAnalysis{UUID: "dup"})
	require.NoError(t, err)

	_, err = s.CreateRoot(ctx, &domain.RootAnalysis{UUID: "dup"})
	assert.Error(t, err)
}

func TestStore_SaveRoot_CompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()

	root := &domain.RootAnalysis{UUID: "root-1"}
	v1, err := s.CreateRoot(ctx, root)
	require.NoError(t, err)

	root.Version = v1
	root.Description = "updated"
	v2, err := s.SaveRoot(ctx, root)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	// Stale version is rejected.
	root.Version = v1
	_, err = s.SaveRoot(ctx, root)
	assert.Error(t, err)
	var staleErr *domain.StaleVersionError
	assert.ErrorAs(t, err, &staleErr)
}

func TestStore_SaveRoot_UnknownRootFails(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.SaveRoot(ctx, &domain.RootAnalysis{UUID: "ghost", Version: "v1"})
	assert.ErrorIs(t, err, domain.ErrRootNotFound)
}

func TestStore_DetailsRoundtrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.PutDetails(ctx, "blob-1", []byte("payload")))
	got, err := s.GetDetails(ctx, "blob-1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestStore_TrackAndLookupByCacheKeyAndID(t *testing.T) {
	s := New()
	ctx := context.Background()

	ar := &domain.AnalysisRequest{ID: "ar-1", RootUUID: "root-1", CacheKey: "ck-1"}
	require.NoError(t, s.TrackRequest(ctx, ar))

	byID, err := s.ByRequestID(ctx, "ar-1")
	require.NoError(t, err)
	assert.Equal(t, "root-1", byID.RootUUID)

	byCache, err := s.ByCacheKey(ctx, "ck-1")
	require.NoError(t, err)
	assert.Equal(t, "ar-1", byCache.ID)
}

func TestStore_DeleteRequest_ClearsCacheIndexAndLinks(t *testing.T) {
	s := New()
	ctx := context.Background()

	ar := &domain.AnalysisRequest{ID: "ar-1", CacheKey: "ck-1"}
	require.NoError(t, s.TrackRequest(ctx, ar))
	require.NoError(t, s.LinkRequests(ctx, "ar-1", "ar-dup"))

	deleted, err := s.DeleteRequest(ctx, "ar-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	byCache, err := s.ByCacheKey(ctx, "ck-1")
	require.NoError(t, err)
	assert.Nil(t, byCache)

	linked, err := s.Linked(ctx, "ar-1")
	require.NoError(t, err)
	assert.Empty(t, linked)
}

func TestStore_ByRootFiltersCorrectly(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.TrackRequest(ctx, &domain.AnalysisRequest{ID: "ar-1", RootUUID: "root-a"}))
	require.NoError(t, s.TrackRequest(ctx, &domain.AnalysisRequest{ID: "ar-2", RootUUID: "root-b"}))
	require.NoError(t, s.TrackRequest(ctx, &domain.AnalysisRequest{ID: "ar-3", RootUUID: "root-a"}))

	ars, err := s.ByRoot(ctx, "root-a")
	require.NoError(t, err)
	assert.Len(t, ars, 2)
}

func TestStore_LinkRequestsAndFanOut(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.LinkRequests(ctx, "existing", "dup-1"))
	require.NoError(t, s.LinkRequests(ctx, "existing", "dup-2"))
	require.NoError(t, s.LinkRequests(ctx, "existing", "dup-1")) // idempotent

	linked, err := s.Linked(ctx, "existing")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dup-1", "dup-2"}, linked)
}

func TestStore_ExpiredRequests(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.TrackRequest(ctx, &domain.AnalysisRequest{ID: "live", Deadline: now.Add(time.Hour)}))
	require.NoError(t, s.TrackRequest(ctx, &domain.AnalysisRequest{ID: "dead", Deadline: now.Add(-time.Hour)}))

	expired, err := s.ExpiredRequests(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "dead", expired[0].ID)
}
