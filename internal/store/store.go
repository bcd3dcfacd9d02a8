// Package store defines the tracking store of spec §4.1: CRUD over roots,
// analysis-details blobs, analysis requests, and the cache-key/linked-AR
// indexes the dispatcher's deduplication logic depends on.
package store

import (
	"context"
	"time"

	"github.com/nodalwatch/ace/internal/domain"
)

// Store is the tracking store's full contract. store/memory and
// store/postgres both implement it; the dispatcher and worker manager
// depend only on this interface.
type Store interface {
	// GetRoot loads the root by uuid, or domain.ErrRootNotFound.
	GetRoot(ctx context.Context, uuid string) (*domain.RootAnalysis, error)

	// SaveRoot persists root via compare-and-swap on root.Version: the
	// caller must set root.Version to the version it last observed.
	// On success root.Version is rotated to a fresh UUID and returned;
	// on a version mismatch it returns a *domain.StaleVersionError.
	SaveRoot(ctx context.Context, root *domain.RootAnalysis) (newVersion string, err error)

	// CreateRoot persists a brand-new root, assigning its first version.
	CreateRoot(ctx context.Context, root *domain.RootAnalysis) (newVersion string, err error)

	// DeleteRoot removes the root and its details blobs.
	DeleteRoot(ctx context.Context, uuid string) error

	// GetDetails loads the details blob for a uuid (an Analysis.DetailsID).
	GetDetails(ctx context.Context, uuid string) ([]byte, error)

	// PutDetails stores a details blob under uuid.
	PutDetails(ctx context.Context, uuid string, blob []byte) error

	// TrackRequest persists ar, creating or overwriting by ar.ID.
	TrackRequest(ctx context.Context, ar *domain.AnalysisRequest) error

	// DeleteRequest removes the AR by id, reporting whether one existed.
	DeleteRequest(ctx context.Context, id string) (bool, error)

	// ByCacheKey returns the tracked AR with the given cache key, if any.
	ByCacheKey(ctx context.Context, cacheKey string) (*domain.AnalysisRequest, error)

	// ByRequestID returns the tracked AR with the given id, if any.
	ByRequestID(ctx context.Context, id string) (*domain.AnalysisRequest, error)

	// ByRoot returns every AR currently tracked against rootUUID.
	ByRoot(ctx context.Context, rootUUID string) ([]*domain.AnalysisRequest, error)

	// LinkRequests records that dest is a duplicate deduplicated against
	// the existing in-flight AR src: when src's result lands, the
	// dispatcher fans the same result out to every such dest.
	LinkRequests(ctx context.Context, src, dest string) error

	// Linked returns every AR id linked as a duplicate of src.
	Linked(ctx context.Context, src string) ([]string, error)

	// ExpiredRequests returns every tracked AR whose deadline has passed.
	ExpiredRequests(ctx context.Context, now time.Time) ([]*domain.AnalysisRequest, error)
}
