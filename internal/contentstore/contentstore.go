// Package contentstore implements the content-addressed blob store of spec
// §4.9: file bytes keyed by SHA-256, with metadata (name, size, insert
// date, optional expiration, referencing roots, custom tags) tracked
// separately from the bytes themselves. Grounded on pkg/blob's
// Storage/BlobBackend split (itself built for Supabase Storage) -
// generalized here behind a backend-agnostic BlobBackend interface so the
// bytes can live on a filesystem, in memory, or behind any other object
// store without touching the metadata or reference-counting logic.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/nodalwatch/ace/internal/domain"
)

// BlobBackend stores and retrieves raw bytes by key. Implementations need
// not know anything about content metadata or root references.
type BlobBackend interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// MetaStore persists ContentMetadata and its root-reference set. Kept
// separate from BlobBackend so the metadata can live in Postgres while
// bytes live on disk/object storage, matching the content/content_roots
// table split of spec §6.
type MetaStore interface {
	PutMeta(ctx context.Context, meta *domain.ContentMetadata) error
	GetMeta(ctx context.Context, sha256Hex string) (*domain.ContentMetadata, error)
	DeleteMeta(ctx context.Context, sha256Hex string) error
	AddRootRef(ctx context.Context, sha256Hex, rootUUID string) error
	RemoveRootRef(ctx context.Context, sha256Hex, rootUUID string) error
	// RemoveRoot strips rootUUID from every content entry that references
	// it, returning the sha256 hexes whose reference set became empty.
	RemoveRoot(ctx context.Context, rootUUID string) ([]string, error)
	// ExpiredCandidates returns sha256 hexes whose expiration_date is <=
	// now; the caller still must check Deletable (no live root refs).
	ExpiredCandidates(ctx context.Context, now time.Time) ([]string, error)
}

// Store is the content-addressed blob store described by spec §4.9.
type Store struct {
	blobs BlobBackend
	meta  MetaStore
}

// New creates a Store over the given backends.
func New(blobs BlobBackend, meta MetaStore) *Store {
	return &Store{blobs: blobs, meta: meta}
}

// StoreStream persists r's content under its SHA-256 digest and records
// meta (whose SHA256/Size/InsertDate fields are populated by this call and
// need not be set by the caller). The digest can only be known once the
// full stream is read, so r is buffered in memory before the backend
// write; callers with very large payloads should chunk at a higher layer.
// Returns the content's hex digest.
func (s *Store) StoreStream(ctx context.Context, r io.Reader, meta domain.ContentMetadata) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	if exists, err := s.blobs.Exists(ctx, sha); err != nil {
		return "", err
	} else if !exists {
		if err := s.blobs.Put(ctx, sha, newByteReader(data)); err != nil {
			return "", err
		}
	}

	meta.SHA256 = sha
	meta.Size = int64(len(data))
	meta.InsertDate = time.Now().UTC()
	if existing, err := s.meta.GetMeta(ctx, sha); err == nil && existing != nil {
		// Already tracked: merge root refs / custom tags rather than
		// overwrite, so a re-upload of the same bytes doesn't lose the
		// first submission's references.
		for root := range meta.Roots {
			existing.Roots[root] = struct{}{}
		}
		for k, v := range meta.Custom {
			if existing.Custom == nil {
				existing.Custom = map[string]string{}
			}
			existing.Custom[k] = v
		}
		return sha, s.meta.PutMeta(ctx, existing)
	}
	return sha, s.meta.PutMeta(ctx, &meta)
}

// Store persists data in full, delegating to StoreStream.
func (s *Store) Store(ctx context.Context, data []byte, meta domain.ContentMetadata) (string, error) {
	return s.StoreStream(ctx, newByteReader(data), meta)
}

// GetMeta returns the tracked metadata for sha256Hex.
func (s *Store) GetMeta(ctx context.Context, sha256Hex string) (*domain.ContentMetadata, error) {
	return s.meta.GetMeta(ctx, sha256Hex)
}

// GetStream returns a reader over the stored bytes for sha256Hex.
func (s *Store) GetStream(ctx context.Context, sha256Hex string) (io.ReadCloser, error) {
	if _, err := s.meta.GetMeta(ctx, sha256Hex); err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, sha256Hex)
}

// Delete removes both the bytes and the tracked metadata for sha256Hex.
func (s *Store) Delete(ctx context.Context, sha256Hex string) error {
	if err := s.blobs.Delete(ctx, sha256Hex); err != nil {
		return err
	}
	return s.meta.DeleteMeta(ctx, sha256Hex)
}

// AddRootRef records that rootUUID references sha256Hex's content.
func (s *Store) AddRootRef(ctx context.Context, sha256Hex, rootUUID string) error {
	return s.meta.AddRootRef(ctx, sha256Hex, rootUUID)
}

// DeleteRoot strips rootUUID from every content entry referencing it and
// then runs expiration cleanup, per spec §4.9 ("root deletion removes
// that root uuid from all referenced entries and then retries expiration
// cleanup").
func (s *Store) DeleteRoot(ctx context.Context, rootUUID string) error {
	if _, err := s.meta.RemoveRoot(ctx, rootUUID); err != nil {
		return err
	}
	_, err := s.DeleteExpired(ctx)
	return err
}

// ExpiredCandidates lists the sha256 hexes whose expiration_date has
// passed, without deleting anything (the caller still must check
// Deletable before acting, since a candidate may still carry live root
// references).
func (s *Store) ExpiredCandidates(ctx context.Context) ([]string, error) {
	return s.meta.ExpiredCandidates(ctx, time.Now().UTC())
}

// DeleteExpired removes every content entry whose expiration_date has
// passed AND whose root-reference set is empty, returning the sha256
// hexes actually removed.
func (s *Store) DeleteExpired(ctx context.Context) ([]string, error) {
	candidates, err := s.meta.ExpiredCandidates(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, sha := range candidates {
		meta, err := s.meta.GetMeta(ctx, sha)
		if err != nil {
			if err == domain.ErrContentNotFound {
				continue
			}
			return removed, err
		}
		if !meta.Deletable(time.Now().UTC()) {
			continue
		}
		if err := s.Delete(ctx, sha); err != nil {
			return removed, err
		}
		removed = append(removed, sha)
	}
	return removed, nil
}

func newByteReader(data []byte) io.Reader {
	return &sliceReader{data: data}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}
