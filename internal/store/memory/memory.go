// Package memory is an in-memory Store backend for tests and local
// development, following the teacher's infrastructure/state MemoryBackend
// shape: plain maps guarded by one sync.RWMutex, no external dependency.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodalwatch/ace/internal/domain"
)

// Store is the memory-backed Store.
type Store struct {
	mu sync.RWMutex

	roots   map[string]*domain.RootAnalysis
	details map[string][]byte
	ars     map[string]*domain.AnalysisRequest
	byCache map[string]string   // cache_key -> ar id
	links   map[string][]string // src ar id -> linked (duplicate-of) ar ids
}

// New creates an empty memory store.
func New() *Store {
	return &Store{
		roots:   make(map[string]*domain.RootAnalysis),
		details: make(map[string][]byte),
		ars:     make(map[string]*domain.AnalysisRequest),
		byCache: make(map[string]string),
		links:   make(map[string][]string),
	}
}

func cloneRoot(r *domain.RootAnalysis) *domain.RootAnalysis {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Observables = append([]domain.Observable(nil), r.Observables...)
	cp.Analyses = append([]domain.Analysis(nil), r.Analyses...)
	cp.DetectionPoints = append([]string(nil), r.DetectionPoints...)
	return &cp
}

// GetRoot implements store.Store.
func (s *Store) GetRoot(ctx context.Context, uuid string) (*domain.RootAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roots[uuid]
	if !ok {
		return nil, domain.ErrRootNotFound
	}
	return cloneRoot(r), nil
}

// CreateRoot implements store.Store.
func (s *Store) CreateRoot(ctx context.Context, root *domain.RootAnalysis) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.roots[root.UUID]; exists {
		return "", domain.ErrStaleVersion
	}

	root.Version = uuid.NewString()
	now := time.Now()
	root.SubmittedAt = now
	root.UpdatedAt = now
	s.roots[root.UUID] = cloneRoot(root)
	return root.Version, nil
}

// SaveRoot implements store.Store.
func (s *Store) SaveRoot(ctx context.Context, root *domain.RootAnalysis) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.roots[root.UUID]
	if !ok {
		return "", domain.ErrRootNotFound
	}
	if current.Version != root.Version {
		return "", &domain.StaleVersionError{RootID: root.UUID, Wanted: root.Version, Current: current.Version}
	}

	root.Version = uuid.NewString()
	root.UpdatedAt = time.Now()
	s.roots[root.UUID] = cloneRoot(root)
	return root.Version, nil
}

// DeleteRoot implements store.Store.
func (s *Store) DeleteRoot(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roots[uuid]; ok {
		for _, a := range r.Analyses {
			if a.DetailsID != "" {
				delete(s.details, a.DetailsID)
			}
		}
	}
	delete(s.roots, uuid)
	return nil
}

// GetDetails implements store.Store.
func (s *Store) GetDetails(ctx context.Context, uuid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.details[uuid]
	if !ok {
		return nil, domain.ErrUnknownObservable
	}
	return append([]byte(nil), b...), nil
}

// PutDetails implements store.Store.
func (s *Store) PutDetails(ctx context.Context, uuid string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[uuid] = append([]byte(nil), blob...)
	return nil
}

// TrackRequest implements store.Store.
func (s *Store) TrackRequest(ctx context.Context, ar *domain.AnalysisRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ar
	s.ars[ar.ID] = &cp
	if ar.CacheKey != "" {
		s.byCache[ar.CacheKey] = ar.ID
	}
	return nil
}

// DeleteRequest implements store.Store.
func (s *Store) DeleteRequest(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ar, ok := s.ars[id]
	if !ok {
		return false, nil
	}
	delete(s.ars, id)
	if ar.CacheKey != "" {
		if cur, ok := s.byCache[ar.CacheKey]; ok && cur == id {
			delete(s.byCache, ar.CacheKey)
		}
	}
	delete(s.links, id)
	return true, nil
}

// ByCacheKey implements store.Store.
func (s *Store) ByCacheKey(ctx context.Context, cacheKey string) (*domain.AnalysisRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCache[cacheKey]
	if !ok {
		return nil, nil
	}
	ar, ok := s.ars[id]
	if !ok {
		return nil, nil
	}
	cp := *ar
	return &cp, nil
}

// ByRequestID implements store.Store.
func (s *Store) ByRequestID(ctx context.Context, id string) (*domain.AnalysisRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ar, ok := s.ars[id]
	if !ok {
		return nil, nil
	}
	cp := *ar
	return &cp, nil
}

// ByRoot implements store.Store.
func (s *Store) ByRoot(ctx context.Context, rootUUID string) ([]*domain.AnalysisRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AnalysisRequest
	for _, ar := range s.ars {
		if ar.RootUUID == rootUUID {
			cp := *ar
			out = append(out, &cp)
		}
	}
	return out, nil
}

// LinkRequests implements store.Store: src is the existing in-flight AR a
// duplicate was deduplicated against, dest is the newly created duplicate
// pending AR. Linked(src) later yields every such dest for fan-out.
func (s *Store) LinkRequests(ctx context.Context, src, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.links[src] {
		if existing == dest {
			return nil
		}
	}
	s.links[src] = append(s.links[src], dest)
	return nil
}

// Linked implements store.Store.
func (s *Store) Linked(ctx context.Context, src string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.links[src]...), nil
}

// ExpiredRequests implements store.Store.
func (s *Store) ExpiredRequests(ctx context.Context, now time.Time) ([]*domain.AnalysisRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AnalysisRequest
	for _, ar := range s.ars {
		if ar.Expired(now) {
			cp := *ar
			out = append(out, &cp)
		}
	}
	return out, nil
}
