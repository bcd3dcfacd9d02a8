// Package memmeta implements contentstore.MetaStore as an in-memory map,
// grounded on internal/store/memory's mutex-guarded map shape.
package memmeta

import (
	"context"
	"sync"
	"time"

	"github.com/nodalwatch/ace/internal/contentstore"
	"github.com/nodalwatch/ace/internal/domain"
)

// Store is an in-memory contentstore.MetaStore, suitable for tests and
// single-process deployments.
type Store struct {
	mu    sync.RWMutex
	byHex map[string]*domain.ContentMetadata
}

// New creates an empty Store.
func New() *Store {
	return &Store{byHex: make(map[string]*domain.ContentMetadata)}
}

var _ contentstore.MetaStore = (*Store)(nil)

func clone(m *domain.ContentMetadata) *domain.ContentMetadata {
	c := *m
	c.Roots = make(map[string]struct{}, len(m.Roots))
	for k := range m.Roots {
		c.Roots[k] = struct{}{}
	}
	c.Custom = make(map[string]string, len(m.Custom))
	for k, v := range m.Custom {
		c.Custom[k] = v
	}
	return &c
}

func (s *Store) PutMeta(ctx context.Context, meta *domain.ContentMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHex[meta.SHA256] = clone(meta)
	return nil
}

func (s *Store) GetMeta(ctx context.Context, sha256Hex string) (*domain.ContentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byHex[sha256Hex]
	if !ok {
		return nil, domain.ErrContentNotFound
	}
	return clone(m), nil
}

func (s *Store) DeleteMeta(ctx context.Context, sha256Hex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byHex, sha256Hex)
	return nil
}

func (s *Store) AddRootRef(ctx context.Context, sha256Hex, rootUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byHex[sha256Hex]
	if !ok {
		return domain.ErrContentNotFound
	}
	if m.Roots == nil {
		m.Roots = make(map[string]struct{})
	}
	m.Roots[rootUUID] = struct{}{}
	return nil
}

func (s *Store) RemoveRootRef(ctx context.Context, sha256Hex, rootUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byHex[sha256Hex]
	if !ok {
		return domain.ErrContentNotFound
	}
	delete(m.Roots, rootUUID)
	return nil
}

func (s *Store) RemoveRoot(ctx context.Context, rootUUID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var emptied []string
	for sha, m := range s.byHex {
		if _, ok := m.Roots[rootUUID]; !ok {
			continue
		}
		delete(m.Roots, rootUUID)
		if len(m.Roots) == 0 {
			emptied = append(emptied, sha)
		}
	}
	return emptied, nil
}

func (s *Store) ExpiredCandidates(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for sha, m := range s.byHex {
		if m.ExpirationDate != nil && !m.ExpirationDate.After(now) {
			out = append(out, sha)
		}
	}
	return out, nil
}
