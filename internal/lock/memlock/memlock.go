// Package memlock is an in-process Manager backed by a mutex-guarded map,
// following the shape of the teacher's infrastructure/state in-memory
// backend: no external dependency, single-process only.
package memlock

import (
	"context"
	"sync"
	"time"

	"github.com/nodalwatch/ace/internal/lock"
)

type entry struct {
	owner   string
	expires time.Time
}

// Manager is the in-process lock.Manager.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]entry
	pollInterval time.Duration
}

// New creates an empty memlock Manager. pollInterval controls how often a
// blocked Acquire re-checks lock availability; 0 defaults to 10ms.
func New(pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	return &Manager{locks: make(map[string]entry), pollInterval: pollInterval}
}

func (m *Manager) tryAcquire(lockID, ownerID string, lockTTL time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, held := m.locks[lockID]; held && now.Before(e.expires) {
		return false
	}
	m.locks[lockID] = entry{owner: ownerID, expires: now.Add(lockTTL)}
	return true
}

// Acquire implements lock.Manager.
func (m *Manager) Acquire(ctx context.Context, lockID, ownerID string, waitTimeout, lockTTL time.Duration) (bool, error) {
	deadline := time.Now().Add(waitTimeout)

	for {
		if m.tryAcquire(lockID, ownerID, lockTTL, time.Now()) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(m.pollInterval):
		}
	}
}

// Release implements lock.Manager.
func (m *Manager) Release(ctx context.Context, lockID, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.locks[lockID]
	if !held || e.owner != ownerID {
		return false, nil
	}
	delete(m.locks, lockID)
	return true, nil
}

// IsLocked implements lock.Manager.
func (m *Manager) IsLocked(ctx context.Context, lockID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.locks[lockID]
	return held && time.Now().Before(e.expires), nil
}

var _ lock.Manager = (*Manager)(nil)
