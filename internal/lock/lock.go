// Package lock provides the cooperative advisory locks of spec §4.4. The
// dispatcher does not take these locks: both store backends save roots by
// version compare-and-swap. Grounded on the teacher's
// infrastructure/state CompareAndSwap idea, generalized into an
// owner+TTL map instead of a single persisted blob.
package lock

import (
	"context"
	"time"
)

// Manager is a named advisory lock service.
type Manager interface {
	// Acquire blocks up to waitTimeout trying to take lockID for ownerID,
	// held for lockTTL before it is treated as released. Returns false if
	// waitTimeout elapses without acquiring.
	Acquire(ctx context.Context, lockID, ownerID string, waitTimeout, lockTTL time.Duration) (bool, error)

	// Release drops lockID if currently held by ownerID, reporting
	// whether it actually held (and released) the lock.
	Release(ctx context.Context, lockID, ownerID string) (bool, error)

	// IsLocked reports whether lockID is currently held (TTL not elapsed).
	IsLocked(ctx context.Context, lockID string) (bool, error)
}
