// Package queue provides the per-AMT FIFO work queues of spec §4.2: one
// queue per registered AnalysisModuleType, blocking pop with timeout,
// single-consumer-gets-the-item semantics.
package queue

import (
	"context"

	"github.com/nodalwatch/ace/internal/domain"
)

// Queue is a single AMT's FIFO of pending AnalysisRequests.
type Queue interface {
	// Put enqueues ar. Queues are unbounded; backpressure is the
	// caller's concern (spec places no limit on queue depth).
	Put(ctx context.Context, ar *domain.AnalysisRequest) error

	// Pop blocks until an item is available or ctx/timeout elapses,
	// returning (nil, nil) on timeout.
	Pop(ctx context.Context) (*domain.AnalysisRequest, error)

	// Size returns the current queue depth.
	Size(ctx context.Context) (int, error)

	// Delete drops the queue entirely (used when an AMT is removed).
	Delete(ctx context.Context) error
}

// Manager creates and tracks one Queue per AMT name, creating queues
// lazily on first use and deleting them when an AMT is removed (spec
// §4.2: "created on AMT registration and deleted on AMT removal").
type Manager interface {
	// Queue returns (creating if necessary) the queue for amtName.
	Queue(amtName string) Queue

	// Delete removes and discards the queue for amtName.
	Delete(ctx context.Context, amtName string) error
}
