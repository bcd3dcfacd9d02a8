// Package memchan is an in-process Queue backend: one mutex-guarded list
// per AMT, signalled through a channel, with blocking pop bounded by the
// caller's context. Grounded on the
// channel-plus-select worker loop shape used by the in-process event
// dispatcher this codebase also draws its event bus from.
package memchan

import (
	"container/list"
	"context"
	"sync"

	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/internal/queue"
)

// Queue is an unbounded FIFO guarded by a mutex and signalled by a
// channel, so Pop can block on "something arrived" without capping queue
// depth the way a fixed-size buffered channel would.
type Queue struct {
	mu      sync.Mutex
	items   *list.List
	notify  chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{items: list.New(), notify: make(chan struct{}, 1)}
}

// Put appends ar to the tail of the queue.
func (q *Queue) Put(ctx context.Context, ar *domain.AnalysisRequest) error {
	q.mu.Lock()
	q.items.PushBack(ar)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until an item is available, ctx is cancelled, or no item
// arrives before the deadline implied by ctx; returns (nil, nil) on
// timeout/cancellation.
func (q *Queue) Pop(ctx context.Context) (*domain.AnalysisRequest, error) {
	for {
		if ar, ok := q.tryPop(); ok {
			return ar, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-q.notify:
			// Loop back and retry; another popper may have already
			// taken the item that triggered this wakeup.
		}
	}
}

func (q *Queue) tryPop() (*domain.AnalysisRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value.(*domain.AnalysisRequest), true
}

// Size returns the current queue depth.
func (q *Queue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), nil
}

// Delete clears the queue.
func (q *Queue) Delete(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Init()
	return nil
}

// Manager creates memchan queues lazily per AMT name.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates an empty queue manager.
func NewManager() *Manager {
	return &Manager{queues: make(map[string]*Queue)}
}

// Queue returns (creating if necessary) the queue for amtName.
func (m *Manager) Queue(amtName string) queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[amtName]
	if !ok {
		q = New()
		m.queues[amtName] = q
	}
	return q
}

// Delete removes the queue for amtName.
func (m *Manager) Delete(ctx context.Context, amtName string) error {
	m.mu.Lock()
	q, ok := m.queues[amtName]
	delete(m.queues, amtName)
	m.mu.Unlock()

	if ok {
		return q.Delete(ctx)
	}
	return nil
}

var _ queue.Manager = (*Manager)(nil)
