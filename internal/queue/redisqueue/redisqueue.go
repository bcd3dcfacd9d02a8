// Package redisqueue is a horizontally-scalable Queue backend: one Redis
// list per AMT, pushed with LPUSH and popped with the blocking BRPOP, so
// multiple dispatcher processes can share queue state. Grounded on the
// go-redis/v8 client this codebase also uses for the Redis-backed lock
// manager.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/internal/queue"
)

// popTimeout bounds each BRPOP call; Pop loops internally so a cancelled
// or expired ctx can still be honored promptly between polls.
const popTimeout = 2 * time.Second

// Queue is a Redis list-backed FIFO for a single AMT.
type Queue struct {
	client *redis.Client
	key    string
}

// New wraps client's list at key as a Queue.
func New(client *redis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

// Put serializes ar as JSON and pushes it to the head of the list; Pop
// reads from the tail, giving FIFO order.
func (q *Queue) Put(ctx context.Context, ar *domain.AnalysisRequest) error {
	b, err := json.Marshal(ar)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal: %w", err)
	}
	return q.client.LPush(ctx, q.key, b).Err()
}

// Pop blocks (via repeated bounded BRPOP) until an item is available or
// ctx is done, returning (nil, nil) on timeout per the Queue contract.
func (q *Queue) Pop(ctx context.Context) (*domain.AnalysisRequest, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil
		}

		res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("redisqueue: brpop: %w", err)
		}

		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		var ar domain.AnalysisRequest
		if err := json.Unmarshal([]byte(res[1]), &ar); err != nil {
			return nil, fmt.Errorf("redisqueue: unmarshal: %w", err)
		}
		return &ar, nil
	}
}

// Size returns the list length.
func (q *Queue) Size(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: llen: %w", err)
	}
	return int(n), nil
}

// Delete removes the list entirely.
func (q *Queue) Delete(ctx context.Context) error {
	return q.client.Del(ctx, q.key).Err()
}

// Manager creates redisqueue Queues lazily per AMT name, all sharing one
// Redis client connection.
type Manager struct {
	client    *redis.Client
	keyPrefix string
}

// NewManager wraps client for per-AMT queues, namespacing list keys under
// keyPrefix (e.g. "ace:queue:").
func NewManager(client *redis.Client, keyPrefix string) *Manager {
	return &Manager{client: client, keyPrefix: keyPrefix}
}

func (m *Manager) listKey(amtName string) string {
	return m.keyPrefix + amtName
}

// Queue returns the queue for amtName. Redis lists need no explicit
// creation; the key springs into existence on first LPush.
func (m *Manager) Queue(amtName string) queue.Queue {
	return New(m.client, m.listKey(amtName))
}

// Delete removes the Redis list backing amtName's queue.
func (m *Manager) Delete(ctx context.Context, amtName string) error {
	return m.client.Del(ctx, m.listKey(amtName)).Err()
}

var _ queue.Manager = (*Manager)(nil)
