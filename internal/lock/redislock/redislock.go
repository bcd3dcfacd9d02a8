// Package redislock is a distributed lock.Manager backed by Redis SET NX
// PX, for multi-process deployments. Release is a compare-and-delete Lua
// script so a lock can only be released by the owner that holds it,
// exercising go-redis/v8 a second way alongside queue/redisqueue.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nodalwatch/ace/internal/lock"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Manager is the Redis-backed lock.Manager.
type Manager struct {
	client       *redis.Client
	keyPrefix    string
	pollInterval time.Duration
}

// New wraps client, namespacing lock keys under keyPrefix (e.g.
// "ace:lock:"). pollInterval controls how often a blocked Acquire retries
// the SET NX; 0 defaults to 20ms.
func New(client *redis.Client, keyPrefix string, pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = 20 * time.Millisecond
	}
	return &Manager{client: client, keyPrefix: keyPrefix, pollInterval: pollInterval}
}

func (m *Manager) lockKey(lockID string) string {
	return m.keyPrefix + lockID
}

// Acquire implements lock.Manager.
func (m *Manager) Acquire(ctx context.Context, lockID, ownerID string, waitTimeout, lockTTL time.Duration) (bool, error) {
	deadline := time.Now().Add(waitTimeout)
	key := m.lockKey(lockID)

	for {
		ok, err := m.client.SetNX(ctx, key, ownerID, lockTTL).Result()
		if err != nil {
			return false, fmt.Errorf("redislock: acquire %s: %w", lockID, err)
		}
		if ok {
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
	res, err := releaseScript.Run(ctx, m.client, []string{m.lockKey(lockID)}, ownerID).Int64()
	if err != nil {
		return false, fmt.Errorf("redislock: release %s: %w", lockID, err)
	}
	return res == 1, nil
}

// IsLocked implements lock.Manager.
func (m *Manager) IsLocked(ctx context.Context, lockID string) (bool, error) {
	n, err := m.client.Exists(ctx, m.lockKey(lockID)).Result()
	if err != nil {
		return false, fmt.Errorf("redislock: is_locked %s: %w", lockID, err)
	}
	return n > 0, nil
}

var _ lock.Manager = (*Manager)(nil)
