// Package eventbus: PgBus is the optional Postgres LISTEN/NOTIFY
// transport of spec §4.5, for cross-process fan-out of the same named
// events a single-process Bus delivers in memory. Grounded on the
// teacher's pkg/pgnotify bus: only its generic publish/subscribe half is
// kept (pg_notify/LISTEN plumbing); its table-change/"Realtime" trigger
// subsystem has no ACE analogue and is dropped.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/nodalwatch/ace/pkg/logger"
)

// PgBus publishes and subscribes to named events via Postgres
// pg_notify/LISTEN, so every dispatcher process in a fleet observes the
// same events a single in-process Bus would only deliver locally.
type PgBus struct {
	db       *sql.DB
	listener *pq.Listener
	log      *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPgBus opens a Postgres LISTEN connection against dsn, reusing db
// for NOTIFY publishes.
func NewPgBus(db *sql.DB, dsn string, log *logger.Logger) *PgBus {
	if log == nil {
		log = logger.NewDefault("eventbus-pg")
	}

	reportProblem := func(_ pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("pgbus: listener connection problem")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)

	ctx, cancel := context.WithCancel(context.Background())
	b := &PgBus{
		db:       db,
		listener: listener,
		log:      log,
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.listen()
	return b
}

// Publish fans event.Name out to every process subscribed to that
// channel via pg_notify.
func (b *PgBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("pgbus: marshal payload: %w", err)
	}

	_, err = b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", event.Name, string(data))
	if err != nil {
		return fmt.Errorf("pgbus: notify %s: %w", event.Name, err)
	}
	return nil
}

// Subscribe registers handler for every event on channel (an exact event
// name; this transport carries no wildcard subscriptions, unlike Bus).
func (b *PgBus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers[channel]) == 0 {
		if err := b.listener.Listen(channel); err != nil {
			return fmt.Errorf("pgbus: listen %s: %w", channel, err)
		}
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

// Unsubscribe removes every handler registered for channel.
func (b *PgBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, channel)
	return b.listener.Unlisten(channel)
}

// Close stops the listener goroutine and releases the Postgres
// connection it holds.
func (b *PgBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

func (b *PgBus) listen() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return

		case notification := <-b.listener.Notify:
			if notification == nil {
				continue // connection lost, listener reconnects on its own
			}
			b.dispatch(notification)

		case <-time.After(90 * time.Second):
			b.ping()
		}
	}
}

func (b *PgBus) dispatch(notification *pq.Notification) {
	var payload any
	if notification.Extra != "" {
		if err := json.Unmarshal([]byte(notification.Extra), &payload); err != nil {
			payload = notification.Extra
		}
	}
	event := Event{Name: notification.Channel, Payload: payload}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[notification.Channel]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(b.ctx, event); err != nil {
			b.log.WithField("channel", notification.Channel).WithError(err).Error("pgbus handler failed")
		}
	}
}

func (b *PgBus) ping() {
	go func() {
		if err := b.listener.Ping(); err != nil {
			b.log.WithError(err).Warn("pgbus: ping failed")
		}
	}()
}
