// Package eventbus is the named publish/subscribe bus of spec §4.5:
// register(event, handler), fire(event, payload), asynchronous in-process
// delivery through a bounded queue. Fire does not block: when the bus is
// not running or its queue is full, the event is dropped and Fire returns
// an error. Stop does not deliver events still queued. Grounded on system/events.Dispatcher's
// handler-registry + filter + worker-pool-drain shape, adapted from
// blockchain contract events to ACE's fixed named-event set (root/new,
// root/modified, root/deleted, details/*, ar/new, ar/deleted,
// ar/expired, alert).
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nodalwatch/ace/pkg/logger"
)

// Event is a single fired occurrence: a name (e.g. "ar/new") and an
// opaque payload whose concrete type is a convention between publisher
// and subscribers for that event name.
type Event struct {
	Name    string
	Payload any
}

// Handler processes a fired Event. On asynchronous delivery, returning an
// error only logs; it never blocks or retries delivery to other handlers,
// and a failing handler is not retried.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error { return f(ctx, event) }

type registration struct {
	id      string
	pattern string // exact name, or "prefix/*" for a wildcard
	handler Handler
}

func (r *registration) matches(name string) bool {
	if strings.HasSuffix(r.pattern, "/*") {
		return strings.HasPrefix(name, strings.TrimSuffix(r.pattern, "*"))
	}
	return r.pattern == name
}

// Bus is the in-process event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]*registration
	nextID   int

	queue   chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	log *logger.Logger

	delivered int64
	failed    int64
}

// Config configures a Bus.
type Config struct {
	QueueSize   int
	WorkerCount int
	Logger      *logger.Logger
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 1000, WorkerCount: 4, Logger: logger.NewDefault("eventbus")}
}

// New creates a Bus. Call Start before firing events asynchronously.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("eventbus")
	}

	return &Bus{
		handlers: make(map[string]*registration),
		queue:    make(chan Event, cfg.QueueSize),
		log:      cfg.Logger,
	}
}

// Register subscribes handler to pattern ("ar/new" exact, or "details/*"
// wildcard prefix), returning a subscription id for Unregister.
func (b *Bus) Register(pattern string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := fmt.Sprintf("sub-%d", b.nextID)
	b.handlers[id] = &registration{id: id, pattern: pattern, handler: handler}
	return id
}

// Unregister removes a subscription by the id Register returned.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Start launches the worker pool draining fired events. Starting twice
// without an intervening Stop returns an error.
func (b *Bus) Start(ctx context.Context, workerCount int) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("eventbus: already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	if workerCount <= 0 {
		workerCount = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.worker(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(b.doneCh)
	}()

	b.log.WithField("workers", workerCount).Info("event bus started")
	return nil
}

// Stop waits for in-flight deliveries to finish and halts the worker pool;
// events still in the queue are not delivered.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	<-b.doneCh
	b.log.Info("event bus stopped")
}

// Fire enqueues event for asynchronous delivery to matching handlers.
func (b *Bus) Fire(event Event) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()

	if !running {
		return fmt.Errorf("eventbus: not running")
	}

	select {
	case b.queue <- event:
		return nil
	default:
		return fmt.Errorf("eventbus: queue full, event %q dropped", event.Name)
	}
}

// FireSync delivers event to every matching handler synchronously,
// returning every handler error encountered.
func (b *Bus) FireSync(ctx context.Context, event Event) []error {
	var errs []error
	for _, reg := range b.matching(event.Name) {
		if err := reg.handler.Handle(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", reg.id, err))
		}
	}
	return errs
}

func (b *Bus) matching(name string) []*registration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*registration
	for _, reg := range b.handlers {
		if reg.matches(name) {
			out = append(out, reg)
		}
	}
	return out
}

func (b *Bus) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case event := <-b.queue:
			b.deliver(ctx, event)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, event Event) {
	for _, reg := range b.matching(event.Name) {
		if err := reg.handler.Handle(ctx, event); err != nil {
			b.mu.Lock()
			b.failed++
			b.mu.Unlock()
			b.log.WithField("handler_id", reg.id).
				WithField("event", event.Name).
				WithError(err).
				Error("event handler failed")
		}
	}

	b.mu.Lock()
	b.delivered++
	b.mu.Unlock()
}

// Stats reports bus activity counters.
type Stats struct {
	Running       bool
	HandlerCount  int
	QueueDepth    int
	QueueCapacity int
	Delivered     int64
	Failed        int64
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Running:       b.running,
		HandlerCount:  len(b.handlers),
		QueueDepth:    len(b.queue),
		QueueCapacity: cap(b.queue),
		Delivered:     b.delivered,
		Failed:        b.failed,
	}
}

// Notable event names (spec §4.5).
const (
	EventRootNew      = "root/new"
	EventRootModified = "root/modified"
	EventRootDeleted  = "root/deleted"
	EventDetailsNew   = "details/new" // matched by subscribers to "details/*"
	EventARNew        = "ar/new"
	EventARDeleted    = "ar/deleted"
	EventARExpired    = "ar/expired"
	EventAlert        = "alert"
)
