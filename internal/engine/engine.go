// Package engine assembles the dispatcher, registry, tracking store,
// queues, result cache, lock manager, event bus, content store and worker
// manager into the single value spec §2 calls the analysis correlation
// engine. It replaces the teacher's package-level singleton pattern: an
// Engine is constructed once (by cmd/ace-dispatcher or a test) and passed
// down explicitly, never reached for through a global.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nodalwatch/ace/internal/alert"
	"github.com/nodalwatch/ace/internal/cache"
	"github.com/nodalwatch/ace/internal/config"
	"github.com/nodalwatch/ace/internal/contentstore"
	"github.com/nodalwatch/ace/internal/contentstore/fsblob"
	"github.com/nodalwatch/ace/internal/contentstore/memmeta"
	"github.com/nodalwatch/ace/internal/contentstore/pgmeta"
	"github.com/nodalwatch/ace/internal/dispatcher"
	"github.com/nodalwatch/ace/internal/eventbus"
	"github.com/nodalwatch/ace/internal/lock"
	"github.com/nodalwatch/ace/internal/lock/memlock"
	"github.com/nodalwatch/ace/internal/lock/redislock"
	"github.com/nodalwatch/ace/internal/platform/database"
	"github.com/nodalwatch/ace/internal/platform/migrations"
	"github.com/nodalwatch/ace/internal/queue"
	"github.com/nodalwatch/ace/internal/queue/memchan"
	"github.com/nodalwatch/ace/internal/queue/redisqueue"
	"github.com/nodalwatch/ace/internal/registry"
	"github.com/nodalwatch/ace/internal/resilience"
	"github.com/nodalwatch/ace/internal/store"
	"github.com/nodalwatch/ace/internal/store/memory"
	"github.com/nodalwatch/ace/internal/store/postgres"
	"github.com/nodalwatch/ace/internal/worker"
	"github.com/nodalwatch/ace/pkg/logger"
	"github.com/nodalwatch/ace/pkg/tracing"
)

// Engine is the constructed, ready-to-run system: every collaborator the
// HTTP API and worker pools need, wired together once at startup.
type Engine struct {
	Config     *config.Config
	Store      store.Store
	Registry   *registry.Registry
	Queues     queue.Manager
	Cache      *cache.ResultCache
	Lock       lock.Manager
	Bus        *eventbus.Bus
	Alerts     *alert.Registry
	Content    *contentstore.Store
	Dispatcher *dispatcher.Dispatcher
	Workers    *worker.Manager
	Log        *logger.Logger

	db         *sql.DB
	redis      *redis.Client
	contentDir string
}

// New constructs an Engine from cfg, selecting in-memory or networked
// backends per cfg.Backend (internal/config's ACE_STORE_BACKEND,
// ACE_QUEUE_BACKEND, ACE_LOCK_BACKEND knobs). log is used across every
// collaborator that accepts one.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NewDefault("engine")
	}

	e := &Engine{Config: cfg, Log: log}

	if err := e.buildStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := e.buildQueues(cfg); err != nil {
		return nil, err
	}
	if err := e.buildLock(cfg); err != nil {
		return nil, err
	}
	if err := e.buildContent(ctx, cfg); err != nil {
		return nil, err
	}

	e.Registry = registry.New()
	e.Cache = cache.NewResultCache(cache.New(cache.Config{
		DefaultTTL:      time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
		CleanupInterval: 10 * time.Minute,
	}))
	e.Bus = eventbus.New(eventbus.Config{Logger: log})
	e.Alerts = alert.New(e.Store)
	e.Alerts.Attach(e.Bus)

	tracer := tracing.NewGlobalTracer("ace-dispatcher")
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.Dispatcher.MaxCASRetries > 0 {
		retryCfg.MaxAttempts = cfg.Dispatcher.MaxCASRetries + 1
	}
	e.Dispatcher = dispatcher.New(e.Store, e.Registry, e.Queues, e.Cache, e.Bus, log).WithTracer(tracer).WithRetryConfig(retryCfg)
	e.Workers = worker.NewManager(e.Store, e.Registry, e.Queues, e.Dispatcher, log).WithTracer(tracer)

	return e, nil
}

func (e *Engine) buildStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Backend.Store {
	case "", "memory":
		e.Store = memory.New()
		return nil
	case "postgres":
		dsn := cfg.Database.DSN
		if dsn == "" {
			dsn = cfg.Database.ConnectionString()
		}
		db, err := database.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("engine: open postgres store: %w", err)
		}
		e.db = db
		if cfg.Database.MigrateOnStart {
			if err := migrations.Apply(ctx, db); err != nil {
				return fmt.Errorf("engine: apply migrations: %w", err)
			}
		}
		e.Store = postgres.New(db)
		return nil
	default:
		return fmt.Errorf("engine: unknown store backend %q", cfg.Backend.Store)
	}
}

func (e *Engine) buildQueues(cfg *config.Config) error {
	switch cfg.Backend.Queue {
	case "", "memory":
		e.Queues = memchan.NewManager()
		return nil
	case "redis":
		client, err := e.redisClient(cfg)
		if err != nil {
			return err
		}
		e.Queues = redisqueue.NewManager(client, "ace:queue:")
		return nil
	default:
		return fmt.Errorf("engine: unknown queue backend %q", cfg.Backend.Queue)
	}
}

func (e *Engine) buildLock(cfg *config.Config) error {
	switch cfg.Backend.Lock {
	case "", "memory":
		e.Lock = memlock.New(10 * time.Millisecond)
		return nil
	case "redis":
		client, err := e.redisClient(cfg)
		if err != nil {
			return err
		}
		e.Lock = redislock.New(client, "ace:lock:", 10*time.Millisecond)
		return nil
	default:
		return fmt.Errorf("engine: unknown lock backend %q", cfg.Backend.Lock)
	}
}

// buildContent wires the content-addressed blob store: bytes always live
// on a local filesystem tree (pkg/blob's Supabase target has no
// replacement in this deployment shape), but metadata follows the
// tracking store's backend so a single Postgres instance can serve both.
func (e *Engine) buildContent(ctx context.Context, cfg *config.Config) error {
	e.contentDir = "data/content"
	blobs, err := fsblob.New(e.contentDir)
	if err != nil {
		return fmt.Errorf("engine: open content blob dir: %w", err)
	}

	var meta contentstore.MetaStore
	if cfg.Backend.Store == "postgres" && e.db != nil {
		meta = pgmeta.New(e.db)
	} else {
		meta = memmeta.New()
	}

	e.Content = contentstore.New(blobs, meta)
	return nil
}

// redisClient lazily dials and memoizes a shared Redis client for every
// backend that asked for one.
func (e *Engine) redisClient(cfg *config.Config) (*redis.Client, error) {
	if e.redis != nil {
		return e.redis, nil
	}
	// ACE_REDIS_ADDR is read directly rather than threading one more field
	// through config.Config, since only this constructor needs it.
	addr := os.Getenv("ACE_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	e.redis = redis.NewClient(&redis.Options{Addr: addr})
	return e.redis, nil
}

// Close releases every collaborator holding an external connection.
func (e *Engine) Close() error {
	e.Workers.StopAll()
	e.Bus.Stop()
	var err error
	if e.db != nil {
		err = e.db.Close()
	}
	if e.redis != nil {
		if cerr := e.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Start brings the event bus online. Must be called before any
// dispatcher activity that fires events (SubmitRoot, SubmitResult).
func (e *Engine) Start(ctx context.Context, busWorkers int) error {
	return e.Bus.Start(ctx, busWorkers)
}
