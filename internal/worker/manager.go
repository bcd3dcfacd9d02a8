package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/nodalwatch/ace/internal/dispatcher"
	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/internal/queue"
	"github.com/nodalwatch/ace/internal/registry"
	"github.com/nodalwatch/ace/internal/resilience"
	"github.com/nodalwatch/ace/internal/store"
	"github.com/nodalwatch/ace/pkg/logger"
	"github.com/nodalwatch/ace/pkg/tracing"
)

// pool is the set of goroutines servicing one AMT's queue. version and
// extendedVersion are the deployment identity the pool was last run
// against, so the loop notices a redeploy (spec §4.6) without the
// registry having to push anything.
type pool struct {
	amtName         string
	runner          ModuleRunner
	breaker         *resilience.CircuitBreaker
	version         string
	extendedVersion map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Manager owns one pool per registered AMT (spec §4.8): it pops requests
// off that AMT's queue, runs the module under a circuit breaker and a
// hard per-request timeout, and submits the outcome - success or
// error - back through the dispatcher.
type Manager struct {
	mu         sync.Mutex
	store      store.Store
	registry   *registry.Registry
	queues     queue.Manager
	dispatcher *dispatcher.Dispatcher
	log        *logger.Logger
	tracer     tracing.Tracer

	pools map[string]*pool
}

// NewManager creates a worker manager over its collaborators.
func NewManager(s store.Store, reg *registry.Registry, queues queue.Manager, disp *dispatcher.Dispatcher, log *logger.Logger) *Manager {
	return &Manager{
		store:      s,
		registry:   reg,
		queues:     queues,
		dispatcher: disp,
		log:        log,
		tracer:     tracing.NoopTracer,
		pools:      make(map[string]*pool),
	}
}

// WithTracer overrides the default no-op tracer, wrapping every module
// invocation in a "worker.run" span.
func (m *Manager) WithTracer(t tracing.Tracer) *Manager {
	if t != nil {
		m.tracer = t
	}
	return m
}

// Start launches a pool of concurrency worker goroutines servicing
// amtName's queue with runner. amt must already be registered. Starting a
// pool for an already-running amtName replaces it (the old pool is
// stopped first), which is how a version redeploy gets picked up.
func (m *Manager) Start(ctx context.Context, amtName string, runner ModuleRunner, concurrency int) error {
	amt, ok := m.registry.Get(amtName)
	if !ok {
		return fmt.Errorf("worker: %s is not registered", amtName)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	m.Stop(amtName)

	poolCtx, cancel := context.WithCancel(ctx)
	p := &pool{
		amtName:         amtName,
		runner:          runner,
		breaker:         resilience.New(resilience.DefaultConfig().WithLogger(m.log, amtName)),
		version:         amt.Version,
		extendedVersion: amt.ExtendedVersion,
		cancel:          cancel,
	}

	m.mu.Lock()
	m.pools[amtName] = p
	m.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			m.loop(poolCtx, p)
		}()
	}

	m.log.WithField("amt", amtName).WithField("concurrency", concurrency).Info("worker pool started")
	return nil
}

// Stop cancels and waits out the pool for amtName, if one is running.
func (m *Manager) Stop(amtName string) {
	m.mu.Lock()
	p, ok := m.pools[amtName]
	if ok {
		delete(m.pools, amtName)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	p.cancel()
	p.wg.Wait()
	m.log.WithField("amt", amtName).Info("worker pool stopped")
}

// StopAll shuts down every running pool, for process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Stop(name)
	}
}

// loop is a single worker goroutine's body: pop, process, repeat until the
// pool's context is cancelled.
func (m *Manager) loop(ctx context.Context, p *pool) {
	q := m.queues.Queue(p.amtName)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ar, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.WithField("amt", p.amtName).WithError(err).Warn("queue pop failed")
			continue
		}
		if ar == nil {
			continue // Pop timeout, nothing waiting
		}

		if m.handleDeployment(ctx, p, ar) {
			continue
		}
		m.process(ctx, p, ar)
	}
}

// handleDeployment implements spec §4.6 rule 4 from the worker side: if
// the module's registered version has moved on since this pool started,
// the pool is stale and must stop (the registry already drained its cache
// entries on that registration; a replacement pool is started by the
// caller against the new version). A bare extended_version change is
// instead offered to the runner as a live upgrade, and the pool keeps
// running if that succeeds. Either way ar is requeued so it is not lost.
func (m *Manager) handleDeployment(ctx context.Context, p *pool, ar *domain.AnalysisRequest) bool {
	amt, ok := m.registry.Get(p.amtName)
	if !ok {
		m.log.WithField("amt", p.amtName).Warn("module deregistered, dropping pool")
		go m.Stop(p.amtName)
		return true
	}

	if amt.Version != p.version {
		m.log.WithField("amt", p.amtName).
			WithField("pool_version", p.version).
			WithField("registered_version", amt.Version).
			Warn("module version changed, retiring pool")
		m.requeue(ar)
		go m.Stop(p.amtName)
		return true
	}

	if !extendedVersionEqual(p.extendedVersion, amt.ExtendedVersion) {
		if up, ok := p.runner.(Upgrader); ok {
			if err := up.Upgrade(ctx, amt); err != nil {
				m.log.WithField("amt", p.amtName).WithError(err).Warn("live module upgrade failed, retiring pool")
				m.requeue(ar)
				go m.Stop(p.amtName)
				return true
			}
		}
		p.extendedVersion = amt.ExtendedVersion
	}

	return false
}

func (m *Manager) requeue(ar *domain.AnalysisRequest) {
	if err := m.queues.Queue(ar.AMTName).Put(context.Background(), ar); err != nil {
		m.log.WithField("request", ar.ID).WithError(err).Error("failed to requeue request ahead of pool retirement")
	}
}

// process runs one AnalysisRequest through the module and submits its
// outcome. A module failure - returned error, timeout, circuit trip, or
// panic - never escapes this method: it is recorded as an errored
// Analysis and submitted like any other result (spec §4.8 step 4).
func (m *Manager) process(ctx context.Context, p *pool, ar *domain.AnalysisRequest) {
	amt, ok := m.registry.Get(p.amtName)
	if !ok {
		return
	}

	root, err := m.store.GetRoot(ctx, ar.RootUUID)
	if err != nil {
		m.log.WithField("request", ar.ID).WithError(err).Error("failed to load root for request")
		return
	}
	if ar.ObservableKey == nil {
		m.log.WithField("request", ar.ID).Error("observable request missing observable_key")
		return
	}
	idx := root.IndexOf(*ar.ObservableKey)
	if idx < 0 {
		m.log.WithField("request", ar.ID).Warn("observable no longer present in root, dropping request")
		return
	}
	observable := root.Observables[idx]

	runCtx := ctx
	if amt.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, amt.Timeout)
		defer cancel()
	}

	result, runErr := m.run(runCtx, p, amt, observable)

	modified := root.Clone()
	buildAnalysis(amt.Name, modified, result, runErr)
	modified.Observables[idx].Analyses[amt.Name] = len(modified.Analyses) - 1

	resultAR := &domain.AnalysisRequest{
		ID:            ar.ID,
		RootUUID:      ar.RootUUID,
		RootVersion:   ar.RootVersion,
		ObservableKey: ar.ObservableKey,
		AMTName:       ar.AMTName,
		CacheKey:      ar.CacheKey,
		Status:        domain.StatusFinished,
		OriginalRoot:  root,
		ModifiedRoot:  modified,
	}

	if err := m.dispatcher.SubmitResult(ctx, resultAR); err != nil {
		m.log.WithField("request", ar.ID).WithError(err).Error("failed to submit worker result")
	}
}

// run invokes the runner under the pool's circuit breaker, recovering any
// panic so it surfaces as an ordinary error instead of crashing the
// worker goroutine.
func (m *Manager) run(ctx context.Context, p *pool, amt domain.AnalysisModuleType, observable domain.Observable) (result Result, runErr error) {
	ctx, end := m.tracer.StartSpan(ctx, "worker.run", map[string]string{"module": amt.Name, "observable_type": observable.Type})
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("module %s panicked: %v\n%s", amt.Name, r, debug.Stack())
		}
		end(runErr)
	}()

	err := p.breaker.Execute(ctx, func() error {
		var innerErr error
		result, innerErr = p.runner.Run(ctx, amt, observable)
		return innerErr
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// buildAnalysis appends the analysis produced by a module run (or an
// errored placeholder) onto modified, along with any newly discovered
// observables. The caller still owns wiring the appended analysis's
// index into the owning observable's Analyses map.
func buildAnalysis(amtName string, modified *domain.RootAnalysis, result Result, runErr error) {
	analysis := result.Analysis
	if analysis.ID == "" {
		analysis.ID = uuid.NewString()
	}
	analysis.ModuleType = amtName

	if runErr != nil {
		analysis.ErrorMessage = runErr.Error()
		if analysis.StackTrace == "" {
			analysis.StackTrace = string(debug.Stack())
		}
		modified.Analyses = append(modified.Analyses, analysis)
		return
	}

	if len(result.NewObservables) > 0 {
		start := len(modified.Observables)
		modified.Observables = append(modified.Observables, result.NewObservables...)
		children := make([]int, len(result.NewObservables))
		for i := range result.NewObservables {
			children[i] = start + i
		}
		analysis.ChildObservables = children
	}

	modified.Analyses = append(modified.Analyses, analysis)
}

func extendedVersionEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
