package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acecache "github.com/nodalwatch/ace/internal/cache"
	"github.com/nodalwatch/ace/internal/dispatcher"
	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/internal/eventbus"
	"github.com/nodalwatch/ace/internal/queue/memchan"
	"github.com/nodalwatch/ace/internal/registry"
	"github.com/nodalwatch/ace/internal/resilience"
	"github.com/nodalwatch/ace/internal/store/memory"
	"github.com/nodalwatch/ace/pkg/logger"
)

func newTestManager(t *testing.T) (*Manager, *dispatcher.Dispatcher, *memory.Store, *registry.Registry, *memchan.Manager) {
	t.Helper()
	s := memory.New()
	reg := registry.New()
	queues := memchan.NewManager()
	rc := acecache.NewResultCache(acecache.New(acecache.DefaultConfig()))
	bus := eventbus.New(eventbus.DefaultConfig())
	require.NoError(t, bus.Start(context.Background(), 2))
	t.Cleanup(bus.Stop)
	log := logger.NewDefault("worker-test")
	disp := dispatcher.New(s, reg, queues, rc, bus, log)
	return NewManager(s, reg, queues, disp, log), disp, s, reg, queues
}

func submitSingleObservableRoot(t *testing.T, disp *dispatcher.Dispatcher, queues *memchan.Manager, rootUUID, amtName string) *domain.AnalysisRequest {
	t.Helper()
	ctx := context.Background()
	root := &domain.RootAnalysis{UUID: rootUUID, Observables: []domain.Observable{{Type: "ip", Value: "8.8.8.8"}}}
	_, err := disp.SubmitRoot(ctx, root)
	require.NoError(t, err)

	ar, err := queues.Queue(amtName).Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, ar)
	return ar
}

func testPool(amtName string, amt domain.AnalysisModuleType, runner ModuleRunner) *pool {
	return &pool{
		amtName:         amtName,
		runner:          runner,
		breaker:         resilience.New(resilience.DefaultConfig()),
		version:         amt.Version,
		extendedVersion: amt.ExtendedVersion,
		cancel:          func() {},
	}
}

func TestManager_ProcessSuccessAttachesAnalysis(t *testing.T) {
	m, disp, s, reg, queues := newTestManager(t)
	ctx := context.Background()

	_, err := reg.Register(domain.AnalysisModuleType{Name: "whois", ObservableTypes: []string{"ip"}, Version: "v1", Timeout: time.Minute})
	require.NoError(t, err)
	ar := submitSingleObservableRoot(t, disp, queues, "root-1", "whois")

	amt, _ := reg.Get("whois")
	p := testPool("whois", amt, RunnerFunc(func(_ context.Context, _ domain.AnalysisModuleType, _ domain.Observable) (Result, error) {
		return Result{Analysis: domain.Analysis{Tags: []string{"clean"}}}, nil
	}))

	m.process(ctx, p, ar)

	got, err := s.GetRoot(ctx, "root-1")
	require.NoError(t, err)
	assert.True(t, got.AnalyzedBy(0, "whois"))
	assert.False(t, got.Analyses[0].Errored())
}

func TestManager_ProcessErrorAttachesErrorMessage(t *testing.T) {
	m, disp, s, reg, queues := newTestManager(t)
	ctx := context.Background()

	_, err := reg.Register(domain.AnalysisModuleType{Name: "whois", ObservableTypes: []string{"ip"}, Version: "v1", Timeout: time.Minute})
	require.NoError(t, err)
	ar := submitSingleObservableRoot(t, disp, queues, "root-1", "whois")

	amt, _ := reg.Get("whois")
	p := testPool("whois", amt, RunnerFunc(func(_ context.Context, _ domain.AnalysisModuleType, _ domain.Observable) (Result, error) {
		return Result{}, fmt.Errorf("upstream lookup failed")
	}))

	m.process(ctx, p, ar)

	got, err := s.GetRoot(ctx, "root-1")
	require.NoError(t, err)
	require.True(t, got.AnalyzedBy(0, "whois"))
	idx := got.Observables[0].Analyses["whois"]
	assert.True(t, got.Analyses[idx].Errored())
	assert.Contains(t, got.Analyses[idx].ErrorMessage, "upstream lookup failed")
}

func TestManager_ProcessAttachesNewObservables(t *testing.T) {
	m, disp, s, reg, queues := newTestManager(t)
	ctx := context.Background()

	_, err := reg.Register(domain.AnalysisModuleType{Name: "whois", ObservableTypes: []string{"ip"}, Version: "v1", Timeout: time.Minute})
	require.NoError(t, err)
	ar := submitSingleObservableRoot(t, disp, queues, "root-1", "whois")

	amt, _ := reg.Get("whois")
	p := testPool("whois", amt, RunnerFunc(func(_ context.Context, _ domain.AnalysisModuleType, _ domain.Observable) (Result, error) {
		return Result{
			Analysis:       domain.Analysis{},
			NewObservables: []domain.Observable{{Type: "asn", Value: "AS15169"}},
		}, nil
	}))

	m.process(ctx, p, ar)

	got, err := s.GetRoot(ctx, "root-1")
	require.NoError(t, err)
	require.Len(t, got.Observables, 2)
	assert.Equal(t, "asn", got.Observables[1].Type)

	idx := got.Observables[0].Analyses["whois"]
	assert.Equal(t, []int{1}, got.Analyses[idx].ChildObservables)
}

func TestManager_HandleDeploymentVersionChangeRetiresPool(t *testing.T) {
	m, _, _, reg, queues := newTestManager(t)
	ctx := context.Background()

	_, err := reg.Register(domain.AnalysisModuleType{Name: "whois", ObservableTypes: []string{"ip"}, Version: "v1"})
	require.NoError(t, err)

	p := testPool("whois", domain.AnalysisModuleType{Name: "whois", Version: "v0"}, RunnerFunc(
		func(_ context.Context, _ domain.AnalysisModuleType, _ domain.Observable) (Result, error) {
			t.Fatal("runner must not be invoked once the pool is stale")
			return Result{}, nil
		}))
	m.mu.Lock()
	m.pools["whois"] = p
	m.mu.Unlock()

	ar := &domain.AnalysisRequest{ID: "ar-1", RootUUID: "root-1", AMTName: "whois"}
	stale := m.handleDeployment(ctx, p, ar)
	assert.True(t, stale)

	requeued, err := queues.Queue("whois").Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, "ar-1", requeued.ID)

	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.pools["whois"]
		return !ok
	}, time.Second, time.Millisecond)
}

func TestManager_StartStopProcessesThroughTheQueue(t *testing.T) {
	m, disp, s, reg, _ := newTestManager(t)
	ctx := context.Background()

	_, err := reg.Register(domain.AnalysisModuleType{Name: "whois", ObservableTypes: []string{"ip"}, Version: "v1", Timeout: time.Minute})
	require.NoError(t, err)

	runner := RunnerFunc(func(_ context.Context, _ domain.AnalysisModuleType, _ domain.Observable) (Result, error) {
		return Result{Analysis: domain.Analysis{Tags: []string{"clean"}}}, nil
	})
	require.NoError(t, m.Start(ctx, "whois", runner, 2))
	defer m.StopAll()

	root := &domain.RootAnalysis{UUID: "root-1", Observables: []domain.Observable{{Type: "ip", Value: "8.8.8.8"}}}
	_, err = disp.SubmitRoot(ctx, root)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := s.GetRoot(ctx, "root-1")
		return err == nil && got.AnalyzedBy(0, "whois")
	}, 2*time.Second, 5*time.Millisecond)
}
