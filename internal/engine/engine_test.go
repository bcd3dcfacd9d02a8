package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/config"
	"github.com/nodalwatch/ace/internal/domain"
)

func newMemoryEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.New()
	cfg.Backend = config.BackendConfig{Store: "memory", Queue: "memory", Lock: "memory"}

	e, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background(), 2))
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNew_WiresMemoryBackends(t *testing.T) {
	e := newMemoryEngine(t)
	assert.NotNil(t, e.Store)
	assert.NotNil(t, e.Registry)
	assert.NotNil(t, e.Queues)
	assert.NotNil(t, e.Cache)
	assert.NotNil(t, e.Lock)
	assert.NotNil(t, e.Bus)
	assert.NotNil(t, e.Alerts)
	assert.NotNil(t, e.Content)
	assert.NotNil(t, e.Dispatcher)
	assert.NotNil(t, e.Workers)
}

func TestEngine_SubmitRootDispatchesAndQueues(t *testing.T) {
	e := newMemoryEngine(t)

	_, err := e.Registry.Register(domain.AnalysisModuleType{
		Name:            "hash_lookup",
		ObservableTypes: []string{"file_hash"},
		Version:         "v1",
	})
	require.NoError(t, err)

	uuid, err := e.Dispatcher.SubmitRoot(context.Background(), &domain.RootAnalysis{
		Observables: []domain.Observable{{Type: "file_hash", Value: "deadbeef"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, uuid)

	size, err := e.Queues.Queue("hash_lookup").Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestEngine_UnknownBackendRejected(t *testing.T) {
	cfg := config.New()
	cfg.Backend.Store = "not-a-real-backend"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestEngine_AlertFiresOnDetection(t *testing.T) {
	e := newMemoryEngine(t)
	e.Alerts.RegisterSystem("soc")

	_, err := e.Registry.Register(domain.AnalysisModuleType{
		Name:            "hash_lookup",
		ObservableTypes: []string{"file_hash"},
		Version:         "v1",
	})
	require.NoError(t, err)

	uuid, err := e.Dispatcher.SubmitRoot(context.Background(), &domain.RootAnalysis{
		Observables:     []domain.Observable{{Type: "file_hash", Value: "deadbeef", DetectionPoints: []string{"known_bad_hash"}}},
		DetectionPoints: []string{"known_bad_hash"},
	})
	require.NoError(t, err)

	// The root stays non-terminal while hash_lookup's request is
	// outstanding; the alert fires once that request's result lands.
	ar, err := e.Queues.Queue("hash_lookup").Pop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ar)
	original, err := e.Store.GetRoot(context.Background(), uuid)
	require.NoError(t, err)
	modified := original.Clone()
	modified.Analyses = append(modified.Analyses, domain.Analysis{ID: "analysis-1", ModuleType: "hash_lookup"})
	modified.Observables[0].Analyses["hash_lookup"] = len(modified.Analyses) - 1
	ar.OriginalRoot = original
	ar.ModifiedRoot = modified
	require.NoError(t, e.Dispatcher.SubmitResult(context.Background(), ar))

	alerts, err := e.Alerts.GetAlerts(context.Background(), "soc", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, uuid, alerts[0].RootUUID)
}
