package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodalwatch/ace/internal/domain"
)

func TestRegister_UnknownDependencyRejected(t *testing.T) {
	r := New()
	_, err := r.Register(domain.AnalysisModuleType{Name: "b", Dependencies: []string{"a"}})
	require.Error(t, err)
	assert.IsType(t, &domain.DependencyError{}, err)
}

func TestRegister_SelfDependencyRejected(t *testing.T) {
	r := New()
	_, err := r.Register(domain.AnalysisModuleType{Name: "a", Dependencies: []string{"a"}})
	require.Error(t, err)
	assert.IsType(t, &domain.CircularDependencyError{}, err)
}

func TestRegister_CycleRejected(t *testing.T) {
	r := New()
	_, err := r.Register(domain.AnalysisModuleType{Name: "test_1"})
	require.NoError(t, err)

	_, err = r.Register(domain.AnalysisModuleType{Name: "test_2", Dependencies: []string{"test_1"}})
	require.NoError(t, err)

	// Re-registering test_1 with a dependency on test_2 would close a cycle.
	_, err = r.Register(domain.AnalysisModuleType{Name: "test_1", Dependencies: []string{"test_2"}})
	require.Error(t, err)
	assert.IsType(t, &domain.CircularDependencyError{}, err)
}

func TestRegister_DeploymentChangeDetection(t *testing.T) {
	r := New()

	change, err := r.Register(domain.AnalysisModuleType{Name: "test", Version: "1"})
	require.NoError(t, err)
	assert.Equal(t, DeploymentNone, change)

	change, err = r.Register(domain.AnalysisModuleType{Name: "test", Version: "2"})
	require.NoError(t, err)
	assert.Equal(t, DeploymentVersionChanged, change)

	change, err = r.Register(domain.AnalysisModuleType{
		Name: "test", Version: "2", ExtendedVersion: map[string]string{"rules": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, DeploymentExtendedVersionChanged, change)

	change, err = r.Register(domain.AnalysisModuleType{
		Name: "test", Version: "2", ExtendedVersion: map[string]string{"rules": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, DeploymentNone, change)
}

func TestDependenciesSatisfied(t *testing.T) {
	r := New()
	_, err := r.Register(domain.AnalysisModuleType{Name: "test_1"})
	require.NoError(t, err)
	_, err = r.Register(domain.AnalysisModuleType{Name: "test_2", Dependencies: []string{"test_1"}})
	require.NoError(t, err)

	root := &domain.RootAnalysis{
		UUID: "root-1",
		Observables: []domain.Observable{
			{Type: "test", Value: "test"},
		},
	}

	assert.False(t, r.DependenciesSatisfied(root, 0, "test_2"))

	root.Analyses = append(root.Analyses, domain.Analysis{ModuleType: "test_1"})
	root.Observables[0].Analyses = map[string]int{"test_1": 0}

	assert.True(t, r.DependenciesSatisfied(root, 0, "test_2"))
}

func TestCandidateAMTs_ManualGating(t *testing.T) {
	r := New()
	_, err := r.Register(domain.AnalysisModuleType{
		Name:            "manual_mod",
		ObservableTypes: []string{"ip"},
		Manual:          true,
	})
	require.NoError(t, err)

	assert.Empty(t, r.CandidateAMTs("ip", nil))
	assert.Len(t, r.CandidateAMTs("ip", []string{"manual:manual_mod"}), 1)
}
