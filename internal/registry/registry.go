// Package registry tracks AnalysisModuleType registrations: it enforces
// that the dependency graph they form stays acyclic and handles the
// version / extended_version deployment-swap rules of spec §4.6.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nodalwatch/ace/internal/domain"
)

// DeploymentChange describes what happened to an AMT as a side effect of
// a Register call, so callers (the dispatcher, worker manager) can react:
// drain the module's queue, purge its cache entries, or attempt a live
// worker upgrade.
type DeploymentChange int

const (
	// DeploymentNone means the AMT was newly registered or re-registered
	// with an identical version and extended_version.
	DeploymentNone DeploymentChange = iota
	// DeploymentVersionChanged means amt.Version differs from the
	// previously registered value: queue drain + cache purge required.
	DeploymentVersionChanged
	// DeploymentExtendedVersionChanged means only amt.ExtendedVersion
	// differs: an in-process worker upgrade should be attempted.
	DeploymentExtendedVersionChanged
)

// Registry holds AnalysisModuleType registrations and their dependency
// edges.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]domain.AnalysisModuleType
	deps    map[string][]string // module name -> dependency names
}

// New creates an empty module registry.
func New() *Registry {
	return &Registry{
		modules: make(map[string]domain.AnalysisModuleType),
		deps:    make(map[string][]string),
	}
}

// Register validates and installs amt, returning what kind of deployment
// change (if any) this registration represents.
//
// Validation order follows spec §4.6:
//  1. every name in amt.Dependencies must already be registered
//  2. adding amt's dependency edges must leave the graph acyclic; a
//     self-dependency is always rejected
func (r *Registry) Register(amt domain.AnalysisModuleType) (DeploymentChange, error) {
	name := strings.TrimSpace(amt.Name)
	if name == "" {
		return DeploymentNone, fmt.Errorf("registry: module name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range amt.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if dep == name {
			return DeploymentNone, &domain.CircularDependencyError{Module: name, Cycle: []string{name, name}}
		}
		if _, ok := r.modules[dep]; !ok {
			return DeploymentNone, &domain.DependencyError{Module: name, Dependency: dep}
		}
	}

	trialDeps := make(map[string][]string, len(r.deps)+1)
	for k, v := range r.deps {
		trialDeps[k] = v
	}
	trialDeps[name] = normalizeDeps(amt.Dependencies)

	if cycle := findCycle(trialDeps); len(cycle) > 0 {
		return DeploymentNone, &domain.CircularDependencyError{Module: name, Cycle: cycle}
	}

	change := DeploymentNone
	if existing, ok := r.modules[name]; ok {
		switch {
		case existing.Version != amt.Version:
			change = DeploymentVersionChanged
		case !extendedVersionEqual(existing.ExtendedVersion, amt.ExtendedVersion):
			change = DeploymentExtendedVersionChanged
		}
	}

	r.modules[name] = amt
	r.deps[name] = trialDeps[name]

	return change, nil
}

// Get returns the registered AMT by name.
func (r *Registry) Get(name string) (domain.AnalysisModuleType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	amt, ok := r.modules[name]
	return amt, ok
}

// Delete removes a module's registration and its dependency edges.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
	delete(r.deps, name)
}

// List returns all registered AMTs, ordered by name.
func (r *Registry) List() []domain.AnalysisModuleType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]domain.AnalysisModuleType, 0, len(names))
	for _, n := range names {
		out = append(out, r.modules[n])
	}
	return out
}

// DependenciesSatisfied reports whether every AMT that amtName depends on
// has already produced an analysis (errored or not) on the observable at
// idx within root.
func (r *Registry) DependenciesSatisfied(root *domain.RootAnalysis, idx int, amtName string) bool {
	r.mu.RLock()
	deps := r.deps[amtName]
	r.mu.RUnlock()

	for _, dep := range deps {
		if !root.AnalyzedBy(idx, dep) {
			return false
		}
	}
	return true
}

// CandidateAMTs returns the registered AMTs eligible to analyze an
// observable carrying the given directives, irrespective of dependency
// gating (the caller applies DependenciesSatisfied separately per root).
func (r *Registry) CandidateAMTs(observableType string, directives []string) []domain.AnalysisModuleType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []domain.AnalysisModuleType
	for _, n := range names {
		amt := r.modules[n]
		if !amt.Accepts(observableType) {
			continue
		}
		if !amt.DirectiveSatisfied(directives) {
			continue
		}
		out = append(out, amt)
	}
	return out
}

func normalizeDeps(deps []string) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
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

// findCycle runs a Kahn's-algorithm-style topological resolve over deps;
// if a pass makes no progress, the unresolved names (sorted) are returned
// as the cycle. An empty result means the graph is acyclic.
func findCycle(deps map[string][]string) []string {
	done := make(map[string]bool, len(deps))
	remaining := len(deps)

	for remaining > 0 {
		progressed := false

		for name, ds := range deps {
			if done[name] {
				continue
			}
			waiting := false
			for _, d := range ds {
				if _, registered := deps[d]; !registered {
					// Dependency verification already rejected unknown
					// deps before this point; ignore here.
					continue
				}
				if !done[d] {
					waiting = true
					break
				}
			}
			if waiting {
				continue
			}
			done[name] = true
			remaining--
			progressed = true
		}

		if !progressed {
			var unresolved []string
			for name := range deps {
				if !done[name] {
					unresolved = append(unresolved, name)
				}
			}
			sort.Strings(unresolved)
			return unresolved
		}
	}

	return nil
}
