// Package worker implements the worker manager of spec §4.8: per-AMT
// pools that pop requests off their queue, invoke the (black-box)
// analysis module, and submit the result back through the dispatcher.
package worker

import (
	"context"

	"github.com/nodalwatch/ace/internal/domain"
)

// Result is what a module produces for one observable: the Analysis
// record itself plus any newly discovered child observables. The worker
// manager is responsible for wiring ChildObservables indices and
// attaching Result into the root graph - ModuleRunner never sees or
// mutates a RootAnalysis, matching spec §1's "analysis-module business
// logic... treated as a black-box callable".
type Result struct {
	Analysis       domain.Analysis
	NewObservables []domain.Observable
}

// ModuleRunner is the black-box callable a worker pool invokes. ctx
// carries amt.Timeout as a deadline; implementations must return
// promptly on cancellation. Runner implementations never panic across
// this boundary in a well-behaved module, but Manager.run
// recovers anyway (spec §4.8 step 4: "no exception escapes the worker").
type ModuleRunner interface {
	Run(ctx context.Context, amt domain.AnalysisModuleType, observable domain.Observable) (Result, error)
}

// Upgrader is an optional capability a ModuleRunner can implement to
// support spec §4.6 rule 4's live extended_version upgrade: the worker
// manager calls Upgrade once when only extended_version changed, and
// shuts the module's pool down if it errors.
type Upgrader interface {
	Upgrade(ctx context.Context, amt domain.AnalysisModuleType) error
}

// RunnerFunc adapts a plain function to ModuleRunner, the way
// http.HandlerFunc adapts a function to http.Handler.
type RunnerFunc func(ctx context.Context, amt domain.AnalysisModuleType, observable domain.Observable) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, amt domain.AnalysisModuleType, observable domain.Observable) (Result, error) {
	return f(ctx, amt, observable)
}
