// Package dispatcher implements the analysis-request state machine of
// spec §4.7: the single entry point, ProcessAnalysisRequest, that turns a
// submitted root or a worker's result into queued per-(observable, AMT)
// work, merges results back under optimistic concurrency, and finalizes
// roots once no outstanding requests remain.
//
// This is the spec's own core business logic; no teacher file plays this
// role directly (the teacher has no analysis-correlation domain). The
// *shape* - load, gate, act, persist-with-retry - follows the load/check/
// act/persist structure the teacher's own request-handling code uses,
// generalized around this package's own merge and retry primitives
// (internal/domain.ApplyDiffMerge, internal/resilience.Retry).
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nodalwatch/ace/internal/cache"
	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/internal/eventbus"
	"github.com/nodalwatch/ace/internal/queue"
	"github.com/nodalwatch/ace/internal/registry"
	"github.com/nodalwatch/ace/internal/resilience"
	"github.com/nodalwatch/ace/internal/store"
	"github.com/nodalwatch/ace/pkg/logger"
	"github.com/nodalwatch/ace/pkg/tracing"
)

// Dispatcher wires the tracking store, registry, queues, result cache and
// event bus together to implement ProcessAnalysisRequest.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	queues   queue.Manager
	cache    *cache.ResultCache
	bus      *eventbus.Bus
	log      *logger.Logger
	tracer   tracing.Tracer

	retry resilience.RetryConfig
}

// New creates a Dispatcher over its collaborators, using
// resilience.DefaultRetryConfig for the version-conflict retry bound
// (spec §4.7 step 6: bounded, typically <= N=8 retries).
func New(s store.Store, reg *registry.Registry, queues queue.Manager, rc *cache.ResultCache, bus *eventbus.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		registry: reg,
		queues:   queues,
		cache:    rc,
		bus:      bus,
		log:      log,
		tracer:   tracing.NoopTracer,
		retry:    resilience.DefaultRetryConfig(),
	}
}

// WithRetryConfig overrides the default bounded-retry policy.
func (d *Dispatcher) WithRetryConfig(cfg resilience.RetryConfig) *Dispatcher {
	d.retry = cfg
	return d
}

// WithTracer overrides the default no-op tracer, wrapping every
// ProcessAnalysisRequest pass in a span named "dispatcher.process".
func (d *Dispatcher) WithTracer(t tracing.Tracer) *Dispatcher {
	if t != nil {
		d.tracer = t
	}
	return d
}

// SubmitRoot accepts a brand-new root analysis from a caller: it is
// persisted and then run through the same expansion/finalization pass as
// any other request (spec §4.7's "root submission" entry shape).
func (d *Dispatcher) SubmitRoot(ctx context.Context, root *domain.RootAnalysis) (string, error) {
	if root.UUID == "" {
		root.UUID = uuid.NewString()
	}
	if _, err := d.store.CreateRoot(ctx, root); err != nil {
		return "", fmt.Errorf("dispatcher: submit root %s: %w", root.UUID, err)
	}
	if err := d.fire(ctx, eventbus.EventRootNew, root.UUID); err != nil {
		d.log.WithField("root", root.UUID).WithField("error", err).Warn("fire root/new failed")
	}

	ar := &domain.AnalysisRequest{
		ID:          uuid.NewString(),
		RootUUID:    root.UUID,
		RootVersion: root.Version,
		Status:      domain.StatusNew,
	}
	return root.UUID, d.ProcessAnalysisRequest(ctx, ar)
}

// SubmitResult hands a worker's completed analysis back to the
// dispatcher (spec §4.7's "observable result" entry shape). ar must carry
// ModifiedRoot.
func (d *Dispatcher) SubmitResult(ctx context.Context, ar *domain.AnalysisRequest) error {
	return d.ProcessAnalysisRequest(ctx, ar)
}

// ProcessAnalysisRequest runs the single-pass algorithm of spec §4.7,
// retrying the whole pass on a root-version conflict up to d.retry's
// bound.
func (d *Dispatcher) ProcessAnalysisRequest(ctx context.Context, ar *domain.AnalysisRequest) error {
	ctx, end := d.tracer.StartSpan(ctx, "dispatcher.process", map[string]string{"root": ar.RootUUID})
	err := resilience.Retry(ctx, d.retry, func() error {
		err := d.onePass(ctx, ar)
		if err == errStaleVersionRetry {
			return fmt.Errorf("dispatcher: root %s: version conflict: %w", ar.RootUUID, domain.ErrStaleVersion)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	})
	end(err)
	return err
}

// errStaleVersionRetry is a private sentinel distinguishing "retry me"
// from every other error onePass can return.
var errStaleVersionRetry = fmt.Errorf("dispatcher: stale version, retry")

// onePass implements steps 1-8 of spec §4.7 exactly once.
func (d *Dispatcher) onePass(ctx context.Context, ar *domain.AnalysisRequest) error {
	// 1. Load target root at its current stored version, rebasing the
	// caller's diff onto it if the caller's view was older.
	root, err := d.store.GetRoot(ctx, ar.RootUUID)
	if err != nil {
		return err
	}
	if ar.IsResult() {
		if err := domain.ApplyDiffMerge(root, ar.OriginalRoot, ar.ModifiedRoot); err != nil {
			return err
		}
	}

	// 2. Cancellation check: skip expansion but still finalize.
	if !root.AnalysisCancelled {
		// 3. Cache deposit for a completed, cacheable, error-free result.
		if ar.IsResult() && ar.AMTName != "" {
			if amt, ok := d.registry.Get(ar.AMTName); ok && amt.Cacheable() {
				if obsIdx := observableIndexFor(root, ar); obsIdx >= 0 && !analysisErrored(root, obsIdx, ar.AMTName) {
					ck := domain.CacheKey(root.Observables[obsIdx], amt)
					if ck != "" {
						d.cache.Put(amt.Name, ck, ar, amt.CacheTTL)
					}
				}
			}
		}

		// 4-5. Expand: enumerate candidate (observable, amt) pairs and
		// dispatch each per spec §4.7 step 5's cache/dedup/queue rules. A
		// pair already tracked under a non-terminal AR for this root is
		// skipped outright: AnalyzedBy alone only catches AMTs that have
		// already finished, not ones already queued or running, which
		// would otherwise double-dispatch any non-cacheable AMT (it has no
		// cache key for ByCacheKey dedup to catch) every time a sibling
		// pair's result re-enumerates the same observable.
		inFlight, err := d.inFlightPairs(ctx, root.UUID)
		if err != nil {
			return err
		}
		for _, idx := range observableIndices(root, ar) {
			if err := d.dispatchCandidates(ctx, root, idx, inFlight); err != nil {
				return err
			}
		}
	}

	// 6. Save root with CAS on the version we just loaded it at; a
	// mismatch here means another writer saved in between, so the whole
	// pass retries from step 1 against whatever is now current.
	if _, err := d.store.SaveRoot(ctx, root); err != nil {
		if isStaleVersion(err) {
			return errStaleVersionRetry
		}
		return err
	}
	if err := d.fire(ctx, eventbus.EventRootModified, root.UUID); err != nil {
		d.log.WithField("root", root.UUID).WithField("error", err).Warn("fire root/modified failed")
	}

	// 7. Fan out to linked duplicates, then delete the incoming AR (the
	// delete also drops the AR's links, so it comes after the fan-out).
	if ar.ID != "" {
		linked, err := d.store.Linked(ctx, ar.ID)
		if err != nil {
			return err
		}
		for _, dupID := range linked {
			dup, err := d.store.ByRequestID(ctx, dupID)
			if err != nil {
				return err
			}
			if dup == nil {
				// Already processed or expired out from under us; nothing
				// left to fan out to.
				continue
			}
			fanOut, err := retargetedResultAR(dup, ar.ModifiedRoot)
			if err != nil {
				return err
			}
			if err := d.ProcessAnalysisRequest(ctx, fanOut); err != nil {
				return err
			}
		}

		existed, err := d.store.DeleteRequest(ctx, ar.ID)
		if err != nil {
			return err
		}
		if existed {
			if err := d.fire(ctx, eventbus.EventARDeleted, ar.ID); err != nil {
				d.log.WithField("request", ar.ID).WithField("error", err).Warn("fire ar/deleted failed")
			}
		}
	}

	// 8. Finalize if terminal.
	return d.finalize(ctx, root.UUID)
}

// dispatchCandidates runs spec §4.7 step 5 over every AMT candidate for
// the observable at idx, skipping ones already analyzed or already
// in-flight (tracked in inFlight, which dispatchCandidates keeps current
// as it dispatches).
func (d *Dispatcher) dispatchCandidates(ctx context.Context, root *domain.RootAnalysis, idx int, inFlight map[pairT]struct{}) error {
	obs := root.Observables[idx]
	for _, amt := range d.registry.CandidateAMTs(obs.Type, obs.Directives) {
		if root.AnalyzedBy(idx, amt.Name) {
			continue
		}
		if _, busy := inFlight[pairKey(obs.Key(), amt.Name)]; busy {
			continue
		}
		if !d.registry.DependenciesSatisfied(root, idx, amt.Name) {
			continue
		}
		if err := d.dispatchPair(ctx, root, idx, amt, inFlight); err != nil {
			return err
		}
		inFlight[pairKey(obs.Key(), amt.Name)] = struct{}{}
	}
	return nil
}

// dispatchPair implements spec §4.7 step 5 for a single (observable, amt)
// candidate pair: cache hit synthesizes and merges in-place, then
// recurses into dispatchCandidates for any observable the cached analysis
// newly introduces (step 5a); an existing in-flight AR with the same cache key
// gets a new duplicate linked to it; otherwise a fresh AR is created and
// queued.
func (d *Dispatcher) dispatchPair(ctx context.Context, root *domain.RootAnalysis, idx int, amt domain.AnalysisModuleType, inFlight map[pairT]struct{}) error {
	obs := root.Observables[idx]
	ck := domain.CacheKey(obs, amt)

	if ck != "" {
		if cached, ok := d.cache.Get(amt.Name, ck); ok {
			newIdxs, err := mergeCachedResult(root, cached)
			if err != nil {
				return err
			}
			for _, nIdx := range newIdxs {
				if err := d.dispatchCandidates(ctx, root, nIdx, inFlight); err != nil {
					return err
				}
			}
			return nil
		}

		if existing, err := d.store.ByCacheKey(ctx, ck); err != nil {
			return err
		} else if existing != nil {
			dup := &domain.AnalysisRequest{
				ID:            uuid.NewString(),
				RootUUID:      root.UUID,
				RootVersion:   root.Version,
				ObservableKey: ptrKey(obs.Key()),
				AMTName:       amt.Name,
				Status:        domain.StatusNew,
			}
			if err := d.store.TrackRequest(ctx, dup); err != nil {
				return err
			}
			return d.store.LinkRequests(ctx, existing.ID, dup.ID)
		}
	}

	deadline := time.Time{}
	if amt.Timeout > 0 {
		deadline = time.Now().UTC().Add(amt.Timeout)
	}
	newAR := &domain.AnalysisRequest{
		ID:            uuid.NewString(),
		RootUUID:      root.UUID,
		RootVersion:   root.Version,
		ObservableKey: ptrKey(obs.Key()),
		AMTName:       amt.Name,
		Status:        domain.StatusQueued,
		CacheKey:      ck,
		Deadline:      deadline,
	}
	if err := d.store.TrackRequest(ctx, newAR); err != nil {
		return err
	}
	if err := d.queues.Queue(amt.Name).Put(ctx, newAR); err != nil {
		return err
	}
	return d.fire(ctx, eventbus.EventARNew, newAR.ID)
}

// inFlightPairs returns the (observable, amt) pairs already tracked by a
// non-root-submission AR for rootUUID, so the expansion loop can suppress
// re-dispatching them (spec §4.7 step 4's "or in progress by that AMT on
// that observable" clause).
func (d *Dispatcher) inFlightPairs(ctx context.Context, rootUUID string) (map[pairT]struct{}, error) {
	existing, err := d.store.ByRoot(ctx, rootUUID)
	if err != nil {
		return nil, err
	}
	out := make(map[pairT]struct{}, len(existing))
	for _, req := range existing {
		if req.ObservableKey == nil || req.AMTName == "" {
			continue
		}
		out[pairKey(*req.ObservableKey, req.AMTName)] = struct{}{}
	}
	return out, nil
}

type pairT struct {
	obs domain.ObservableKey
	amt string
}

func pairKey(obs domain.ObservableKey, amtName string) pairT {
	return pairT{obs: obs, amt: amtName}
}

// finalize implements spec §4.7 step 8: a root with no outstanding ARs is
// either tracked as an alert, deleted (if expires and no detections), or
// retained as-is.
func (d *Dispatcher) finalize(ctx context.Context, rootUUID string) error {
	outstanding, err := d.store.ByRoot(ctx, rootUUID)
	if err != nil {
		return err
	}
	if len(outstanding) > 0 {
		return nil
	}

	root, err := d.store.GetRoot(ctx, rootUUID)
	if err != nil {
		return err
	}

	switch {
	case root.HasDetections():
		return d.fire(ctx, eventbus.EventAlert, rootUUID)
	case root.Expires:
		if err := d.store.DeleteRoot(ctx, rootUUID); err != nil {
			return err
		}
		return d.fire(ctx, eventbus.EventRootDeleted, rootUUID)
	default:
		return nil
	}
}

func (d *Dispatcher) fire(ctx context.Context, name string, payload any) error {
	if d.bus == nil {
		return nil
	}
	return d.bus.Fire(eventbus.Event{Name: name, Payload: payload})
}

// observableIndices computes ar.observables per spec §4.7 step 4: every
// observable in the root for a root submission, or the modified
// observable plus any new observables introduced by that analysis for an
// observable result.
func observableIndices(root *domain.RootAnalysis, ar *domain.AnalysisRequest) []int {
	if ar.IsRootSubmission() || !ar.IsResult() {
		out := make([]int, len(root.Observables))
		for i := range root.Observables {
			out[i] = i
		}
		return out
	}

	seen := make(map[int]struct{})
	var out []int
	if idx := observableIndexFor(root, ar); idx >= 0 {
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	if ar.ModifiedRoot != nil {
		for _, o := range ar.ModifiedRoot.Observables {
			if idx := root.IndexOf(o.Key()); idx >= 0 {
				if _, ok := seen[idx]; !ok {
					seen[idx] = struct{}{}
					out = append(out, idx)
				}
			}
		}
	}
	return out
}

func observableIndexFor(root *domain.RootAnalysis, ar *domain.AnalysisRequest) int {
	if ar.ObservableKey == nil {
		return -1
	}
	return root.IndexOf(*ar.ObservableKey)
}

func analysisErrored(root *domain.RootAnalysis, idx int, amtName string) bool {
	aIdx, ok := root.Observables[idx].Analyses[amtName]
	if !ok || aIdx < 0 || aIdx >= len(root.Analyses) {
		return false
	}
	return root.Analyses[aIdx].Errored()
}

func ptrKey(k domain.ObservableKey) *domain.ObservableKey { return &k }

// mergeCachedResult attaches a cached analysis result onto root and
// returns the indices of any observable the cached snapshot introduces
// that root didn't already have, so the caller can dispatch their
// candidate AMTs too (spec §4.7 step 5a). The cache is shared across
// every root that analyzes the same observable with the same AMT (spec
// §4.3), so cached.ModifiedRoot almost always belongs to a different
// root uuid than target; ApplyDiffMerge rejects cross-root merges
// outright, so this retargets a shallow copy of the cached snapshot at
// root's uuid before replaying it with an empty "before" (every
// observable/analysis in the snapshot is treated as new material, which
// is safe: ApplyDiffMerge reuses any observable root already has by key
// and only attaches the analysis if none is attached yet for that AMT).
func mergeCachedResult(root *domain.RootAnalysis, cached *domain.AnalysisRequest) ([]int, error) {
	if cached.ModifiedRoot == nil {
		return nil, nil
	}
	before := len(root.Observables)
	retargeted := *cached.ModifiedRoot
	retargeted.UUID = root.UUID
	if err := domain.ApplyDiffMerge(root, nil, &retargeted); err != nil {
		return nil, err
	}
	var newIdx []int
	for i := before; i < len(root.Observables); i++ {
		newIdx = append(newIdx, i)
	}
	return newIdx, nil
}

// retargetedResultAR builds the result AR that replays a just-completed
// analysis onto a linked duplicate's own root. A duplicate created in
// dispatchPair's cache-key branch is almost always rooted in a different
// RootAnalysis than the one that just finished (that cross-root match is
// the entire reason it was linked rather than queued), so modifiedRoot is
// shallow-copied and re-pointed at dup's own root uuid the same way
// mergeCachedResult retargets a cache hit, keeping ApplyDiffMerge's
// same-uuid guard satisfied.
func retargetedResultAR(dup *domain.AnalysisRequest, modifiedRoot *domain.RootAnalysis) (*domain.AnalysisRequest, error) {
	if modifiedRoot == nil {
		return nil, fmt.Errorf("dispatcher: linked request %s has no completed analysis to fan out", dup.ID)
	}
	retargeted := *modifiedRoot
	retargeted.UUID = dup.RootUUID
	return &domain.AnalysisRequest{
		ID:            dup.ID,
		RootUUID:      dup.RootUUID,
		RootVersion:   dup.RootVersion,
		ObservableKey: dup.ObservableKey,
		AMTName:       dup.AMTName,
		CacheKey:      dup.CacheKey,
		ModifiedRoot:  &retargeted,
	}, nil
}

func isStaleVersion(err error) bool {
	var staleErr *domain.StaleVersionError
	if errors.As(err, &staleErr) {
		return true
	}
	return errors.Is(err, domain.ErrStaleVersion)
}

