// Package domain defines the data model of the analysis correlation
// engine: observables, analyses, the root graph they live in, module-type
// registrations, scheduling requests, and content-store metadata.
package domain

import "time"

// RequestStatus is the lifecycle state of an AnalysisRequest.
type RequestStatus string

const (
	StatusNew       RequestStatus = "NEW"
	StatusQueued    RequestStatus = "QUEUED"
	StatusAnalyzing RequestStatus = "ANALYZING"
	StatusProcessing RequestStatus = "PROCESSING"
	StatusFinished  RequestStatus = "FINISHED"
	StatusExpired   RequestStatus = "EXPIRED"
)

// Observable is a typed value submitted for analysis. Identity is
// (Type, Value, Time): two observables with the same tuple refer to the
// same node in the root's graph.
type Observable struct {
	Type  string     `json:"type"`
	Value string     `json:"value"`
	Time  *time.Time `json:"time,omitempty"`

	// Summary is an opaque, module-set string for GUI rendering; never
	// interpreted by the dispatcher.
	Summary string `json:"summary,omitempty"`

	Tags            []string          `json:"tags,omitempty"`
	Directives      []string          `json:"directives,omitempty"`
	DetectionPoints []string          `json:"detection_points,omitempty"`
	Relationships   []Relationship    `json:"relationships,omitempty"`
	Analyses        map[string]int    `json:"analyses,omitempty"` // amt name -> index into RootAnalysis.Analyses
}

// Relationship links an observable to another observable by index within
// the same root's flat observable table, per Design Notes' arena-plus-
// indices representation (never direct back-pointers).
type Relationship struct {
	Kind           string `json:"kind"`
	ObservableIdx  int    `json:"observable_idx"`
}

// Key returns the deterministic identity tuple used to locate an
// observable within a root's table.
func (o Observable) Key() ObservableKey {
	var t int64 = -1
	if o.Time != nil {
		t = o.Time.UTC().UnixMicro()
	}
	return ObservableKey{Type: o.Type, Value: o.Value, Time: t}
}

// ObservableKey is the comparable identity of an Observable, suitable as a
// map key.
type ObservableKey struct {
	Type  string
	Value string
	Time  int64 // -1 means "no time"
}

// Analysis is a single module's output against one observable.
type Analysis struct {
	ID              string   `json:"id"`
	ModuleType      string   `json:"module_type"`
	DetailsID       string   `json:"details_id,omitempty"` // handle into details blob store
	ChildObservables []int   `json:"child_observables,omitempty"` // indices into RootAnalysis.Observables
	Tags            []string `json:"tags,omitempty"`
	DetectionPoints []string `json:"detection_points,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	StackTrace      string   `json:"stack_trace,omitempty"`
}

// Errored reports whether this analysis recorded a module failure.
func (a Analysis) Errored() bool {
	return a.ErrorMessage != ""
}

// RootAnalysis is an observable-graph root: the top-level container
// submitted by a caller and mutated in place by dispatcher merges.
type RootAnalysis struct {
	UUID    string `json:"uuid"`
	Version string `json:"version"` // UUID, rotated on every successful save

	AnalysisMode string `json:"analysis_mode,omitempty"`
	Queue        string `json:"queue,omitempty"`
	Description  string `json:"description,omitempty"`

	AnalysisCancelled bool   `json:"analysis_cancelled"`
	CancelReason      string `json:"cancel_reason,omitempty"`

	Expires bool `json:"expires"`

	DetectionPoints []string `json:"detection_points,omitempty"`

	// Observables and Analyses form the flat arena: Observable and
	// Analysis values reference each other only by index, never by
	// pointer, so the whole graph can be serialized and diffed freely.
	Observables []Observable `json:"observables"`
	Analyses    []Analysis   `json:"analyses"`

	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasDetections reports whether any observable or the root itself carries
// a detection point.
func (r *RootAnalysis) HasDetections() bool {
	if len(r.DetectionPoints) > 0 {
		return true
	}
	for _, o := range r.Observables {
		if len(o.DetectionPoints) > 0 {
			return true
		}
	}
	return false
}

// IndexOf returns the index of the observable with the given key, or -1.
func (r *RootAnalysis) IndexOf(key ObservableKey) int {
	for i, o := range r.Observables {
		if o.Key() == key {
			return i
		}
	}
	return -1
}

// Clone returns a deep-enough copy of r: its observable/analysis/tag
// slices are copied so a caller can mutate the clone (e.g. to attach a
// worker's result) without aliasing the original.
func (r *RootAnalysis) Clone() *RootAnalysis {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Observables = append([]Observable(nil), r.Observables...)
	for i, o := range cp.Observables {
		cp.Observables[i].Tags = append([]string(nil), o.Tags...)
		cp.Observables[i].Directives = append([]string(nil), o.Directives...)
		cp.Observables[i].DetectionPoints = append([]string(nil), o.DetectionPoints...)
		cp.Observables[i].Relationships = append([]Relationship(nil), o.Relationships...)
		analyses := make(map[string]int, len(o.Analyses))
		for k, v := range o.Analyses {
			analyses[k] = v
		}
		cp.Observables[i].Analyses = analyses
	}
	cp.Analyses = append([]Analysis(nil), r.Analyses...)
	cp.DetectionPoints = append([]string(nil), r.DetectionPoints...)
	return &cp
}

// AnalyzedBy reports whether the observable at idx already carries an
// analysis by the named AMT; an errored analysis counts.
func (r *RootAnalysis) AnalyzedBy(idx int, amtName string) bool {
	if idx < 0 || idx >= len(r.Observables) {
		return false
	}
	analysisIdx, ok := r.Observables[idx].Analyses[amtName]
	if !ok {
		return false
	}
	if analysisIdx < 0 || analysisIdx >= len(r.Analyses) {
		return false
	}
	return true
}

// AnalysisModuleType is a registration record describing a module's
// contract: what it consumes, what it depends on, and its deployment
// identity (version / extended_version).
type AnalysisModuleType struct {
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	ObservableTypes   []string          `json:"observable_types"`
	RequiredDirectives []string         `json:"required_directives,omitempty"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	CacheTTL          time.Duration     `json:"cache_ttl,omitempty"` // 0 = not cacheable
	Version           string            `json:"version"`
	ExtendedVersion   map[string]string `json:"extended_version,omitempty"`
	Timeout           time.Duration     `json:"timeout"`
	Manual            bool              `json:"manual"`
	Multiprocess      bool              `json:"multiprocess"` // spec's is_multi_process capability bit
	ProducesTypes     []string          `json:"produces_types,omitempty"`
}

// Accepts reports whether this AMT consumes the given observable type.
func (a AnalysisModuleType) Accepts(observableType string) bool {
	for _, t := range a.ObservableTypes {
		if t == observableType {
			return true
		}
	}
	return false
}

// Cacheable reports whether results for this AMT are cached.
func (a AnalysisModuleType) Cacheable() bool {
	return a.CacheTTL > 0
}

// DirectiveSatisfied reports whether the module's manual-run gating is
// satisfied for the given observable's directives.
func (a AnalysisModuleType) DirectiveSatisfied(directives []string) bool {
	if !a.Manual {
		return true
	}
	want := "manual:" + a.Name
	for _, d := range directives {
		if d == want {
			return true
		}
	}
	return false
}

// AnalysisRequest is the unit of scheduling: a request for an AMT to
// analyze an observable within a root, or (observable=amt=nil) a root
// submission.
type AnalysisRequest struct {
	ID string `json:"id"`

	RootUUID    string `json:"root_uuid"`
	RootVersion string `json:"root_version"`

	ObservableKey *ObservableKey `json:"observable_key,omitempty"`
	AMTName       string         `json:"amt_name,omitempty"`

	Status RequestStatus `json:"status"`
	Owner  string        `json:"owner,omitempty"` // worker uuid

	CacheKey string `json:"cache_key,omitempty"`

	OriginalRoot *RootAnalysis `json:"original_root,omitempty"`
	ModifiedRoot *RootAnalysis `json:"modified_root,omitempty"`

	Deadline time.Time `json:"deadline"`
}

// IsRootSubmission reports whether this AR represents a caller's root
// submission rather than an internally generated observable request.
func (ar *AnalysisRequest) IsRootSubmission() bool {
	return ar.ObservableKey == nil && ar.AMTName == ""
}

// IsResult reports whether this AR carries a worker's completed result.
func (ar *AnalysisRequest) IsResult() bool {
	return ar.ModifiedRoot != nil
}

// Expired reports whether this AR's deadline has passed.
func (ar *AnalysisRequest) Expired(now time.Time) bool {
	return !ar.Deadline.IsZero() && now.After(ar.Deadline)
}

// ContentMetadata describes a content-addressed blob tracked by the
// storage facade.
type ContentMetadata struct {
	SHA256         string            `json:"sha256"`
	Name           string            `json:"name"`
	Size           int64             `json:"size"`
	InsertDate     time.Time         `json:"insert_date"`
	ExpirationDate *time.Time        `json:"expiration_date,omitempty"`
	Roots          map[string]struct{} `json:"-"`
	Custom         map[string]string `json:"custom,omitempty"`
}

// Deletable reports whether this content entry may be removed: it must
// have no referencing roots and an expiration date that is not in the
// future. An entry with no expiration date is never deletable.
func (c *ContentMetadata) Deletable(now time.Time) bool {
	if len(c.Roots) > 0 {
		return false
	}
	if c.ExpirationDate == nil {
		return false
	}
	return !c.ExpirationDate.After(now)
}

// CacheEntry is a cached analysis result keyed by cache_key.
type CacheEntry struct {
	CacheKey       string           `json:"cache_key"`
	AMTName        string           `json:"amt_name"`
	ExpirationDate time.Time        `json:"expiration_date"`
	Request        *AnalysisRequest `json:"request"`
}

// Expired reports whether this cache entry's TTL has elapsed.
func (c *CacheEntry) Expired(now time.Time) bool {
	return now.After(c.ExpirationDate)
}
