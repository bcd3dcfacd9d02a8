package domain

import "fmt"

// ApplyDiffMerge applies the monotonic diff between before and after onto
// target. before may be nil, in which case every observable/analysis/tag in
// after is treated as new (spec §9's degenerate "before = empty" form,
// unifying apply_merge and apply_diff_merge into one function).
//
// Only additions are ever applied: new observables, new analyses, unioned
// tags/detection points, and root scalar fields that changed between before
// and after. Merging a before/after pair against a different root uuid is
// an error.
func ApplyDiffMerge(target, before, after *RootAnalysis) error {
	if after == nil {
		return nil
	}
	if target.UUID != after.UUID {
		return fmt.Errorf("domain: cannot merge root %s into root %s", after.UUID, target.UUID)
	}
	if before != nil && before.UUID != after.UUID {
		return fmt.Errorf("domain: cannot diff root %s against root %s", before.UUID, after.UUID)
	}

	afterIdxToTargetIdx := make([]int, len(after.Observables))
	for i, o := range after.Observables {
		key := o.Key()
		tIdx := target.IndexOf(key)
		if tIdx < 0 {
			target.Observables = append(target.Observables, Observable{
				Type:  o.Type,
				Value: o.Value,
				Time:  o.Time,
			})
			tIdx = len(target.Observables) - 1
		}
		afterIdxToTargetIdx[i] = tIdx

		dst := &target.Observables[tIdx]
		dst.Tags = unionStrings(dst.Tags, o.Tags)
		dst.DetectionPoints = unionStrings(dst.DetectionPoints, o.DetectionPoints)
		dst.Directives = unionStrings(dst.Directives, o.Directives)
		if dst.Summary == "" && o.Summary != "" {
			dst.Summary = o.Summary
		}
	}

	for i, o := range after.Observables {
		tIdx := afterIdxToTargetIdx[i]

		for _, rel := range o.Relationships {
			remapped := rel
			if rel.ObservableIdx >= 0 && rel.ObservableIdx < len(afterIdxToTargetIdx) {
				remapped.ObservableIdx = afterIdxToTargetIdx[rel.ObservableIdx]
			}
			if !hasRelationship(target.Observables[tIdx].Relationships, remapped) {
				target.Observables[tIdx].Relationships = append(target.Observables[tIdx].Relationships, remapped)
			}
		}

		for amtName, aIdx := range o.Analyses {
			if aIdx < 0 || aIdx >= len(after.Analyses) {
				continue
			}
			incoming := after.Analyses[aIdx]
			if len(incoming.ChildObservables) > 0 {
				remapped := make([]int, 0, len(incoming.ChildObservables))
				for _, childIdx := range incoming.ChildObservables {
					if childIdx >= 0 && childIdx < len(afterIdxToTargetIdx) {
						remapped = append(remapped, afterIdxToTargetIdx[childIdx])
					}
				}
				incoming.ChildObservables = remapped
			}
			attachAnalysis(target, tIdx, amtName, incoming)
		}
	}

	var beforeMode, beforeQueue, beforeDesc, beforeReason string
	var beforeCancelled bool
	if before != nil {
		beforeMode, beforeQueue, beforeDesc = before.AnalysisMode, before.Queue, before.Description
		beforeCancelled, beforeReason = before.AnalysisCancelled, before.CancelReason
	}
	if after.AnalysisMode != beforeMode {
		target.AnalysisMode = after.AnalysisMode
	}
	if after.Queue != beforeQueue {
		target.Queue = after.Queue
	}
	if after.Description != beforeDesc {
		target.Description = after.Description
	}
	if after.AnalysisCancelled != beforeCancelled {
		target.AnalysisCancelled = after.AnalysisCancelled
	}
	if after.CancelReason != beforeReason {
		target.CancelReason = after.CancelReason
	}
	target.DetectionPoints = unionStrings(target.DetectionPoints, after.DetectionPoints)

	return nil
}

// attachAnalysis attaches or supersedes the analysis an AMT produced for
// the observable at tIdx in target. If an analysis by the same AMT already
// exists, the incoming one wins only if it carries no error.
func attachAnalysis(target *RootAnalysis, tIdx int, amtName string, incoming Analysis) {
	obs := &target.Observables[tIdx]
	if obs.Analyses == nil {
		obs.Analyses = make(map[string]int)
	}

	existingIdx, ok := obs.Analyses[amtName]
	if !ok {
		target.Analyses = append(target.Analyses, incoming)
		obs.Analyses[amtName] = len(target.Analyses) - 1
		return
	}

	if existingIdx < 0 || existingIdx >= len(target.Analyses) {
		target.Analyses = append(target.Analyses, incoming)
		obs.Analyses[amtName] = len(target.Analyses) - 1
		return
	}

	if !incoming.Errored() {
		target.Analyses[existingIdx] = incoming
	}
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	out := a
	for _, s := range b {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func hasRelationship(rels []Relationship, r Relationship) bool {
	for _, existing := range rels {
		if existing == r {
			return true
		}
	}
	return false
}
