package snapshot

import (
	"fmt"
	"sort"
	"time"
)

// Dimension names a tracked area of the snapshot.
type Dimension string

const (
	DimStage     Dimension = "stage"
	DimAgents    Dimension = "agents"
	DimLiveness  Dimension = "liveness"
	DimArtifacts Dimension = "artifacts"
	DimReviews   Dimension = "reviews"
	DimKPI       Dimension = "kpi"
	DimRisk      Dimension = "risk"
	DimExecution Dimension = "executions"
	DimSources   Dimension = "sources"
)

// ChangeKind is the type of a change record.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Change is one typed difference between two snapshots.
type Change struct {
	Dimension Dimension  `json:"dimension"`
	Key       string     `json:"key"`
	Kind      ChangeKind `json:"kind"`
	Old       any        `json:"old,omitempty"`
	New       any        `json:"new,omitempty"`
}

// Delta is the ordered set of changes from one snapshot to the next.
type Delta struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Changes []Change  `json:"changes"`
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Changes) == 0
}

// Diff compares prev and cur field by field. Stage age and the
// generation time are not tracked, so diffing a snapshot with itself
// yields no changes.
func Diff(prev, cur Snapshot) Delta {
	d := Delta{From: prev.GeneratedAt, To: cur.GeneratedAt}

	switch {
	case prev.Stage.Current == cur.Stage.Current:
	case prev.Stage.Current == "":
		d.Changes = append(d.Changes, Change{Dimension: DimStage, Key: "current", Kind: Added, New: string(cur.Stage.Current)})
	case cur.Stage.Current == "":
		d.Changes = append(d.Changes, Change{Dimension: DimStage, Key: "current", Kind: Removed, Old: string(prev.Stage.Current)})
	default:
		d.Changes = append(d.Changes, Change{Dimension: DimStage, Key: "current", Kind: Changed,
			Old: string(prev.Stage.Current), New: string(cur.Stage.Current)})
	}

	d.Changes = append(d.Changes, diffMap(DimAgents, flattenAgents(prev), flattenAgents(cur))...)
	d.Changes = append(d.Changes, diffMap(DimLiveness, prev.Liveness, cur.Liveness)...)
	d.Changes = append(d.Changes, diffMap(DimArtifacts, prev.Artifacts, cur.Artifacts)...)
	d.Changes = append(d.Changes, diffMap(DimReviews, prev.PendingReviews, cur.PendingReviews)...)
	d.Changes = append(d.Changes, diffMap(DimKPI, prev.KPIs, cur.KPIs)...)
	d.Changes = append(d.Changes, diffMap(DimRisk, prev.Risks, cur.Risks)...)
	d.Changes = append(d.Changes, diffMap(DimExecution, executionCounts(prev), executionCounts(cur))...)
	d.Changes = append(d.Changes, diffMap(DimSources, sourceSet(prev.StaleSources), sourceSet(cur.StaleSources))...)
	return d
}

func flattenAgents(s Snapshot) map[string]int {
	flat := make(map[string]int)
	for typ, byStatus := range s.Agents {
		for status, n := range byStatus {
			flat[fmt.Sprintf("%s/%s", typ, status)] = n
		}
	}
	return flat
}

// executionCounts is empty for a snapshot that was never compiled, so a
// first diff reports the count as added.
func executionCounts(s Snapshot) map[string]int {
	if s.GeneratedAt.IsZero() {
		return nil
	}
	return map[string]int{"pending": s.PendingExecutions}
}

// sourceSet keys stale sources by name so they diff as added or removed.
func sourceSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// diffMap compares two maps, emitting changes sorted by key.
func diffMap[K ~string, V comparable](dim Dimension, prev, cur map[K]V) []Change {
	keys := make(map[K]struct{}, len(prev)+len(cur))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range cur {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, string(k))
	}
	sort.Strings(sorted)

	var changes []Change
	for _, ks := range sorted {
		k := K(ks)
		old, hadOld := prev[k]
		now, hasNew := cur[k]
		switch {
		case hadOld && !hasNew:
			changes = append(changes, Change{Dimension: dim, Key: ks, Kind: Removed, Old: old})
		case !hadOld && hasNew:
			changes = append(changes, Change{Dimension: dim, Key: ks, Kind: Added, New: now})
		case old != now:
			changes = append(changes, Change{Dimension: dim, Key: ks, Kind: Changed, Old: old, New: now})
		}
	}
	return changes
}
