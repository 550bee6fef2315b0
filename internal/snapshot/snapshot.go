// Package snapshot compiles the dashboard read model and diffs successive
// snapshots. Everything here is pure: no I/O, no clock, no shared state.
package snapshot

import (
	"math"
	"sort"
	"time"

	"github.com/fentz26/lexgate/internal/models"
)

// Liveness classifies how recently an agent or source was heard from.
type Liveness string

const (
	LivenessAlive    Liveness = "alive"
	LivenessDegraded Liveness = "degraded"
	LivenessDead     Liveness = "dead"
)

// Bucket counted alongside artifact statuses.
const StatusStalled = "STALLED"

// KPI names computed from workflow state.
const (
	KPIConversionRate  = "conversion_rate"
	KPIOverrideRate    = "override_rate"
	KPIApprovalLatency = "approval_latency_seconds"
)

// Risk flag names.
const (
	RiskLowConversion    = "low_conversion"
	RiskHighOverride     = "high_override"
	RiskStageStuck       = "stage_stuck"
	RiskStalledArtifacts = "stalled_artifacts"
	RiskDeadAgents       = "dead_agents"
	RiskStaleSources     = "stale_sources"
)

// Policy holds every threshold the compiler applies.
type Policy struct {
	AliveWithin     time.Duration
	DegradedWithin  time.Duration
	StaleAfter      time.Duration
	StallAfter      time.Duration
	StuckAfter      time.Duration
	ConversionFloor float64
	OverrideCeiling float64
}

// DefaultPolicy returns the reference thresholds.
func DefaultPolicy() Policy {
	return Policy{
		AliveWithin:     30 * time.Second,
		DegradedWithin:  60 * time.Second,
		StaleAfter:      30 * time.Second,
		StallAfter:      72 * time.Hour,
		StuckAfter:      24 * time.Hour,
		ConversionFloor: 0.25,
		OverrideCeiling: 0.40,
	}
}

// Inputs is one consistent read of every upstream source.
type Inputs struct {
	Now        time.Time
	History    []models.StageEntry
	Agents     []models.Agent
	Artifacts  []models.Artifact
	Reviews    []models.ReviewItem
	Executions []models.ExecutionRequest

	// Health holds externally supplied last-seen signals keyed by agent or
	// source name.
	Health map[string]time.Time
	// Corroborated marks agents whose process was observed alive.
	Corroborated map[string]bool
	// KPIs are external operational metrics merged into the snapshot.
	KPIs map[string]float64
	// StaleSources names sources that could not be read this cycle.
	StaleSources []string
}

// StageInfo describes the current stage.
type StageInfo struct {
	Current    models.Stage `json:"current"`
	Seq        int          `json:"seq"`
	EnteredAt  time.Time    `json:"entered_at"`
	AgeSeconds float64      `json:"age_seconds"`
	Stuck      bool         `json:"stuck"`
}

// Snapshot is the derived read model published to dashboards.
type Snapshot struct {
	GeneratedAt       time.Time                                         `json:"generated_at"`
	Stage             StageInfo                                         `json:"stage"`
	Agents            map[models.AgentType]map[models.DisplayStatus]int `json:"agents"`
	Liveness          map[string]Liveness                               `json:"liveness"`
	Artifacts         map[string]int                                    `json:"artifacts"`
	PendingReviews    map[string]int                                    `json:"pending_reviews"`
	PendingExecutions int                                               `json:"pending_executions"`
	KPIs              map[string]float64                                `json:"kpis"`
	Risks             map[string]bool                                   `json:"risks"`
	StaleSources      []string                                          `json:"stale_sources,omitempty"`
}

// Compile derives a snapshot from in.
func Compile(in Inputs, p Policy) Snapshot {
	s := Snapshot{
		GeneratedAt:    in.Now,
		Agents:         make(map[models.AgentType]map[models.DisplayStatus]int),
		Liveness:       make(map[string]Liveness),
		Artifacts:      make(map[string]int),
		PendingReviews: make(map[string]int),
		KPIs:           make(map[string]float64),
		Risks:          make(map[string]bool),
	}

	if n := len(in.History); n > 0 {
		cur := in.History[n-1]
		age := in.Now.Sub(cur.EnteredAt)
		if age < 0 {
			age = 0
		}
		s.Stage = StageInfo{
			Current:    cur.Stage,
			Seq:        cur.Seq,
			EnteredAt:  cur.EnteredAt,
			AgeSeconds: age.Seconds(),
			Stuck:      age > p.StuckAfter,
		}
	}

	for _, a := range in.Agents {
		byStatus, ok := s.Agents[a.Type]
		if !ok {
			byStatus = make(map[models.DisplayStatus]int)
			s.Agents[a.Type] = byStatus
		}
		byStatus[a.Display(in.Now, p.StaleAfter, in.Corroborated[a.ID])]++

		if a.Status == models.AgentStatusRunning {
			s.Liveness[a.ID] = classify(in.Now, latest(a.LastHeartbeat, in.Health[a.ID]), p)
		}
	}
	for name, seen := range in.Health {
		if _, ok := s.Liveness[name]; ok || isAgent(in.Agents, name) {
			continue
		}
		s.Liveness[name] = classify(in.Now, seen, p)
	}

	var actionable, nonRejected int
	for _, a := range in.Artifacts {
		s.Artifacts[string(a.Status)]++
		if a.Status == models.ArtifactSpeculative && in.Now.Sub(a.GeneratedAt) > p.StallAfter {
			s.Artifacts[StatusStalled]++
		}
		if a.Status != models.ArtifactRejected {
			nonRejected++
		}
		if a.Status == models.ArtifactActionable || a.Status == models.ArtifactArchived {
			actionable++
		}
	}

	var decided, rejected, approved int
	var latency time.Duration
	for _, r := range in.Reviews {
		switch r.Decision {
		case models.DecisionPending:
			s.PendingReviews[r.GateID]++
		case models.DecisionApproved:
			decided++
			approved++
			if r.DecidedAt != nil {
				latency += r.DecidedAt.Sub(r.SubmittedAt)
			}
		case models.DecisionRejected:
			decided++
			rejected++
		}
	}

	for _, e := range in.Executions {
		if e.Approval == models.DecisionPending {
			s.PendingExecutions++
		}
	}

	for k, v := range in.KPIs {
		if math.IsNaN(v) {
			continue
		}
		s.KPIs[k] = v
	}
	if nonRejected > 0 {
		s.KPIs[KPIConversionRate] = float64(actionable) / float64(nonRejected)
	}
	if decided > 0 {
		s.KPIs[KPIOverrideRate] = float64(rejected) / float64(decided)
	}
	if approved > 0 {
		s.KPIs[KPIApprovalLatency] = (latency / time.Duration(approved)).Seconds()
	}

	conversion, hasConversion := s.KPIs[KPIConversionRate]
	override, hasOverride := s.KPIs[KPIOverrideRate]
	s.Risks[RiskLowConversion] = hasConversion && conversion < p.ConversionFloor
	s.Risks[RiskHighOverride] = hasOverride && override > p.OverrideCeiling
	s.Risks[RiskStageStuck] = s.Stage.Stuck
	s.Risks[RiskStalledArtifacts] = s.Artifacts[StatusStalled] > 0
	s.Risks[RiskDeadAgents] = false
	for _, l := range s.Liveness {
		if l == LivenessDead {
			s.Risks[RiskDeadAgents] = true
			break
		}
	}

	if len(in.StaleSources) > 0 {
		s.StaleSources = append([]string(nil), in.StaleSources...)
		sort.Strings(s.StaleSources)
	}
	s.Risks[RiskStaleSources] = len(s.StaleSources) > 0

	return s
}

// classify buckets a last-seen time by age.
func classify(now, seen time.Time, p Policy) Liveness {
	age := now.Sub(seen)
	switch {
	case age < p.AliveWithin:
		return LivenessAlive
	case age < p.DegradedWithin:
		return LivenessDegraded
	default:
		return LivenessDead
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func isAgent(agents []models.Agent, id string) bool {
	for _, a := range agents {
		if a.ID == id {
			return true
		}
	}
	return false
}
