package snapshot

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/lexgate/internal/models"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func sampleInputs() Inputs {
	decided := t0.Add(-time.Hour)
	return Inputs{
		Now: t0,
		History: []models.StageEntry{
			{Seq: 1, Stage: models.StageIntro, EnteredAt: t0.Add(-48 * time.Hour)},
			{Seq: 2, Stage: models.StageComm, EnteredAt: t0.Add(-2 * time.Hour)},
		},
		Agents: []models.Agent{
			{ID: "intel-1", Type: models.AgentTypeIntelligence, Status: models.AgentStatusRunning, LastHeartbeat: t0.Add(-5 * time.Second)},
			{ID: "intel-2", Type: models.AgentTypeIntelligence, Status: models.AgentStatusRunning, LastHeartbeat: t0.Add(-45 * time.Second)},
			{ID: "draft-1", Type: models.AgentTypeDrafting, Status: models.AgentStatusRunning, LastHeartbeat: t0.Add(-5 * time.Minute)},
			{ID: "draft-2", Type: models.AgentTypeDrafting, Status: models.AgentStatusRetired, LastHeartbeat: t0.Add(-time.Hour)},
		},
		Artifacts: []models.Artifact{
			{ID: "a1", Status: models.ArtifactActionable, GeneratedAt: t0.Add(-time.Hour)},
			{ID: "a2", Status: models.ArtifactSpeculative, GeneratedAt: t0.Add(-100 * time.Hour)},
			{ID: "a3", Status: models.ArtifactSpeculative, GeneratedAt: t0.Add(-time.Hour)},
			{ID: "a4", Status: models.ArtifactRejected, GeneratedAt: t0.Add(-time.Hour)},
		},
		Reviews: []models.ReviewItem{
			{ID: "r1", GateID: "HR_PRE", Decision: models.DecisionApproved, SubmittedAt: t0.Add(-3 * time.Hour), DecidedAt: &decided},
			{ID: "r2", GateID: "HR_PRE", Decision: models.DecisionRejected, SubmittedAt: t0.Add(-3 * time.Hour)},
			{ID: "r3", GateID: "HR_PRE", Decision: models.DecisionPending, SubmittedAt: t0.Add(-time.Hour)},
			{ID: "r4", GateID: "LEGAL", Decision: models.DecisionPending, SubmittedAt: t0.Add(-time.Hour)},
		},
		Executions: []models.ExecutionRequest{
			{ID: "x1", Approval: models.DecisionPending},
			{ID: "x2", Approval: models.DecisionApproved},
		},
	}
}

func TestCompile(t *testing.T) {
	s := Compile(sampleInputs(), DefaultPolicy())

	assert.Equal(t, models.StageComm, s.Stage.Current)
	assert.Equal(t, 2, s.Stage.Seq)
	assert.InDelta(t, (2 * time.Hour).Seconds(), s.Stage.AgeSeconds, 0.001)
	assert.False(t, s.Stage.Stuck)

	assert.Equal(t, 1, s.Agents[models.AgentTypeIntelligence][models.DisplayStatus(models.AgentStatusRunning)])
	assert.Equal(t, 1, s.Agents[models.AgentTypeIntelligence][models.DisplayStale])
	assert.Equal(t, 1, s.Agents[models.AgentTypeDrafting][models.DisplayStale])
	assert.Equal(t, 1, s.Agents[models.AgentTypeDrafting][models.DisplayStatus(models.AgentStatusRetired)])

	assert.Equal(t, LivenessAlive, s.Liveness["intel-1"])
	assert.Equal(t, LivenessDegraded, s.Liveness["intel-2"])
	assert.Equal(t, LivenessDead, s.Liveness["draft-1"])
	assert.NotContains(t, s.Liveness, "draft-2")

	assert.Equal(t, 2, s.Artifacts[string(models.ArtifactSpeculative)])
	assert.Equal(t, 1, s.Artifacts[StatusStalled])
	assert.Equal(t, 1, s.Artifacts[string(models.ArtifactActionable)])

	assert.Equal(t, map[string]int{"HR_PRE": 1, "LEGAL": 1}, s.PendingReviews)
	assert.Equal(t, 1, s.PendingExecutions)

	assert.InDelta(t, 1.0/3.0, s.KPIs[KPIConversionRate], 1e-9)
	assert.InDelta(t, 0.5, s.KPIs[KPIOverrideRate], 1e-9)
	assert.InDelta(t, (2 * time.Hour).Seconds(), s.KPIs[KPIApprovalLatency], 1e-9)

	assert.False(t, s.Risks[RiskLowConversion])
	assert.True(t, s.Risks[RiskHighOverride])
	assert.False(t, s.Risks[RiskStageStuck])
	assert.True(t, s.Risks[RiskStalledArtifacts])
	assert.True(t, s.Risks[RiskDeadAgents])
	assert.False(t, s.Risks[RiskStaleSources])
}

func TestCompile_HealthSignalsAndCorroboration(t *testing.T) {
	in := sampleInputs()
	in.Health = map[string]time.Time{
		"draft-1": t0.Add(-time.Second),
		"feed":    t0.Add(-50 * time.Second),
	}
	in.Corroborated = map[string]bool{"intel-2": true}
	in.StaleSources = []string{"reviews", "agents"}

	s := Compile(in, DefaultPolicy())
	assert.Equal(t, LivenessAlive, s.Liveness["draft-1"], "most recent signal wins")
	assert.Equal(t, LivenessDegraded, s.Liveness["feed"])
	assert.Equal(t, 2, s.Agents[models.AgentTypeIntelligence][models.DisplayStatus(models.AgentStatusRunning)])
	assert.Equal(t, []string{"agents", "reviews"}, s.StaleSources)
	assert.True(t, s.Risks[RiskStaleSources])
	assert.False(t, s.Risks[RiskDeadAgents])
}

func TestCompile_StuckStageAndExternalKPIs(t *testing.T) {
	in := sampleInputs()
	in.History = in.History[:1]
	in.KPIs = map[string]float64{"bill_velocity": 0.8, "noise": math.NaN()}

	s := Compile(in, DefaultPolicy())
	assert.True(t, s.Stage.Stuck)
	assert.True(t, s.Risks[RiskStageStuck])
	assert.InDelta(t, 0.8, s.KPIs["bill_velocity"], 1e-9)
	assert.NotContains(t, s.KPIs, "noise")
}

func TestCompile_EmptyInputs(t *testing.T) {
	s := Compile(Inputs{Now: t0}, DefaultPolicy())
	assert.Empty(t, s.Stage.Current)
	assert.Empty(t, s.KPIs)
	assert.Len(t, s.Risks, 6)
	for name, on := range s.Risks {
		assert.False(t, on, name)
	}
}

// The 30s liveness threshold classifies a silent agent as STALE, never
// RETIRED, and the stored record is untouched.
func TestCompile_SilentAgentIsStale(t *testing.T) {
	agent := models.Agent{ID: "X", Type: models.AgentTypeAnalysis, Status: models.AgentStatusRunning, LastHeartbeat: t0}
	in := Inputs{Now: t0.Add(31 * time.Second), Agents: []models.Agent{agent}}

	s := Compile(in, DefaultPolicy())
	assert.Equal(t, 1, s.Agents[models.AgentTypeAnalysis][models.DisplayStale])
	assert.Zero(t, s.Agents[models.AgentTypeAnalysis][models.DisplayStatus(models.AgentStatusRetired)])
	assert.Equal(t, models.AgentStatusRunning, in.Agents[0].Status)
	assert.True(t, in.Agents[0].LastHeartbeat.Equal(t0))
}

func TestDiff_SelfIsEmpty(t *testing.T) {
	inputs := []Inputs{sampleInputs(), {Now: t0}}
	in := sampleInputs()
	in.Health = map[string]time.Time{"feed": t0}
	in.KPIs = map[string]float64{"x": 1}
	in.StaleSources = []string{"agents"}
	inputs = append(inputs, in)

	for _, in := range inputs {
		s := Compile(in, DefaultPolicy())
		d := Diff(s, s)
		assert.True(t, d.Empty(), "%+v", d.Changes)
	}
}

func TestDiff_FromZeroIsAllAdded(t *testing.T) {
	s := Compile(sampleInputs(), DefaultPolicy())
	d := Diff(Snapshot{}, s)
	require.False(t, d.Empty())
	for _, c := range d.Changes {
		assert.Equal(t, Added, c.Kind, "%s/%s", c.Dimension, c.Key)
	}
}

func TestDiff_TypedChanges(t *testing.T) {
	prevIn := sampleInputs()
	prev := Compile(prevIn, DefaultPolicy())

	curIn := sampleInputs()
	curIn.Now = t0.Add(10 * time.Second)
	curIn.History = append(curIn.History, models.StageEntry{Seq: 3, Stage: models.StageFloor, EnteredAt: curIn.Now})
	curIn.Reviews = curIn.Reviews[:3] // LEGAL item gone
	curIn.Reviews[2].Decision = models.DecisionApproved
	cur := Compile(curIn, DefaultPolicy())

	d := Diff(prev, cur)
	require.False(t, d.Empty())
	assert.Equal(t, prev.GeneratedAt, d.From)
	assert.Equal(t, cur.GeneratedAt, d.To)

	find := func(dim Dimension, key string) *Change {
		for i := range d.Changes {
			if d.Changes[i].Dimension == dim && d.Changes[i].Key == key {
				return &d.Changes[i]
			}
		}
		return nil
	}

	stage := find(DimStage, "current")
	require.NotNil(t, stage)
	assert.Equal(t, Changed, stage.Kind)
	assert.Equal(t, "COMM_EVT", stage.Old)
	assert.Equal(t, "FLOOR_EVT", stage.New)

	hr := find(DimReviews, "HR_PRE")
	require.NotNil(t, hr)
	assert.Equal(t, Removed, hr.Kind)

	legal := find(DimReviews, "LEGAL")
	require.NotNil(t, legal)
	assert.Equal(t, Removed, legal.Kind)

	override := find(DimKPI, KPIOverrideRate)
	require.NotNil(t, override)
	assert.Equal(t, Changed, override.Kind)

	risk := find(DimRisk, RiskHighOverride)
	require.NotNil(t, risk)
	assert.Equal(t, true, risk.Old)
	assert.Equal(t, false, risk.New)
}

func TestDiff_ExecutionsAndSources(t *testing.T) {
	prevIn := sampleInputs()
	prevIn.StaleSources = []string{"feed"}
	prev := Compile(prevIn, DefaultPolicy())

	curIn := sampleInputs()
	curIn.Now = t0.Add(10 * time.Second)
	curIn.Executions = append(curIn.Executions, models.ExecutionRequest{ID: "x3", Approval: models.DecisionPending})
	curIn.StaleSources = []string{"agents"}
	cur := Compile(curIn, DefaultPolicy())

	var got []Change
	for _, c := range Diff(prev, cur).Changes {
		if c.Dimension == DimExecution || c.Dimension == DimSources {
			got = append(got, c)
		}
	}
	assert.Equal(t, []Change{
		{Dimension: DimExecution, Key: "pending", Kind: Changed, Old: 1, New: 2},
		{Dimension: DimSources, Key: "agents", Kind: Added, New: true},
		{Dimension: DimSources, Key: "feed", Kind: Removed, Old: true},
	}, got)
}
