package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/lexgate/internal/config"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/logging"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/snapshot"
	"github.com/fentz26/lexgate/internal/store"
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

// fakeReader serves fixed data. failAgents > 0 fails that many agent
// reads; a negative value fails them all.
type fakeReader struct {
	mu         sync.Mutex
	history    []models.StageEntry
	agents     []models.Agent
	artifacts  []models.Artifact
	failAgents int
	agentCalls int
}

func (f *fakeReader) StageHistory(ctx context.Context) ([]models.StageEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeReader) ListAgents(ctx context.Context) ([]models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentCalls++
	if f.failAgents != 0 {
		if f.failAgents > 0 {
			f.failAgents--
		}
		return nil, errors.New("database is locked")
	}
	return f.agents, nil
}

func (f *fakeReader) ListArtifacts(ctx context.Context, _ store.ArtifactFilter) ([]models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artifacts, nil
}

func (f *fakeReader) ListReviewItems(ctx context.Context, _ store.ReviewFilter) ([]models.ReviewItem, error) {
	return nil, nil
}

func (f *fakeReader) ListExecutions(ctx context.Context, _ models.Decision) ([]models.ExecutionRequest, error) {
	return nil, nil
}

func (f *fakeReader) setFailAgents(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAgents = n
	f.agentCalls = 0
}

func newReader() *fakeReader {
	return &fakeReader{
		history: []models.StageEntry{{Seq: 1, Stage: models.StageIntro, EnteredAt: t0.Add(-time.Hour)}},
		agents: []models.Agent{
			{ID: "intel-1", Type: models.AgentTypeIntelligence, Status: models.AgentStatusRunning, LastHeartbeat: t0.Add(-5 * time.Second)},
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

func newTestPoller(r Reader, corroborate Corroborator) *Poller {
	p := New(r, nil, corroborate, metrics.New(), logging.NewNop(), testConfig())
	p.SetClock(func() time.Time { return t0 })
	return p
}

func TestPoll_PublishesOnlyChanges(t *testing.T) {
	r := newReader()
	p := newTestPoller(r, nil)
	ctx := context.Background()
	sub := p.Hub().Subscribe(4)

	s, delta, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageIntro, s.Stage.Current)
	assert.False(t, delta.Empty())
	require.Len(t, sub, 1)
	assert.Equal(t, delta.Changes, (<-sub).Changes)
	assert.Same(t, s, p.Last())

	_, delta, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, delta.Empty())
	assert.Len(t, sub, 0, "empty deltas are not published")

	r.mu.Lock()
	r.history = append(r.history, models.StageEntry{Seq: 2, Stage: models.StageComm, EnteredAt: t0})
	r.mu.Unlock()

	_, delta, err = p.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, sub, 1)
	got := <-sub
	require.NotEmpty(t, got.Changes)
	assert.Equal(t, snapshot.DimStage, got.Changes[0].Dimension)
	assert.Equal(t, snapshot.Changed, got.Changes[0].Kind)
	assert.Equal(t, delta.Changes, got.Changes)
}

func TestPoll_TransientFailureIsRetried(t *testing.T) {
	r := newReader()
	r.failAgents = 2
	p := newTestPoller(r, nil)

	s, _, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.StaleSources)
	assert.Equal(t, 3, r.agentCalls)
	assert.Equal(t, 1, s.Agents[models.AgentTypeIntelligence][models.DisplayStatus(models.AgentStatusRunning)])
}

func TestPoll_StaleSourceThenMaxRetries(t *testing.T) {
	r := newReader()
	p := newTestPoller(r, nil)
	ctx := context.Background()

	_, _, err := p.Poll(ctx)
	require.NoError(t, err)

	r.setFailAgents(-1)
	for cycle := 1; cycle < 3; cycle++ {
		s, _, err := p.Poll(ctx)
		require.NoError(t, err, "cycle %d", cycle)
		assert.Equal(t, []string{SourceAgents}, s.StaleSources)
		assert.True(t, s.Risks[snapshot.RiskStaleSources])
		assert.Equal(t, 1, s.Agents[models.AgentTypeIntelligence][models.DisplayStatus(models.AgentStatusRunning)],
			"last good agent read is reused")
		assert.Equal(t, cycle, p.Status().FailedCycles[SourceAgents])
	}
	assert.Equal(t, 3*2, r.agentCalls, "three attempts per cycle")

	_, _, err = p.Poll(ctx)
	assert.ErrorIs(t, err, errs.ErrMaxRetries)
	assert.Equal(t, StateMaxRetries, p.Status().State)

	_, _, err = p.Poll(ctx)
	assert.ErrorIs(t, err, errs.ErrMaxRetries, "terminal until restarted")

	r.setFailAgents(0)
	require.NoError(t, p.Restart())
	t.Cleanup(p.Stop)

	require.Eventually(t, func() bool {
		st := p.Status()
		return st.State == StateRunning && len(st.FailedCycles) == 0 && len(p.Last().StaleSources) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartStopRestart(t *testing.T) {
	p := newTestPoller(newReader(), nil)

	assert.ErrorIs(t, p.Restart(), errs.ErrConflict, "never started")

	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return p.Last() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.Start(context.Background()), errs.ErrConflict)
	assert.ErrorIs(t, p.Restart(), errs.ErrConflict)

	p.Stop()
	assert.Equal(t, StateStopped, p.Status().State)
	assert.NotNil(t, p.Status().LastPoll)

	require.NoError(t, p.Restart())
	assert.Equal(t, StateRunning, p.Status().State)
	p.Stop()
}

func TestStop_OnParentCancel(t *testing.T) {
	p := newTestPoller(newReader(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()
	require.Eventually(t, func() bool { return p.Status().State == StateStopped }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoll_SignalsAndCorroboration(t *testing.T) {
	r := newReader()
	r.agents = append(r.agents, models.Agent{
		ID: "draft-1", Type: models.AgentTypeDrafting, Status: models.AgentStatusRunning, LastHeartbeat: t0.Add(-10 * time.Minute),
	})
	p := newTestPoller(r, func(agents []models.Agent) map[string]bool {
		return map[string]bool{"draft-1": true}
	})
	require.NoError(t, p.Signals().RecordHealth("draft-1", t0.Add(-2*time.Second)))
	require.NoError(t, p.Signals().SetKPI("bill_velocity", 0.7))

	s, _, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snapshot.LivenessAlive, s.Liveness["draft-1"])
	assert.Equal(t, 2, s.Agents[models.AgentTypeDrafting][models.DisplayStatus(models.AgentStatusRunning)]+
		s.Agents[models.AgentTypeIntelligence][models.DisplayStatus(models.AgentStatusRunning)])
	assert.Zero(t, s.Agents[models.AgentTypeDrafting][models.DisplayStale])
	assert.InDelta(t, 0.7, s.KPIs["bill_velocity"], 1e-9)
}

func TestSignals(t *testing.T) {
	s := NewSignals()
	require.NoError(t, s.RecordHealth("feed", t0))
	require.NoError(t, s.RecordHealth("feed", t0.Add(-time.Minute)))
	assert.Equal(t, t0, s.Health()["feed"], "older signals never win")

	assert.Error(t, s.RecordHealth("", t0))
	assert.Error(t, s.SetKPI("x", math.NaN()))
	assert.Error(t, s.SetKPI("x", math.Inf(1)))
	assert.Error(t, s.SetKPI("", 1))

	kpis := s.KPIs()
	kpis["mutated"] = 1
	assert.NotContains(t, s.KPIs(), "mutated")
}

func TestHub_DropsForSlowSubscribers(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe(1)
	fast := h.Subscribe(8)
	assert.Equal(t, 2, h.Count())

	for i := 0; i < 3; i++ {
		h.Publish(snapshot.Delta{Changes: []snapshot.Change{{Key: "k"}}})
	}
	assert.Len(t, slow, 1)
	assert.Len(t, fast, 3)
	assert.EqualValues(t, 2, h.Dropped())

	h.Unsubscribe(slow)
	h.Unsubscribe(slow)
	<-slow
	_, open := <-slow
	assert.False(t, open)
	assert.Equal(t, 1, h.Count())
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.Poll.MaxFailedCycles = 5
	c.Risk.OverrideCeiling = 0.5

	cfg := FromConfig(c)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.BaseBackoff)
	assert.Equal(t, 5, cfg.MaxFailedCycles)
	assert.Equal(t, snapshot.DefaultPolicy().StaleAfter, cfg.Policy.StaleAfter)
	assert.InDelta(t, 0.5, cfg.Policy.OverrideCeiling, 1e-9)
}
