package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/connectors"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/execgate"
	"github.com/fentz26/lexgate/internal/lifecycle"
	"github.com/fentz26/lexgate/internal/logging"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/poller"
	"github.com/fentz26/lexgate/internal/review"
	"github.com/fentz26/lexgate/internal/stage"
	"github.com/fentz26/lexgate/internal/store"
)

type testEnv struct {
	server  *Server
	store   *store.Store
	service *Service
	poller  *poller.Poller
}

func newTestEnv(t *testing.T, allowExec bool) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logging.NewNop()
	m := metrics.New()
	w := audit.NewWriter(st, logger)

	stages, err := stage.New(st, w, m, logger, stage.DefaultConfig())
	require.NoError(t, err)
	agents := lifecycle.NewManager(st, w, m, logger, nil, lifecycle.DefaultConfig())
	reviews := review.NewManager(st, w, m, logger)
	channels, err := connectors.NewRegistry(connectors.Noop{})
	require.NoError(t, err)
	gate := execgate.New(st, channels, w, m, logger)

	cfg := poller.DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	p := poller.New(st, nil, agents.Corroborated, m, logger, cfg)

	svc := NewService(Deps{
		Store:     st,
		Audit:     w,
		Stages:    stages,
		Agents:    agents,
		Reviews:   reviews,
		Exec:      gate,
		Poller:    p,
		Logger:    logger,
		Version:   "test",
		AllowExec: allowExec,
	})
	srv, err := NewServer(svc, m, logger, "127.0.0.1:0")
	require.NoError(t, err)
	return &testEnv{server: srv, store: st, service: svc, poller: p}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	health := decode[HealthResponse](t, rec)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, health.Time)
	assert.Equal(t, poller.StateIdle, health.Poller.State)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, env.store.Close())

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	health := decode[HealthResponse](t, rec)
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/stage/advance", map[string]any{"target": models.StageComm, "actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lexgate_stage_advances_total")
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown agent", http.MethodGet, "/agents/nope", nil, http.StatusNotFound},
		{"unknown review", http.MethodGet, "/reviews/nope", nil, http.StatusNotFound},
		{"advance without actor", http.MethodPost, "/stage/advance", map[string]any{"target": models.StageComm}, http.StatusForbidden},
		{"skip a stage", http.MethodPost, "/stage/advance", map[string]any{"target": models.StageFinal, "actor": "ops"}, http.StatusPreconditionFailed},
		{"bad agent type", http.MethodPost, "/agents", map[string]any{"id": "a", "type": "PILOT"}, http.StatusBadRequest},
		{"execution spawn disabled", http.MethodPost, "/agents/exec-1/spawn", map[string]any{"type": models.AgentTypeExecution, "allow_execution": true, "actor": "ops"}, http.StatusForbidden},
		{"bad report status", http.MethodPost, "/agents/a/report", map[string]any{"status": "DONE"}, http.StatusBadRequest},
		{"bad artifact filter", http.MethodGet, "/artifacts?status=FINAL", nil, http.StatusBadRequest},
		{"bad audit limit", http.MethodGet, "/audit?limit=0", nil, http.StatusBadRequest},
		{"unnamed kpi", http.MethodPost, "/signals/kpis", map[string]any{"kpis": map[string]float64{"": 1}}, http.StatusBadRequest},
		{"restart idle poller", http.MethodPost, "/poller/restart", map[string]any{"actor": "ops"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest(http.MethodPost, "/stage/advance", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid json", decode[ErrorResponse](t, rec).Error)
}

func TestReportReviewAdvanceFlow(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/agents/drafter-1/spawn", map[string]any{"type": models.AgentTypeDrafting, "actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.AgentStatusRunning, decode[models.Agent](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/agents/drafter-1/report", ReportInput{
		Status: ReportCompleted,
		Outputs: []models.Output{{
			ArtifactID:     "bill-1",
			RequiresReview: true,
			GateID:         "legal",
			Status:         models.ArtifactNonAuthoritative,
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[ReportResult](t, rec)
	assert.Equal(t, models.AgentStatusWaitingReview, report.Agent.Status)
	require.Len(t, report.Artifacts, 1)
	assert.Equal(t, models.StageIntro, report.Artifacts[0].Stage)
	require.Len(t, report.Reviews, 1)
	reviewID := report.Reviews[0].ID

	rec = env.do(t, http.MethodPost, "/stage/advance", map[string]any{"target": models.StageComm, "actor": "ops"})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	refused := decode[ErrorResponse](t, rec)
	require.NotNil(t, refused.Transition)
	assert.Equal(t, errs.PreconditionReviewPending, refused.Transition.Precondition)
	assert.Equal(t, "legal", refused.Transition.Gate)
	assert.Equal(t, "bill-1", refused.Transition.Artifact)

	rec = env.do(t, http.MethodGet, "/reviews?gate=legal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ReviewItem](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/reviews/"+reviewID+"/decide", map[string]any{
		"gate": "legal", "decision": models.DecisionApproved, "actor": "counsel", "rationale": "clean",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decode[store.DecisionResult](t, rec)
	assert.Equal(t, models.ArtifactActionable, decided.Artifact.Status)

	rec = env.do(t, http.MethodPost, "/reviews/"+reviewID+"/decide", map[string]any{
		"gate": "legal", "decision": models.DecisionRejected, "actor": "counsel",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "decisions are final")

	rec = env.do(t, http.MethodGet, "/agents/drafter-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.AgentStatusRetired, decode[lifecycle.View](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/stage/advance", map[string]any{"target": models.StageComm, "actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StageComm, decode[models.StageEntry](t, rec).Stage)

	rec = env.do(t, http.MethodGet, "/stage/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.StageEntry](t, rec), 2)

	rec = env.do(t, http.MethodPost, "/artifacts/bill-1/archive", map[string]any{"actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.ArtifactArchived, decode[models.Artifact](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/audit?entity_type=artifact&entity_id=bill-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]models.AuditEvent](t, rec)
	require.NotEmpty(t, events)
	assert.Equal(t, "artifact.archive", events[0].Action)
}

func TestReport_ActionableRequiringReviewIsRefused(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/agents/drafter-1/spawn", map[string]any{"type": models.AgentTypeDrafting, "actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/agents/drafter-1/report", ReportInput{
		Status: ReportCompleted,
		Outputs: []models.Output{{
			ArtifactID: "bill-1", RequiresReview: true, GateID: "legal", Status: models.ArtifactActionable,
		}},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.Artifact](t, rec), "nothing is recorded for a refused report")
}

func TestBatchDecision(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/agents/analyst-1/spawn", map[string]any{"type": models.AgentTypeAnalysis, "actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/agents/analyst-1/report", ReportInput{
		Status: ReportCompleted,
		Outputs: []models.Output{
			{ArtifactID: "memo-1", RequiresReview: true, GateID: "policy"},
			{ArtifactID: "memo-2", RequiresReview: true, GateID: "policy"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[ReportResult](t, rec)
	require.Len(t, report.Reviews, 2)

	rec = env.do(t, http.MethodPost, "/reviews/batch", map[string]any{
		"gate":     "policy",
		"ids":      []string{report.Reviews[0].ID, report.Reviews[1].ID, "missing"},
		"decision": models.DecisionRejected,
		"actor":    "counsel",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decode[review.BatchResult](t, rec)
	assert.Equal(t, 2, batch.Applied)
	assert.Equal(t, 1, batch.Failed)

	rec = env.do(t, http.MethodGet, "/agents/analyst-1", nil)
	assert.Equal(t, models.AgentStatusRetired, decode[lifecycle.View](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/reviews?gate=policy", nil)
	assert.Empty(t, decode[[]models.ReviewItem](t, rec))
	rec = env.do(t, http.MethodGet, "/reviews?gate=policy&pending=false", nil)
	assert.Len(t, decode[[]models.ReviewItem](t, rec), 2)
}

func TestExecutionFlow(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/executions", execgate.RequestInput{
		Channel: "noop", PayloadRef: "memo-1", DryRun: true, RequestedBy: "exec-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[models.ExecutionRequest](t, rec).ID

	rec = env.do(t, http.MethodPost, "/executions/"+id+"/execute", map[string]any{"actor": "ops"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "pending requests never run")

	rec = env.do(t, http.MethodPost, "/executions/"+id+"/approve", map[string]any{"actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.DecisionApproved, decode[models.ExecutionRequest](t, rec).Approval)

	rec = env.do(t, http.MethodPost, "/executions/"+id+"/execute", map[string]any{"actor": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[execgate.Outcome](t, rec)
	assert.True(t, out.Simulated)
	assert.Equal(t, models.ExecutionExecuted, out.Request.Result)

	rec = env.do(t, http.MethodPost, "/executions/"+id+"/execute", map[string]any{"actor": "ops"})
	assert.Equal(t, http.StatusConflict, rec.Code, "executes at most once")

	rec = env.do(t, http.MethodGet, "/executions?approval=APPROVED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ExecutionRequest](t, rec), 1)
}

func TestSignalsAndSnapshot(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/stage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/signals/kpis", map[string]any{"kpis": map[string]float64{"bill_velocity": 0.4}})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodPost, "/signals/health", map[string]any{"key": "feed"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snap struct {
		Stage struct {
			Current models.Stage `json:"current"`
		} `json:"stage"`
		KPIs map[string]float64 `json:"kpis"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, models.StageIntro, snap.Stage.Current)
	assert.InDelta(t, 0.4, snap.KPIs["bill_velocity"], 1e-9)
}

func TestSnapshotStream(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/snapshot/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	select {
	case name := <-events:
		require.Equal(t, "snapshot", name)
	case <-ctx.Done():
		t.Fatal("no snapshot event")
	}

	_, err = env.service.Advance(ctx, models.StageComm, nil, "ops")
	require.NoError(t, err)
	_, _, err = env.poller.Poll(ctx)
	require.NoError(t, err)

	select {
	case name := <-events:
		assert.Equal(t, "delta", name)
	case <-ctx.Done():
		t.Fatal("no delta event")
	}
}

func TestReport_CollidingOutputWritesNothing(t *testing.T) {
	env := newTestEnv(t, false)
	for _, id := range []string{"drafter-1", "drafter-2"} {
		rec := env.do(t, http.MethodPost, "/agents/"+id+"/spawn", map[string]any{"type": models.AgentTypeDrafting, "actor": "ops"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/agents/drafter-1/report", ReportInput{
		Status:  ReportCompleted,
		Outputs: []models.Output{{ArtifactID: "dup"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	memo := models.Output{ArtifactID: "memo", RequiresReview: true, GateID: "HR_PRE"}
	rec = env.do(t, http.MethodPost, "/agents/drafter-2/report", ReportInput{
		Status:  ReportCompleted,
		Outputs: []models.Output{memo, {ArtifactID: "dup"}},
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/artifacts/memo", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/reviews?gate=HR_PRE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.ReviewItem](t, rec))
	rec = env.do(t, http.MethodGet, "/agents/drafter-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.AgentStatusRunning, decode[lifecycle.View](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/agents/drafter-2/report", ReportInput{
		Status:  ReportCompleted,
		Outputs: []models.Output{memo, {ArtifactID: "dup-2"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[ReportResult](t, rec)
	assert.Len(t, report.Artifacts, 2)
	require.Len(t, report.Reviews, 1)
	assert.Equal(t, "memo", report.Reviews[0].ArtifactID)
	assert.Equal(t, models.AgentStatusWaitingReview, report.Agent.Status)
}
