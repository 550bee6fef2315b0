package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/lexgate/internal/snapshot"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveDecision("HR_PRE", "APPROVED")
	m.ObserveDecision("HR_PRE", "APPROVED")
	m.ObserveAdvance("success")
	m.ObserveSpawn("conflict")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("HR_PRE", "APPROVED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageAdvances.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.spawns.WithLabelValues("conflict")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("g", "APPROVED")
		m.ObserveAdvance("success")
		m.ObserveSpawn("success")
		m.ObserveExecution("EXECUTED")
		m.ObservePollCycle("ok")
		m.ObserveSnapshot(&snapshot.Snapshot{})
	})
}

func TestObserveSnapshot_ResetsGateGauges(t *testing.T) {
	m := New()
	m.ObserveSnapshot(&snapshot.Snapshot{
		PendingReviews: map[string]int{"HR_PRE": 3, "LEGAL": 1},
		Risks:          map[string]bool{snapshot.RiskStageStuck: true},
		Stage:          snapshot.StageInfo{AgeSeconds: 90},
	})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingReviews.WithLabelValues("HR_PRE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskFlags.WithLabelValues(snapshot.RiskStageStuck)))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.stageAge))

	m.ObserveSnapshot(&snapshot.Snapshot{PendingReviews: map[string]int{"HR_PRE": 1}})
	assert.Equal(t, 1, testutil.CollectAndCount(m.pendingReviews))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveExecution("EXECUTED")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "lexgate_executions_total"))
}
