// Package metrics exposes lexgate's Prometheus instrumentation.
//
// Metrics:
//   - lexgate_decisions_total{gate,decision}
//   - lexgate_stage_advances_total{outcome}
//   - lexgate_spawns_total{outcome}
//   - lexgate_executions_total{result}
//   - lexgate_poll_cycles_total{outcome}
//   - lexgate_pending_reviews{gate}
//   - lexgate_artifacts{status}
//   - lexgate_risk_flag{risk}
//   - lexgate_stage_age_seconds
//
// All observe methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fentz26/lexgate/internal/snapshot"
)

// Metrics holds lexgate's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	stageAdvances *prometheus.CounterVec
	spawns        *prometheus.CounterVec
	executions    *prometheus.CounterVec
	pollCycles    *prometheus.CounterVec

	pendingReviews *prometheus.GaugeVec
	artifacts      *prometheus.GaugeVec
	riskFlags      *prometheus.GaugeVec
	stageAge       prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lexgate_decisions_total",
			Help: "Review and execution decisions recorded",
		}, []string{"gate", "decision"}),
		stageAdvances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lexgate_stage_advances_total",
			Help: "Stage advance attempts by outcome or failed precondition",
		}, []string{"outcome"}),
		spawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lexgate_spawns_total",
			Help: "Agent spawn attempts by outcome",
		}, []string{"outcome"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lexgate_executions_total",
			Help: "Executed requests by result",
		}, []string{"result"}),
		pollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lexgate_poll_cycles_total",
			Help: "Snapshot poll cycles by outcome",
		}, []string{"outcome"}),
		pendingReviews: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lexgate_pending_reviews",
			Help: "Pending review items per gate",
		}, []string{"gate"}),
		artifacts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lexgate_artifacts",
			Help: "Artifacts per status bucket",
		}, []string{"status"}),
		riskFlags: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lexgate_risk_flag",
			Help: "Risk indicators, 1 when raised",
		}, []string{"risk"}),
		stageAge: f.NewGauge(prometheus.GaugeOpts{
			Name: "lexgate_stage_age_seconds",
			Help: "Time spent in the current stage",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveDecision(gate, decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(gate, decision).Inc()
}

func (m *Metrics) ObserveAdvance(outcome string) {
	if m == nil {
		return
	}
	m.stageAdvances.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSpawn(outcome string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveExecution(result string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePollCycle(outcome string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(outcome).Inc()
}

// ObserveSnapshot replaces the gauges with the values of s.
func (m *Metrics) ObserveSnapshot(s *snapshot.Snapshot) {
	if m == nil || s == nil {
		return
	}

	m.pendingReviews.Reset()
	for gate, n := range s.PendingReviews {
		m.pendingReviews.WithLabelValues(gate).Set(float64(n))
	}

	m.artifacts.Reset()
	for status, n := range s.Artifacts {
		m.artifacts.WithLabelValues(status).Set(float64(n))
	}

	for risk, on := range s.Risks {
		v := 0.0
		if on {
			v = 1
		}
		m.riskFlags.WithLabelValues(risk).Set(v)
	}

	m.stageAge.Set(s.Stage.AgeSeconds)
}
