// Package controlplane provides the HTTP API and service layer for lexgate.
package controlplane

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/execgate"
	"github.com/fentz26/lexgate/internal/lifecycle"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/poller"
	"github.com/fentz26/lexgate/internal/review"
	"github.com/fentz26/lexgate/internal/snapshot"
	"github.com/fentz26/lexgate/internal/stage"
	"github.com/fentz26/lexgate/internal/store"
)

// Report statuses an agent may send.
const (
	ReportRunning   = "RUNNING"
	ReportCompleted = "COMPLETED"
	ReportBlocked   = "BLOCKED"
)

// Deps wires the service to its components.
type Deps struct {
	Store     *store.Store
	Audit     *audit.Writer
	Stages    *stage.Engine
	Agents    *lifecycle.Manager
	Reviews   *review.Manager
	Exec      *execgate.Gate
	Poller    *poller.Poller
	Logger    *zap.Logger
	Version   string
	AllowExec bool
}

// Service provides the control plane business logic.
type Service struct {
	store     *store.Store
	audit     *audit.Writer
	stages    *stage.Engine
	agents    *lifecycle.Manager
	reviews   *review.Manager
	exec      *execgate.Gate
	poller    *poller.Poller
	logger    *zap.Logger
	version   string
	allowExec bool
	now       func() time.Time
}

// NewService creates a new control plane service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Version == "" {
		d.Version = "dev"
	}
	return &Service{
		store:     d.Store,
		audit:     d.Audit,
		stages:    d.Stages,
		agents:    d.Agents,
		reviews:   d.Reviews,
		exec:      d.Exec,
		poller:    d.Poller,
		logger:    d.Logger,
		version:   d.Version,
		allowExec: d.AllowExec,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// --- Stage Operations ---

// CurrentStage returns the current stage entry, initializing the workflow
// on first use.
func (s *Service) CurrentStage(ctx context.Context) (*models.StageEntry, error) {
	if _, err := s.stages.Initialize(ctx); err != nil {
		return nil, err
	}
	return s.stages.Current(ctx)
}

// StageHistory returns every stage entry in order.
func (s *Service) StageHistory(ctx context.Context) ([]models.StageEntry, error) {
	return s.stages.History(ctx)
}

// Stages returns the configured sequence.
func (s *Service) Stages() []models.Stage {
	return s.stages.Stages()
}

// Advance moves the workflow to target.
func (s *Service) Advance(ctx context.Context, target models.Stage, confirmation *bool, actor string) (*models.StageEntry, error) {
	return s.stages.Advance(ctx, target, confirmation, actor)
}

// --- Agent Operations ---

// SpawnRequest asks for an agent to be started.
type SpawnRequest struct {
	Type           models.AgentType `json:"type"`
	AllowExecution bool             `json:"allow_execution"`
	Actor          string           `json:"actor"`
	PID            int              `json:"pid,omitempty"`
}

// RegisterAgent creates an IDLE agent record.
func (s *Service) RegisterAgent(ctx context.Context, id string, typ models.AgentType, actor string) (*models.Agent, error) {
	return s.agents.Register(ctx, id, typ, actor)
}

// SpawnAgent starts an agent. Execution-class agents need both the caller's
// explicit opt-in and the daemon-wide execution.allow_execution_spawn.
func (s *Service) SpawnAgent(ctx context.Context, id string, req SpawnRequest) (*models.Agent, error) {
	return s.agents.Spawn(ctx, id, req.Type, lifecycle.SpawnOptions{
		AllowExecution: req.AllowExecution && s.allowExec,
		Actor:          req.Actor,
		PID:            req.PID,
	})
}

// Heartbeat records liveness for a RUNNING agent. A zero ts means now.
func (s *Service) Heartbeat(ctx context.Context, id string, ts time.Time) (*models.Agent, error) {
	if ts.IsZero() {
		ts = s.now()
	}
	return s.agents.Heartbeat(ctx, id, ts)
}

// ReportInput is an agent status report.
type ReportInput struct {
	Status    string          `json:"status"`
	Outputs   []models.Output `json:"outputs,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ReportResult describes what a report changed.
type ReportResult struct {
	Agent     *models.Agent       `json:"agent"`
	Artifacts []models.Artifact   `json:"artifacts,omitempty"`
	Reviews   []models.ReviewItem `json:"reviews,omitempty"`
}

// Report applies an agent report. RUNNING is a heartbeat, BLOCKED blocks
// the agent with the given reason, COMPLETED records every output as an
// artifact, enqueues the ones that require review and completes the run.
func (s *Service) Report(ctx context.Context, agentID string, in ReportInput) (*ReportResult, error) {
	switch in.Status {
	case ReportRunning:
		a, err := s.Heartbeat(ctx, agentID, in.Timestamp)
		if err != nil {
			return nil, err
		}
		return &ReportResult{Agent: a}, nil
	case ReportBlocked:
		a, err := s.agents.Block(ctx, agentID, agentID, in.Reason)
		if err != nil {
			return nil, err
		}
		return &ReportResult{Agent: a}, nil
	case ReportCompleted:
		return s.complete(ctx, agentID, in.Outputs)
	default:
		return nil, errs.Invalid("report status must be %s, %s or %s, got %q", ReportRunning, ReportCompleted, ReportBlocked, in.Status)
	}
}

func (s *Service) complete(ctx context.Context, agentID string, outputs []models.Output) (*ReportResult, error) {
	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != models.AgentStatusRunning {
		return nil, errs.Conflict("agent %q is %s, not running", agentID, agent.Status)
	}
	for i, o := range outputs {
		if err := checkOutput(o); err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
	}

	current, err := s.CurrentStage(ctx)
	if err != nil {
		return nil, err
	}

	artifacts := make([]models.Artifact, 0, len(outputs))
	var items []models.ReviewItem
	for _, o := range outputs {
		a := newArtifact(agentID, current.Stage, o)
		artifacts = append(artifacts, a)
		if o.RequiresReview {
			items = append(items, review.NewItem(a.GateID, a.ID))
		}
	}
	recorded, enqueued, err := s.store.RecordOutputs(ctx, artifacts, items)
	if err != nil {
		return nil, err
	}

	result := &ReportResult{Artifacts: recorded, Reviews: enqueued}
	for i, a := range recorded {
		s.record(ctx, audit.Entry{
			Action:     "artifact.record",
			Actor:      agentID,
			EntityType: "artifact",
			EntityID:   a.ID,
			To:         string(a.Status),
			Details:    fmt.Sprintf("stage %s", a.Stage),
			Inputs:     outputs[i],
		})
	}
	for _, item := range enqueued {
		s.reviews.Submitted(ctx, item)
	}

	completed, err := s.agents.Complete(ctx, agentID, outputs)
	if err != nil {
		return nil, err
	}
	// A reviewer may have decided before the agent reached WAITING_REVIEW.
	if completed.Status == models.AgentStatusWaitingReview {
		s.settle(ctx, agentID)
		if completed, err = s.store.GetAgent(ctx, agentID); err != nil {
			return nil, err
		}
	}
	result.Agent = completed
	return result, nil
}

// checkOutput refuses outputs that claim an authority only a human
// decision can grant.
func checkOutput(o models.Output) error {
	if o.ArtifactID == "" {
		return errs.Invalid("artifact_id is required")
	}
	if o.RequiresReview && o.GateID == "" {
		return errs.Invalid("artifact %s requires review but names no gate", o.ArtifactID)
	}
	switch o.Status {
	case "", models.ArtifactSpeculative, models.ArtifactNonAuthoritative:
	case models.ArtifactActionable:
		if o.RequiresReview {
			return errs.Governance("artifact %s requires review and cannot be reported ACTIONABLE", o.ArtifactID)
		}
	default:
		return errs.Invalid("artifact %s cannot be reported as %q", o.ArtifactID, o.Status)
	}
	return nil
}

func newArtifact(agentID string, current models.Stage, o models.Output) models.Artifact {
	st := o.Stage
	if st == "" {
		st = current
	}
	status := o.Status
	if status == "" {
		status = models.ArtifactSpeculative
	}
	return models.Artifact{
		ID:             o.ArtifactID,
		AgentID:        agentID,
		Stage:          st,
		Status:         status,
		RequiresReview: o.RequiresReview,
		GateID:         o.GateID,
		DependsOn:      o.DependsOn,
	}
}

// BlockAgent blocks an agent.
func (s *Service) BlockAgent(ctx context.Context, id, actor, reason string) (*models.Agent, error) {
	return s.agents.Block(ctx, id, actor, reason)
}

// UnblockAgent returns a blocked agent to IDLE.
func (s *Service) UnblockAgent(ctx context.Context, id, actor, reason string) (*models.Agent, error) {
	return s.agents.Unblock(ctx, id, actor, reason)
}

// RetireAgent terminates an agent.
func (s *Service) RetireAgent(ctx context.Context, id, actor, reason string) (*models.Agent, error) {
	return s.agents.Retire(ctx, id, actor, reason)
}

// ReclassifyAgent resolves a STALE agent.
func (s *Service) ReclassifyAgent(ctx context.Context, id, actor string, to models.AgentStatus, reason string) (*models.Agent, error) {
	return s.agents.Reclassify(ctx, id, actor, to, reason)
}

// GetAgent returns an agent with its display status.
func (s *Service) GetAgent(ctx context.Context, id string) (*lifecycle.View, error) {
	return s.agents.Get(ctx, id)
}

// ListAgents returns every agent with its display status.
func (s *Service) ListAgents(ctx context.Context) ([]lifecycle.View, error) {
	return s.agents.List(ctx)
}

// --- Artifact Operations ---

// GetArtifact returns one artifact.
func (s *Service) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	return s.store.GetArtifact(ctx, id)
}

// ListArtifacts returns artifacts matching f.
func (s *Service) ListArtifacts(ctx context.Context, f store.ArtifactFilter) ([]models.Artifact, error) {
	return s.store.ListArtifacts(ctx, f)
}

// ArchiveArtifact retires an ACTIONABLE artifact. Only the status changes.
func (s *Service) ArchiveArtifact(ctx context.Context, id, actor string) (*models.Artifact, error) {
	if actor == "" {
		return nil, errs.Governance("archive requires an actor")
	}
	a, err := s.store.TransitionArtifact(ctx, id, []models.ArtifactStatus{models.ArtifactActionable}, models.ArtifactArchived)
	if err != nil {
		return nil, err
	}
	s.logger.Info("artifact archived", zap.String("artifact_id", id), zap.String("actor", actor))
	s.record(ctx, audit.Entry{
		Action:     "artifact.archive",
		Actor:      actor,
		EntityType: "artifact",
		EntityID:   id,
		From:       string(models.ArtifactActionable),
		To:         string(models.ArtifactArchived),
		Inputs:     map[string]string{"artifact": id},
	})
	return a, nil
}

// --- Review Operations ---

// SubmitReview enqueues an artifact in a gate.
func (s *Service) SubmitReview(ctx context.Context, gate, artifactID string) (*models.ReviewItem, error) {
	return s.reviews.Submit(ctx, gate, artifactID)
}

// GetReview returns one review item.
func (s *Service) GetReview(ctx context.Context, id string) (*models.ReviewItem, error) {
	return s.reviews.Get(ctx, id)
}

// ListReviews lists a gate's items, only the open ones when pendingOnly.
func (s *Service) ListReviews(ctx context.Context, gate string, pendingOnly bool) ([]models.ReviewItem, error) {
	if pendingOnly {
		return s.reviews.Pending(ctx, gate)
	}
	return s.reviews.Items(ctx, gate)
}

// DecideReview records a decision and retires the producing agent if it
// has nothing left under review.
func (s *Service) DecideReview(ctx context.Context, gate, id string, decision models.Decision, actor, rationale string) (*store.DecisionResult, error) {
	res, err := s.reviews.Decide(ctx, gate, id, decision, actor, rationale)
	if err != nil {
		return nil, err
	}
	s.settle(ctx, res.Artifact.AgentID)
	return res, nil
}

// DecideBatch applies one decision to an explicit list of items.
func (s *Service) DecideBatch(ctx context.Context, gate string, ids []string, decision models.Decision, actor, rationale string) (*review.BatchResult, error) {
	res, err := s.reviews.DecideBatch(ctx, gate, ids, decision, actor, rationale)
	if err != nil {
		return nil, err
	}
	settled := make(map[string]bool)
	for _, item := range res.Items {
		if item.Applied && !settled[item.AgentID] {
			settled[item.AgentID] = true
			s.settle(ctx, item.AgentID)
		}
	}
	return res, nil
}

func (s *Service) settle(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if _, err := s.agents.Settle(ctx, agentID); err != nil {
		s.logger.Warn("agent settle failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// --- Execution Operations ---

// RequestExecution records a PENDING execution request.
func (s *Service) RequestExecution(ctx context.Context, in execgate.RequestInput) (*models.ExecutionRequest, error) {
	return s.exec.Request(ctx, in)
}

// ApproveExecution approves a request.
func (s *Service) ApproveExecution(ctx context.Context, id, actor, rationale string) (*models.ExecutionRequest, error) {
	return s.exec.Approve(ctx, id, actor, rationale)
}

// RejectExecution rejects a request.
func (s *Service) RejectExecution(ctx context.Context, id, actor, rationale string) (*models.ExecutionRequest, error) {
	return s.exec.Reject(ctx, id, actor, rationale)
}

// Execute runs an approved request once.
func (s *Service) Execute(ctx context.Context, id, actor string) (*execgate.Outcome, error) {
	return s.exec.Execute(ctx, id, actor)
}

// GetExecution returns one request.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.ExecutionRequest, error) {
	return s.exec.Get(ctx, id)
}

// ListExecutions lists requests, filtered by approval state when set.
func (s *Service) ListExecutions(ctx context.Context, approval models.Decision) ([]models.ExecutionRequest, error) {
	return s.exec.List(ctx, approval)
}

// --- Snapshot Operations ---

// Snapshot returns the last compiled snapshot, compiling one if the
// poller has not run yet.
func (s *Service) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	if last := s.poller.Last(); last != nil {
		return last, nil
	}
	snap, _, err := s.poller.Poll(ctx)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SubscribeDeltas registers a delta subscriber.
func (s *Service) SubscribeDeltas() (chan snapshot.Delta, func()) {
	ch := s.poller.Hub().Subscribe(poller.DefaultBuffer)
	return ch, func() { s.poller.Hub().Unsubscribe(ch) }
}

// RecordHealth stores an external health signal. A zero at means now.
func (s *Service) RecordHealth(key string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	if err := s.poller.Signals().RecordHealth(key, at); err != nil {
		return errs.Invalid("%s", err.Error())
	}
	return nil
}

// SetKPIs stores external KPI values. Nothing is stored if any is invalid.
func (s *Service) SetKPIs(kpis map[string]float64) error {
	probe := poller.NewSignals()
	for name, v := range kpis {
		if err := probe.SetKPI(name, v); err != nil {
			return errs.Invalid("%s", err.Error())
		}
	}
	for name, v := range kpis {
		_ = s.poller.Signals().SetKPI(name, v)
	}
	return nil
}

// RestartPoller leaves the poller's terminal state.
func (s *Service) RestartPoller(actor string) (poller.Status, error) {
	if err := s.poller.Restart(); err != nil {
		return s.poller.Status(), err
	}
	s.logger.Info("poller restarted", zap.String("actor", actor))
	return s.poller.Status(), nil
}

// --- Audit Operations ---

// ListAudit returns audit events, newest first.
func (s *Service) ListAudit(ctx context.Context, f store.AuditFilter) ([]models.AuditEvent, error) {
	return s.store.ListAudit(ctx, f)
}

// --- Health ---

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	OK      bool          `json:"ok"`
	DB      string        `json:"db"`
	Poller  poller.Status `json:"poller"`
	Version string        `json:"version"`
	Time    string        `json:"time"`
}

// Health pings the store and reports the poller state.
func (s *Service) Health(ctx context.Context) HealthResponse {
	h := HealthResponse{
		OK:      true,
		DB:      "ok",
		Poller:  s.poller.Status(),
		Version: s.version,
		Time:    s.now().Format(time.RFC3339),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.OK = false
		h.DB = err.Error()
	}
	if h.Poller.State == poller.StateMaxRetries {
		h.OK = false
	}
	return h
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	_, _ = s.audit.Record(ctx, e)
}
