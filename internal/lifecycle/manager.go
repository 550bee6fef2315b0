// Package lifecycle owns agent registry status. It is the only writer of
// agent records; every transition is a read-check-write guarded by the
// record version, followed by an audit event.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
)

// Store is the agent registry.
type Store interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	InsertAgent(ctx context.Context, a *models.Agent) (*models.Agent, error)
	UpdateAgent(ctx context.Context, a *models.Agent) (*models.Agent, error)
	HasPendingReviewsForAgent(ctx context.Context, agentID string) (bool, error)
}

// Config holds lifecycle thresholds.
type Config struct {
	StaleAfter time.Duration
}

// DefaultConfig returns a 30s staleness window.
func DefaultConfig() Config {
	return Config{StaleAfter: 30 * time.Second}
}

// SpawnOptions carries the explicit authorizations for a spawn.
type SpawnOptions struct {
	AllowExecution bool
	Actor          string
	PID            int
}

// View is an agent with its display status.
type View struct {
	models.Agent
	Display models.DisplayStatus `json:"display_status"`
}

// Manager drives agent lifecycle transitions.
type Manager struct {
	store   Store
	audit   *audit.Writer
	metrics *metrics.Metrics
	logger  *zap.Logger
	probe   ProcessProbe
	cfg     Config
	now     func() time.Time
}

// NewManager creates a lifecycle manager. A nil probe never corroborates.
func NewManager(s Store, w *audit.Writer, m *metrics.Metrics, logger *zap.Logger, probe ProcessProbe, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if probe == nil {
		probe = NoProbe
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Manager{
		store:   s,
		audit:   w,
		metrics: m,
		logger:  logger,
		probe:   probe,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for heartbeats and classification.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Register creates an IDLE agent record.
func (m *Manager) Register(ctx context.Context, id string, typ models.AgentType, actor string) (*models.Agent, error) {
	if err := validate(id, typ); err != nil {
		return nil, err
	}
	a, err := m.store.InsertAgent(ctx, &models.Agent{ID: id, Type: typ, Status: models.AgentStatusIdle})
	if err != nil {
		return nil, err
	}
	m.record(ctx, "agent.register", actor, a.ID, "", string(a.Status), "", audit.OutcomeSuccess, map[string]any{"type": typ})
	return a, nil
}

// Spawn moves an agent to RUNNING, creating its record if absent.
//
// A BLOCKED record is refused under any flag. A RUNNING record, or one whose
// recorded process is still alive, is a conflict. Execution-class agents
// need opts.AllowExecution.
func (m *Manager) Spawn(ctx context.Context, id string, typ models.AgentType, opts SpawnOptions) (*models.Agent, error) {
	if err := validate(id, typ); err != nil {
		return nil, err
	}
	inputs := map[string]any{"type": typ, "allow_execution": opts.AllowExecution, "pid": opts.PID}

	existing, err := m.store.GetAgent(ctx, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if cerr := m.spawnConflict(existing, typ); cerr != nil {
			return nil, m.spawnRefused(ctx, id, opts.Actor, existing.Status, cerr, inputs)
		}
	}
	if typ.ExecutionClass() && !opts.AllowExecution {
		gerr := errs.Governance("agent %q is execution-class and execution spawn was not allowed", id)
		from := models.AgentStatus("")
		if existing != nil {
			from = existing.Status
		}
		return nil, m.spawnRefused(ctx, id, opts.Actor, from, gerr, inputs)
	}

	now := m.now()
	var spawned *models.Agent
	var from models.AgentStatus
	if existing == nil {
		spawned, err = m.store.InsertAgent(ctx, &models.Agent{
			ID:            id,
			Type:          typ,
			Status:        models.AgentStatusRunning,
			PID:           opts.PID,
			LastHeartbeat: now,
		})
	} else {
		from = existing.Status
		next := *existing
		next.Status = models.AgentStatusRunning
		next.StatusReason = ""
		next.PID = opts.PID
		next.LastHeartbeat = now
		spawned, err = m.store.UpdateAgent(ctx, &next)
	}
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil, m.spawnRefused(ctx, id, opts.Actor, from, err, inputs)
		}
		return nil, err
	}

	m.metrics.ObserveSpawn("success")
	m.logger.Info("agent spawned",
		zap.String("agent_id", id),
		zap.String("type", string(typ)),
		zap.Int("pid", opts.PID),
		zap.String("actor", opts.Actor))
	m.record(ctx, "agent.spawn", opts.Actor, id, string(from), string(spawned.Status), "", audit.OutcomeSuccess, inputs)
	return spawned, nil
}

// spawnConflict applies the checks against an existing record, in order.
func (m *Manager) spawnConflict(existing *models.Agent, typ models.AgentType) error {
	switch {
	case existing.Status == models.AgentStatusBlocked:
		return errs.Governance("agent %q is blocked and requires an explicit unblock", existing.ID)
	case existing.Status == models.AgentStatusRunning:
		return errs.Conflict("agent %q is already running", existing.ID)
	}
	if existing.PID > 0 {
		if alive, verifiable := m.probe.Alive(existing.PID); alive && verifiable {
			return errs.Conflict("agent %q process %d is still alive", existing.ID, existing.PID)
		}
	}
	if existing.Type != typ {
		return errs.Invalid("agent %q is registered as %s, not %s", existing.ID, existing.Type, typ)
	}
	return nil
}

func (m *Manager) spawnRefused(ctx context.Context, id, actor string, from models.AgentStatus, err error, inputs map[string]any) error {
	outcome := "conflict"
	if errors.Is(err, errs.ErrGovernance) {
		outcome = "governance"
	} else if errors.Is(err, errs.ErrInvalid) {
		outcome = "invalid"
	}
	m.metrics.ObserveSpawn(outcome)
	m.logger.Warn("agent spawn refused", zap.String("agent_id", id), zap.String("actor", actor), zap.Error(err))
	m.record(ctx, "agent.spawn", actor, id, string(from), "", err.Error(), audit.OutcomeDenied, inputs)
	return err
}

// Heartbeat records liveness for a RUNNING agent. Timestamps never move
// backwards; an older heartbeat is accepted without effect.
func (m *Manager) Heartbeat(ctx context.Context, id string, ts time.Time) (*models.Agent, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AgentStatusRunning {
		return nil, errs.Conflict("agent %q is %s, not running", id, a.Status)
	}
	if ts.IsZero() {
		ts = m.now()
	}
	ts = ts.UTC()
	if !ts.After(a.LastHeartbeat) {
		return a, nil
	}

	next := *a
	next.LastHeartbeat = ts
	updated, err := m.store.UpdateAgent(ctx, &next)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("heartbeat", zap.String("agent_id", id), zap.Time("ts", ts))
	return updated, nil
}

// Complete finishes a run: WAITING_REVIEW if any output requires review,
// otherwise RETIRED.
func (m *Manager) Complete(ctx context.Context, id string, outputs []models.Output) (*models.Agent, error) {
	to := models.AgentStatusRetired
	for _, o := range outputs {
		if o.RequiresReview {
			to = models.AgentStatusWaitingReview
			break
		}
	}
	return m.transition(ctx, id, "agent.complete", id, "", to, map[string]any{"outputs": outputs},
		func(a *models.Agent) error {
			if a.Status != models.AgentStatusRunning {
				return errs.Conflict("agent %q is %s, not running", id, a.Status)
			}
			return nil
		})
}

// Block moves an agent to BLOCKED. Only Unblock clears it.
func (m *Manager) Block(ctx context.Context, id, actor, reason string) (*models.Agent, error) {
	if actor == "" {
		actor = id
	}
	return m.transition(ctx, id, "agent.block", actor, reason, models.AgentStatusBlocked, map[string]any{"reason": reason},
		func(a *models.Agent) error {
			switch a.Status {
			case models.AgentStatusBlocked:
				return errs.Conflict("agent %q is already blocked", id)
			case models.AgentStatusRetired:
				return errs.Conflict("agent %q is retired", id)
			}
			return nil
		})
}

// Unblock returns a BLOCKED agent to IDLE. It requires a human actor.
func (m *Manager) Unblock(ctx context.Context, id, actor, reason string) (*models.Agent, error) {
	if actor == "" {
		return nil, errs.Governance("unblock requires an actor")
	}
	return m.transition(ctx, id, "agent.unblock", actor, reason, models.AgentStatusIdle, map[string]any{"reason": reason},
		func(a *models.Agent) error {
			if a.Status != models.AgentStatusBlocked {
				return errs.Conflict("agent %q is %s, not blocked", id, a.Status)
			}
			return nil
		})
}

// Retire terminates an agent explicitly. The record is kept.
func (m *Manager) Retire(ctx context.Context, id, actor, reason string) (*models.Agent, error) {
	if actor == "" {
		return nil, errs.Governance("retire requires an actor")
	}
	return m.transition(ctx, id, "agent.retire", actor, reason, models.AgentStatusRetired, map[string]any{"reason": reason},
		func(a *models.Agent) error {
			if a.Status == models.AgentStatusRetired {
				return errs.Conflict("agent %q is already retired", id)
			}
			return nil
		})
}

// Reclassify resolves a STALE agent to RETIRED, BLOCKED or IDLE. It is an
// operator action and needs both an actor and a reason.
func (m *Manager) Reclassify(ctx context.Context, id, actor string, to models.AgentStatus, reason string) (*models.Agent, error) {
	if actor == "" || reason == "" {
		return nil, errs.Governance("reclassify requires an actor and a reason")
	}
	switch to {
	case models.AgentStatusRetired, models.AgentStatusBlocked, models.AgentStatusIdle:
	default:
		return nil, errs.Invalid("cannot reclassify to %q", to)
	}
	return m.transition(ctx, id, "agent.reclassify", actor, reason, to, map[string]any{"to": to, "reason": reason},
		func(a *models.Agent) error {
			if d := m.Classify(*a); d != models.DisplayStale {
				return errs.Conflict("agent %q is %s, not stale", id, d)
			}
			return nil
		})
}

// Settle retires a WAITING_REVIEW agent once none of its artifacts has a
// pending review. It reports whether the agent was retired.
func (m *Manager) Settle(ctx context.Context, id string) (bool, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return false, err
	}
	if a.Status != models.AgentStatusWaitingReview {
		return false, nil
	}
	pending, err := m.store.HasPendingReviewsForAgent(ctx, id)
	if err != nil || pending {
		return false, err
	}

	_, err = m.transition(ctx, id, "agent.settle", "system", "reviews decided", models.AgentStatusRetired, nil,
		func(a *models.Agent) error {
			if a.Status != models.AgentStatusWaitingReview {
				return errs.Conflict("agent %q is %s", id, a.Status)
			}
			return nil
		})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Classify returns the status to display for a. It never writes.
func (m *Manager) Classify(a models.Agent) models.DisplayStatus {
	return a.Display(m.now(), m.cfg.StaleAfter, m.corroborated(a))
}

// Corroborated returns the ids of agents whose process the probe confirms.
func (m *Manager) Corroborated(agents []models.Agent) map[string]bool {
	out := make(map[string]bool)
	for _, a := range agents {
		if m.corroborated(a) {
			out[a.ID] = true
		}
	}
	return out
}

func (m *Manager) corroborated(a models.Agent) bool {
	if a.Status != models.AgentStatusRunning || a.PID <= 0 {
		return false
	}
	alive, verifiable := m.probe.Alive(a.PID)
	return alive && verifiable
}

// Get returns one agent with its display status.
func (m *Manager) Get(ctx context.Context, id string) (*View, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Agent: *a, Display: m.Classify(*a)}, nil
}

// List returns every agent with its display status.
func (m *Manager) List(ctx context.Context) ([]View, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(agents))
	for _, a := range agents {
		views = append(views, View{Agent: a, Display: m.Classify(a)})
	}
	return views, nil
}

// transition runs one guarded status change.
func (m *Manager) transition(ctx context.Context, id, action, actor, reason string, to models.AgentStatus,
	inputs map[string]any, check func(*models.Agent) error) (*models.Agent, error) {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := check(a); err != nil {
		m.record(ctx, action, actor, id, string(a.Status), string(to), err.Error(), audit.OutcomeDenied, inputs)
		return nil, err
	}

	next := *a
	next.Status = to
	next.StatusReason = reason
	updated, err := m.store.UpdateAgent(ctx, &next)
	if err != nil {
		return nil, err
	}

	m.logger.Info("agent status changed",
		zap.String("agent_id", id),
		zap.String("from", string(a.Status)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
		zap.String("reason", reason))
	m.record(ctx, action, actor, id, string(a.Status), string(to), reason, audit.OutcomeSuccess, inputs)
	return updated, nil
}

func (m *Manager) record(ctx context.Context, action, actor, id, from, to, details, outcome string, inputs any) {
	if m.audit == nil {
		return
	}
	_, _ = m.audit.Record(ctx, audit.Entry{
		Action:     action,
		Actor:      actor,
		EntityType: "agent",
		EntityID:   id,
		From:       from,
		To:         to,
		Outcome:    outcome,
		Details:    details,
		Inputs:     inputs,
	})
}

func validate(id string, typ models.AgentType) error {
	if id == "" {
		return errs.Invalid("agent id is required")
	}
	if !typ.Valid() {
		return errs.Invalid("unknown agent type %q", typ)
	}
	return nil
}
