// Package stage advances the workflow through its fixed stage sequence.
//
// Advance re-reads committed state on every call and appends to the history
// only when every stage-exit precondition holds. Calling it again with a
// target that is already current is a no-op, so callers may retry freely.
package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/store"
)

// Store is the state the engine reads and appends to.
type Store interface {
	StageHistory(ctx context.Context) ([]models.StageEntry, error)
	InitStage(ctx context.Context, stage models.Stage, actor string) (bool, error)
	AppendStage(ctx context.Context, expectedSeq int, stage models.Stage, actor string, confirmation bool) (*models.StageEntry, error)
	ListArtifacts(ctx context.Context, f store.ArtifactFilter) ([]models.Artifact, error)
	ListReviewItems(ctx context.Context, f store.ReviewFilter) ([]models.ReviewItem, error)
}

// Config defines the stage sequence.
type Config struct {
	Stages               []models.Stage
	ConfirmationRequired []models.Stage
}

// DefaultConfig returns the reference sequence with confirmation required
// for entering SIGN_EVT and IMPL_EVT.
func DefaultConfig() Config {
	return Config{
		Stages:               models.DefaultStages(),
		ConfirmationRequired: []models.Stage{models.StageSign, models.StageImpl},
	}
}

// Engine is the sole writer of stage history.
type Engine struct {
	store   Store
	audit   *audit.Writer
	metrics *metrics.Metrics
	logger  *zap.Logger

	stages  []models.Stage
	index   map[models.Stage]int
	confirm map[models.Stage]bool
}

// New creates an engine over the configured sequence.
func New(s Store, w *audit.Writer, m *metrics.Metrics, logger *zap.Logger, cfg Config) (*Engine, error) {
	if len(cfg.Stages) < 2 {
		return nil, fmt.Errorf("stage sequence needs at least two stages, got %d", len(cfg.Stages))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:   s,
		audit:   w,
		metrics: m,
		logger:  logger,
		stages:  cfg.Stages,
		index:   make(map[models.Stage]int, len(cfg.Stages)),
		confirm: make(map[models.Stage]bool, len(cfg.ConfirmationRequired)),
	}
	for i, st := range cfg.Stages {
		if _, dup := e.index[st]; dup {
			return nil, fmt.Errorf("duplicate stage %s", st)
		}
		e.index[st] = i
	}
	for _, st := range cfg.ConfirmationRequired {
		if _, ok := e.index[st]; !ok {
			return nil, fmt.Errorf("confirmation required for unknown stage %s", st)
		}
		e.confirm[st] = true
	}
	return e, nil
}

// Stages returns the configured sequence.
func (e *Engine) Stages() []models.Stage {
	out := make([]models.Stage, len(e.stages))
	copy(out, e.stages)
	return out
}

// Initialize enters the first stage if the workflow has no history yet.
func (e *Engine) Initialize(ctx context.Context) (*models.StageEntry, error) {
	wrote, err := e.store.InitStage(ctx, e.stages[0], "system")
	if err != nil {
		return nil, err
	}
	cur, err := e.Current(ctx)
	if err != nil {
		return nil, err
	}
	if wrote {
		e.logger.Info("workflow initialized", zap.String("stage", string(cur.Stage)))
		e.record(ctx, audit.Entry{
			Action:     "stage.init",
			Actor:      "system",
			EntityType: "stage",
			EntityID:   fmt.Sprint(cur.Seq),
			To:         string(cur.Stage),
			Inputs:     map[string]any{"stage": cur.Stage},
		})
	}
	return cur, nil
}

// Current returns the entry of the stage the workflow occupies.
func (e *Engine) Current(ctx context.Context) (*models.StageEntry, error) {
	history, err := e.store.StageHistory(ctx)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errs.NotFound("stage", "current")
	}
	cur := history[len(history)-1]
	return &cur, nil
}

// History returns the full stage history, oldest first.
func (e *Engine) History(ctx context.Context) ([]models.StageEntry, error) {
	return e.store.StageHistory(ctx)
}

// Advance moves the workflow to target, the immediate successor of the
// current stage. A target the workflow already passed through returns the
// current entry unchanged. The first unmet precondition is returned as a
// *errs.TransitionError and nothing is written.
func (e *Engine) Advance(ctx context.Context, target models.Stage, confirmation *bool, actor string) (*models.StageEntry, error) {
	if actor == "" {
		return nil, errs.Governance("stage advance requires an actor")
	}

	if _, err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	history, err := e.store.StageHistory(ctx)
	if err != nil {
		return nil, err
	}
	cur := &history[len(history)-1]
	if reached(history, target) {
		return cur, nil
	}

	terr, err := e.check(ctx, cur.Stage, target, confirmation)
	if err != nil {
		return nil, err
	}
	if terr != nil {
		e.metrics.ObserveAdvance(string(terr.Precondition))
		e.logger.Info("stage advance refused",
			zap.String("from", string(cur.Stage)),
			zap.String("to", string(target)),
			zap.String("precondition", string(terr.Precondition)),
			zap.String("gate", terr.Gate),
			zap.String("actor", actor))
		e.record(ctx, audit.Entry{
			Action:     "stage.advance",
			Actor:      actor,
			EntityType: "stage",
			EntityID:   fmt.Sprint(cur.Seq),
			From:       string(cur.Stage),
			To:         string(target),
			Outcome:    audit.OutcomeDenied,
			Details:    terr.Error(),
			Inputs:     advanceInputs(target, confirmation),
		})
		return nil, terr
	}

	confirmed := confirmation != nil && *confirmation
	entry, err := e.store.AppendStage(ctx, cur.Seq, target, actor, confirmed)
	if errors.Is(err, errs.ErrConflict) {
		// Another advance committed first. Reaching the same target is success.
		latest, rerr := e.store.StageHistory(ctx)
		if rerr == nil && reached(latest, target) {
			return &latest[len(latest)-1], nil
		}
		e.metrics.ObserveAdvance("conflict")
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	e.metrics.ObserveAdvance("success")
	e.logger.Info("stage advanced",
		zap.String("from", string(cur.Stage)),
		zap.String("to", string(entry.Stage)),
		zap.Int("seq", entry.Seq),
		zap.String("actor", actor),
		zap.Duration("stage_age", entry.EnteredAt.Sub(cur.EnteredAt)))
	e.record(ctx, audit.Entry{
		Action:     "stage.advance",
		Actor:      actor,
		EntityType: "stage",
		EntityID:   fmt.Sprint(entry.Seq),
		From:       string(cur.Stage),
		To:         string(entry.Stage),
		Inputs:     advanceInputs(target, confirmation),
	})
	return entry, nil
}

// reached reports whether the workflow has ever entered target.
func reached(history []models.StageEntry, target models.Stage) bool {
	for _, h := range history {
		if h.Stage == target {
			return true
		}
	}
	return false
}

// check evaluates the stage-exit preconditions in order.
func (e *Engine) check(ctx context.Context, from, target models.Stage, confirmation *bool) (*errs.TransitionError, error) {
	fail := func(p errs.Precondition) *errs.TransitionError {
		return &errs.TransitionError{Precondition: p, From: string(from), To: string(target)}
	}

	curIdx, ok := e.index[from]
	if !ok {
		terr := fail(errs.PreconditionUnknownStage)
		terr.Detail = fmt.Sprintf("current stage %s is not in the configured sequence", from)
		return terr, nil
	}
	if curIdx == len(e.stages)-1 {
		return fail(errs.PreconditionAlreadyTerminal), nil
	}
	tIdx, known := e.index[target]
	if !known {
		return fail(errs.PreconditionUnknownStage), nil
	}
	if tIdx != curIdx+1 {
		terr := fail(errs.PreconditionNotSuccessor)
		terr.Detail = fmt.Sprintf("next stage is %s", e.stages[curIdx+1])
		return terr, nil
	}

	blocking, err := e.exitBlockers(ctx, from)
	if err != nil {
		return nil, err
	}
	if blocking != nil {
		blocking.From = string(from)
		blocking.To = string(target)
		return blocking, nil
	}

	if e.confirm[target] && (confirmation == nil || !*confirmation) {
		terr := fail(errs.PreconditionConfirmationRequired)
		terr.Detail = fmt.Sprintf("entering %s requires external confirmation", target)
		return terr, nil
	}
	return nil, nil
}

// exitBlockers returns the first review or dependency precondition that the
// artifacts of stage do not satisfy. Rejected artifacts are excluded.
func (e *Engine) exitBlockers(ctx context.Context, st models.Stage) (*errs.TransitionError, error) {
	artifacts, err := e.store.ListArtifacts(ctx, store.ArtifactFilter{Stage: st})
	if err != nil {
		return nil, fmt.Errorf("read artifacts: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, nil
	}

	items, err := e.store.ListReviewItems(ctx, store.ReviewFilter{})
	if err != nil {
		return nil, fmt.Errorf("read review items: %w", err)
	}
	approved := make(map[string]bool)
	openGate := make(map[string]string)
	for _, it := range items {
		switch it.Decision {
		case models.DecisionApproved:
			approved[it.ArtifactID] = true
		case models.DecisionPending:
			if _, seen := openGate[it.ArtifactID]; !seen {
				openGate[it.ArtifactID] = it.GateID
			}
		}
	}

	for _, a := range artifacts {
		if a.Status == models.ArtifactRejected || !a.RequiresReview || approved[a.ID] {
			continue
		}
		gate := openGate[a.ID]
		detail := fmt.Sprintf("artifact %s awaits a decision", a.ID)
		if gate == "" {
			gate = a.GateID
			detail = fmt.Sprintf("artifact %s has not been submitted for review", a.ID)
		}
		return &errs.TransitionError{
			Precondition: errs.PreconditionReviewPending,
			Gate:         gate,
			Artifact:     a.ID,
			Detail:       detail,
		}, nil
	}

	var all []models.Artifact
	for _, a := range artifacts {
		if a.Status == models.ArtifactRejected {
			continue
		}
		for _, dep := range a.DependsOn {
			if all == nil {
				all, err = e.store.ListArtifacts(ctx, store.ArtifactFilter{})
				if err != nil {
					return nil, fmt.Errorf("read artifacts: %w", err)
				}
			}
			status, found := statusOf(all, dep)
			if found && status == models.ArtifactActionable {
				continue
			}
			detail := fmt.Sprintf("%s depends on %s which does not exist", a.ID, dep)
			if found {
				detail = fmt.Sprintf("%s depends on %s which is %s", a.ID, dep, status)
			}
			return &errs.TransitionError{
				Precondition: errs.PreconditionDependencyUnsatisfied,
				Artifact:     a.ID,
				Dependency:   dep,
				Detail:       detail,
			}, nil
		}
	}
	return nil, nil
}

func statusOf(artifacts []models.Artifact, id string) (models.ArtifactStatus, bool) {
	for _, a := range artifacts {
		if a.ID == id {
			return a.Status, true
		}
	}
	return "", false
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if e.audit == nil {
		return
	}
	_, _ = e.audit.Record(ctx, entry)
}

func advanceInputs(target models.Stage, confirmation *bool) map[string]any {
	in := map[string]any{"target": target}
	if confirmation != nil {
		in["confirmation"] = *confirmation
	}
	return in
}
