// Package review manages named approval gates for artifacts.
//
// Every decision carries a human actor. There is no path that approves
// without one, and bulk approval only exists as DecideBatch over an explicit
// list of item ids.
package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/store"
)

// Store is the review queue persistence.
type Store interface {
	InsertReviewItem(ctx context.Context, item *models.ReviewItem) (*models.ReviewItem, error)
	GetReviewItem(ctx context.Context, id string) (*models.ReviewItem, error)
	ListReviewItems(ctx context.Context, f store.ReviewFilter) ([]models.ReviewItem, error)
	DecideReview(ctx context.Context, d store.ReviewDecision) (*store.DecisionResult, error)
	PendingReviewCounts(ctx context.Context) (map[string]int, error)
}

// Manager is the sole writer of review decisions.
type Manager struct {
	store   Store
	audit   *audit.Writer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewManager creates a review gate manager.
func NewManager(s Store, w *audit.Writer, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, audit: w, metrics: m, logger: logger}
}

// Submit enqueues an artifact in a gate.
func (m *Manager) Submit(ctx context.Context, gate, artifactID string) (*models.ReviewItem, error) {
	if gate == "" || artifactID == "" {
		return nil, errs.Invalid("gate and artifact are required")
	}

	next := NewItem(gate, artifactID)
	item, err := m.store.InsertReviewItem(ctx, &next)
	if err != nil {
		return nil, err
	}
	m.Submitted(ctx, *item)
	return item, nil
}

// NewItem builds an unsaved PENDING item for callers that enqueue it in
// their own transaction. They must call Submitted once it is committed.
func NewItem(gate, artifactID string) models.ReviewItem {
	return models.ReviewItem{
		ID:         uuid.New().String(),
		GateID:     gate,
		ArtifactID: artifactID,
		Decision:   models.DecisionPending,
	}
}

// Submitted logs and audits a committed submission.
func (m *Manager) Submitted(ctx context.Context, item models.ReviewItem) {
	m.logger.Info("review submitted",
		zap.String("gate", item.GateID),
		zap.String("review_id", item.ID),
		zap.String("artifact_id", item.ArtifactID))
	m.record(ctx, audit.Entry{
		Action:     "review.submit",
		EntityType: "review",
		EntityID:   item.ID,
		To:         string(models.DecisionPending),
		Details:    fmt.Sprintf("artifact %s in gate %s", item.ArtifactID, item.GateID),
		Inputs:     map[string]string{"gate": item.GateID, "artifact": item.ArtifactID},
	})
}

// Decide records a human decision on a PENDING item. The first decision
// wins; later ones fail with errs.ErrAlreadyDecided.
func (m *Manager) Decide(ctx context.Context, gate, reviewID string, decision models.Decision, actor, rationale string) (*store.DecisionResult, error) {
	if err := checkDecision(decision, actor); err != nil {
		return nil, err
	}
	return m.decide(ctx, store.ReviewDecision{
		ItemID:    reviewID,
		GateID:    gate,
		Decision:  decision,
		Actor:     actor,
		Rationale: rationale,
	})
}

func (m *Manager) decide(ctx context.Context, d store.ReviewDecision) (*store.DecisionResult, error) {
	res, err := m.store.DecideReview(ctx, d)
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyDecided) {
			m.logger.Info("review already decided", zap.String("review_id", d.ItemID), zap.String("actor", d.Actor))
		}
		return nil, err
	}

	m.metrics.ObserveDecision(d.GateID, string(d.Decision))
	m.logger.Info("review decided",
		zap.String("gate", d.GateID),
		zap.String("review_id", d.ItemID),
		zap.String("decision", string(d.Decision)),
		zap.String("actor", d.Actor),
		zap.String("artifact_id", res.Artifact.ID),
		zap.String("artifact_status", string(res.Artifact.Status)),
		zap.String("batch_id", d.BatchID))
	m.record(ctx, audit.Entry{
		Action:     "review.decide",
		Actor:      d.Actor,
		EntityType: "review",
		EntityID:   d.ItemID,
		From:       string(models.DecisionPending),
		To:         string(d.Decision),
		Details:    d.Rationale,
		Inputs:     d,
	})
	if res.ArtifactWas != res.Artifact.Status {
		m.record(ctx, audit.Entry{
			Action:     "artifact.status",
			Actor:      d.Actor,
			EntityType: "artifact",
			EntityID:   res.Artifact.ID,
			From:       string(res.ArtifactWas),
			To:         string(res.Artifact.Status),
			Details:    "review " + d.ItemID,
			Inputs:     map[string]string{"review": d.ItemID, "decision": string(d.Decision)},
		})
	}
	return res, nil
}

// ItemResult is the outcome of one item in a batch.
type ItemResult struct {
	ReviewID   string `json:"review_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Applied    bool   `json:"applied"`
	Error      string `json:"error,omitempty"`
}

// BatchResult summarizes a batch decision.
type BatchResult struct {
	BatchID  string          `json:"batch_id"`
	Gate     string          `json:"gate"`
	Decision models.Decision `json:"decision"`
	Actor    string          `json:"actor"`
	Applied  int             `json:"applied"`
	Failed   int             `json:"failed"`
	Items    []ItemResult    `json:"items"`
}

// DecideBatch applies one decision to an explicit list of items under a
// shared batch id. Items fail independently.
func (m *Manager) DecideBatch(ctx context.Context, gate string, ids []string, decision models.Decision, actor, rationale string) (*BatchResult, error) {
	if err := checkDecision(decision, actor); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errs.Governance("batch decision requires an explicit list of review ids")
	}

	result := &BatchResult{
		BatchID:  uuid.New().String(),
		Gate:     gate,
		Decision: decision,
		Actor:    actor,
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		item := ItemResult{ReviewID: id}
		res, err := m.decide(ctx, store.ReviewDecision{
			ItemID:    id,
			GateID:    gate,
			Decision:  decision,
			Actor:     actor,
			Rationale: rationale,
			BatchID:   result.BatchID,
		})
		if err != nil {
			item.Error = err.Error()
			result.Failed++
		} else {
			item.Applied = true
			item.ArtifactID = res.Artifact.ID
			item.AgentID = res.Artifact.AgentID
			result.Applied++
		}
		result.Items = append(result.Items, item)
	}

	m.logger.Info("review batch decided",
		zap.String("batch_id", result.BatchID),
		zap.String("gate", gate),
		zap.String("decision", string(decision)),
		zap.String("actor", actor),
		zap.Int("applied", result.Applied),
		zap.Int("failed", result.Failed))
	outcome := audit.OutcomeSuccess
	if result.Applied == 0 {
		outcome = audit.OutcomeFailed
	}
	m.record(ctx, audit.Entry{
		Action:     "review.batch",
		Actor:      actor,
		EntityType: "review_batch",
		EntityID:   result.BatchID,
		To:         string(decision),
		Outcome:    outcome,
		Details:    fmt.Sprintf("gate %s: %d applied, %d failed", gate, result.Applied, result.Failed),
		Inputs:     map[string]any{"gate": gate, "ids": ids, "decision": decision, "rationale": rationale},
	})
	return result, nil
}

// Pending returns the open items of a gate, oldest first. An empty gate
// lists every gate.
func (m *Manager) Pending(ctx context.Context, gate string) ([]models.ReviewItem, error) {
	return m.store.ListReviewItems(ctx, store.ReviewFilter{GateID: gate, Decision: models.DecisionPending})
}

// Items returns every item of a gate, decided or not, oldest first.
func (m *Manager) Items(ctx context.Context, gate string) ([]models.ReviewItem, error) {
	return m.store.ListReviewItems(ctx, store.ReviewFilter{GateID: gate})
}

// Get returns one review item.
func (m *Manager) Get(ctx context.Context, id string) (*models.ReviewItem, error) {
	return m.store.GetReviewItem(ctx, id)
}

// PendingCounts returns open items per gate.
func (m *Manager) PendingCounts(ctx context.Context) (map[string]int, error) {
	return m.store.PendingReviewCounts(ctx)
}

func checkDecision(decision models.Decision, actor string) error {
	if actor == "" {
		return errs.Governance("decision requires an actor")
	}
	if !decision.Terminal() {
		return errs.Governance("decision must be %s or %s, got %q", models.DecisionApproved, models.DecisionRejected, decision)
	}
	return nil
}

func (m *Manager) record(ctx context.Context, e audit.Entry) {
	if m.audit == nil {
		return
	}
	_, _ = m.audit.Record(ctx, e)
}
