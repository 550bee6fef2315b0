// Package execgate gates side-effecting actions behind an explicit human
// approval and runs them through a named connector channel at most once.
package execgate

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/audit"
	"github.com/fentz26/lexgate/internal/connectors"
	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
)

// maxDetail bounds the hook output kept in result_detail.
const maxDetail = 2048

// Store is the execution request persistence.
type Store interface {
	InsertExecution(ctx context.Context, req *models.ExecutionRequest) (*models.ExecutionRequest, error)
	GetExecution(ctx context.Context, id string) (*models.ExecutionRequest, error)
	ListExecutions(ctx context.Context, approval models.Decision) ([]models.ExecutionRequest, error)
	DecideExecution(ctx context.Context, id string, decision models.Decision, actor, rationale string) (*models.ExecutionRequest, error)
	ClaimExecution(ctx context.Context, id string) (*models.ExecutionRequest, error)
	FinishExecution(ctx context.Context, id string, result models.ExecutionResult, detail string) (*models.ExecutionRequest, error)
}

// Channels resolves a channel adapter by name.
type Channels interface {
	Get(name string) (connectors.Channel, bool)
}

// RequestInput describes a new execution request.
type RequestInput struct {
	Channel     string `json:"channel"`
	PayloadRef  string `json:"payload_ref"`
	Payload     string `json:"payload,omitempty"`
	DryRun      bool   `json:"dry_run"`
	RequestedBy string `json:"requested_by"`
}

// Outcome is the result of Execute.
type Outcome struct {
	Request   *models.ExecutionRequest    `json:"request"`
	Delivery  *connectors.DeliveryOutcome `json:"delivery,omitempty"`
	Simulated bool                        `json:"simulated"`
}

// Gate is the sole writer of execution approvals and results.
type Gate struct {
	store    Store
	channels Channels
	audit    *audit.Writer
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates an execution gate.
func New(s Store, channels Channels, w *audit.Writer, m *metrics.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: s, channels: channels, audit: w, metrics: m, logger: logger}
}

// Request records a PENDING execution request. Nothing runs until a human
// approves it.
func (g *Gate) Request(ctx context.Context, in RequestInput) (*models.ExecutionRequest, error) {
	if in.Channel == "" {
		return nil, errs.Invalid("channel is required")
	}
	if in.RequestedBy == "" {
		return nil, errs.Invalid("requested_by is required")
	}

	req, err := g.store.InsertExecution(ctx, &models.ExecutionRequest{
		ID:          uuid.New().String(),
		Channel:     in.Channel,
		PayloadRef:  in.PayloadRef,
		Payload:     in.Payload,
		DryRun:      in.DryRun,
		RequestedBy: in.RequestedBy,
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("execution requested",
		zap.String("request_id", req.ID),
		zap.String("channel", req.Channel),
		zap.String("payload_ref", req.PayloadRef),
		zap.Bool("dry_run", req.DryRun),
		zap.String("requested_by", req.RequestedBy))
	g.record(ctx, audit.Entry{
		Action:     "execution.request",
		Actor:      in.RequestedBy,
		EntityType: "execution",
		EntityID:   req.ID,
		To:         string(models.DecisionPending),
		Details:    fmt.Sprintf("channel %s, payload %s", in.Channel, in.PayloadRef),
		Inputs:     in,
	})
	return req, nil
}

// Approve records an approval. The first decision wins.
func (g *Gate) Approve(ctx context.Context, id, actor, rationale string) (*models.ExecutionRequest, error) {
	return g.decide(ctx, id, models.DecisionApproved, actor, rationale)
}

// Reject records a rejection. A rejected request never runs.
func (g *Gate) Reject(ctx context.Context, id, actor, rationale string) (*models.ExecutionRequest, error) {
	return g.decide(ctx, id, models.DecisionRejected, actor, rationale)
}

func (g *Gate) decide(ctx context.Context, id string, decision models.Decision, actor, rationale string) (*models.ExecutionRequest, error) {
	if actor == "" {
		return nil, errs.Governance("execution decision requires an actor")
	}

	req, err := g.store.DecideExecution(ctx, id, decision, actor, rationale)
	if err != nil {
		return nil, err
	}

	g.metrics.ObserveDecision("execution", string(decision))
	g.logger.Info("execution decided",
		zap.String("request_id", id),
		zap.String("decision", string(decision)),
		zap.String("actor", actor))
	g.record(ctx, audit.Entry{
		Action:     "execution.decide",
		Actor:      actor,
		EntityType: "execution",
		EntityID:   id,
		From:       string(models.DecisionPending),
		To:         string(decision),
		Details:    rationale,
		Inputs:     map[string]string{"decision": string(decision), "rationale": rationale},
	})
	return req, nil
}

// Execute runs an APPROVED request once. A dry run only logs the simulated
// delivery. Channel failures are recorded as FAILED and not retried, so the
// returned error is only set when the request could not be claimed or its
// result could not be stored.
func (g *Gate) Execute(ctx context.Context, id, actor string) (*Outcome, error) {
	if actor == "" {
		return nil, errs.Governance("execution requires an actor")
	}

	req, err := g.store.ClaimExecution(ctx, id)
	if err != nil {
		g.record(ctx, audit.Entry{
			Action:     "execution.execute",
			Actor:      actor,
			EntityType: "execution",
			EntityID:   id,
			Outcome:    audit.OutcomeDenied,
			Details:    err.Error(),
		})
		return nil, err
	}

	out := &Outcome{}
	result, detail := g.deliver(ctx, req, out)

	// The claim is already durable; a canceled caller must not leave the
	// request stuck in EXECUTING.
	ctx = context.WithoutCancel(ctx)
	final, err := g.store.FinishExecution(ctx, id, result, detail)
	if err != nil {
		g.logger.Error("failed to record execution result",
			zap.String("request_id", id),
			zap.String("result", string(result)),
			zap.Error(err))
		return nil, fmt.Errorf("record execution result: %w", err)
	}
	out.Request = final

	label := string(result)
	if out.Simulated {
		label = "simulated"
	}
	g.metrics.ObserveExecution(label)

	outcome := audit.OutcomeSuccess
	if result == models.ExecutionFailed {
		outcome = audit.OutcomeFailed
	}
	g.record(ctx, audit.Entry{
		Action:     "execution.execute",
		Actor:      actor,
		EntityType: "execution",
		EntityID:   id,
		From:       string(models.ExecutionExecuting),
		To:         string(result),
		Outcome:    outcome,
		Details:    detail,
		Inputs:     map[string]any{"channel": req.Channel, "payload_ref": req.PayloadRef, "dry_run": req.DryRun},
	})
	return out, nil
}

func (g *Gate) deliver(ctx context.Context, req *models.ExecutionRequest, out *Outcome) (models.ExecutionResult, string) {
	if req.DryRun {
		out.Simulated = true
		g.logger.Info("simulated delivery",
			zap.String("request_id", req.ID),
			zap.String("channel", req.Channel),
			zap.String("payload_ref", req.PayloadRef),
			zap.Int("payload_bytes", len(req.Payload)))
		return models.ExecutionExecuted, "dry run: delivery simulated"
	}

	var ch connectors.Channel
	var ok bool
	if g.channels != nil {
		ch, ok = g.channels.Get(req.Channel)
	}
	if !ok {
		g.logger.Warn("unknown execution channel",
			zap.String("request_id", req.ID),
			zap.String("channel", req.Channel))
		return models.ExecutionFailed, fmt.Sprintf("unknown channel %q", req.Channel)
	}

	delivery, err := ch.Deliver(ctx, req.ID, req.Payload)
	out.Delivery = delivery
	if err != nil {
		g.logger.Error("delivery failed",
			zap.String("request_id", req.ID),
			zap.String("channel", req.Channel),
			zap.Error(err))
		detail := err.Error()
		if delivery != nil && delivery.Stderr != "" {
			detail += ": " + strings.TrimSpace(delivery.Stderr)
		}
		return models.ExecutionFailed, truncate(detail)
	}

	g.logger.Info("delivered",
		zap.String("request_id", req.ID),
		zap.String("channel", req.Channel))
	detail := "delivered via " + req.Channel
	if delivery != nil && delivery.Stdout != "" {
		detail += ": " + strings.TrimSpace(delivery.Stdout)
	}
	return models.ExecutionExecuted, truncate(detail)
}

// Get returns one request.
func (g *Gate) Get(ctx context.Context, id string) (*models.ExecutionRequest, error) {
	return g.store.GetExecution(ctx, id)
}

// List returns requests oldest first, filtered by approval state when set.
func (g *Gate) List(ctx context.Context, approval models.Decision) ([]models.ExecutionRequest, error) {
	return g.store.ListExecutions(ctx, approval)
}

func (g *Gate) record(ctx context.Context, e audit.Entry) {
	if g.audit == nil {
		return
	}
	_, _ = g.audit.Record(ctx, e)
}

func truncate(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	n := maxDetail
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
