// Package audit writes the append-only record of every state change.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/models"
)

// Outcomes recorded on audit events.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// Appender persists audit events. *store.Store satisfies it.
type Appender interface {
	AppendAudit(ctx context.Context, ev *models.AuditEvent) (*models.AuditEvent, error)
}

// Entry describes one state change to record.
type Entry struct {
	Action     string
	Actor      string
	EntityType string
	EntityID   string
	From       string
	To         string
	Outcome    string
	Details    string
	Inputs     any
}

// Writer records audit events.
type Writer struct {
	store  Appender
	logger *zap.Logger
}

// NewWriter creates a new audit writer.
func NewWriter(s Appender, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: s, logger: logger}
}

// Record writes an audit event for a state-mutating action. The state change
// it describes is already committed, so a failed write is logged and
// returned but never undoes it.
func (w *Writer) Record(ctx context.Context, e Entry) (*models.AuditEvent, error) {
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	ev, err := w.store.AppendAudit(ctx, &models.AuditEvent{
		ID:         uuid.New().String(),
		Action:     e.Action,
		Actor:      e.Actor,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		FromState:  e.From,
		ToState:    e.To,
		InputsHash: HashInputs(e.Inputs),
		Outcome:    e.Outcome,
		Details:    e.Details,
	})
	if err != nil {
		w.logger.Error("audit write failed",
			zap.String("action", e.Action),
			zap.String("entity_id", e.EntityID),
			zap.Error(err))
		return nil, err
	}

	w.logger.Debug("audit",
		zap.Int64("seq", ev.Seq),
		zap.String("action", ev.Action),
		zap.String("actor", ev.Actor),
		zap.String("entity_id", ev.EntityID),
		zap.String("from", ev.FromState),
		zap.String("to", ev.ToState),
		zap.String("outcome", ev.Outcome))
	return ev, nil
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
