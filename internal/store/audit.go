package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/lexgate/internal/models"
)

// AuditFilter narrows ListAudit. Limit <= 0 means 100.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Limit      int
}

// AppendAudit writes an audit event. The table only ever receives INSERTs.
func (s *Store) AppendAudit(ctx context.Context, ev *models.AuditEvent) (*models.AuditEvent, error) {
	written := *ev
	if written.Timestamp.IsZero() {
		written.Timestamp = s.now()
	}
	written.Timestamp = written.Timestamp.UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, action, actor, entity_type, entity_id, from_state, to_state,
			inputs_hash, outcome, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		written.ID, written.Action, nullString(written.Actor), written.EntityType, nullString(written.EntityID),
		nullString(written.FromState), nullString(written.ToState), written.InputsHash, written.Outcome,
		nullString(written.Details), written.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("audit seq: %w", err)
	}
	written.Seq = seq
	return &written, nil
}

// ListAudit returns the most recent events first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT seq, id, action, actor, entity_type, entity_id, from_state, to_state,
		inputs_hash, outcome, details, timestamp FROM audit_events`
	var args []any
	switch {
	case f.EntityType != "" && f.EntityID != "":
		query += " WHERE entity_type = ? AND entity_id = ?"
		args = append(args, f.EntityType, f.EntityID)
	case f.EntityType != "":
		query += " WHERE entity_type = ?"
		args = append(args, f.EntityType)
	case f.EntityID != "":
		query += " WHERE entity_id = ?"
		args = append(args, f.EntityID)
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var actor, entityID, from, to, details sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Action, &actor, &ev.EntityType, &entityID,
			&from, &to, &ev.InputsHash, &ev.Outcome, &details, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Actor = actor.String
		ev.EntityID = entityID.String
		ev.FromState = from.String
		ev.ToState = to.String
		ev.Details = details.String
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
