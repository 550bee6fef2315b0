package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/models"
)

const agentColumns = `id, type, status, status_reason, pid, last_heartbeat, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var reason sql.NullString
	var heartbeat sql.NullTime
	if err := row.Scan(&a.ID, &a.Type, &a.Status, &reason, &a.PID, &heartbeat,
		&a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.StatusReason = reason.String
	if heartbeat.Valid {
		a.LastHeartbeat = heartbeat.Time.UTC()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// InsertAgent creates a registry entry. An existing id is a conflict.
func (s *Store) InsertAgent(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	now := s.now()
	created := *a
	created.Version = 1
	created.CreatedAt = now
	created.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.Type, created.Status, nullString(created.StatusReason), created.PID,
		nullTime(&created.LastHeartbeat), created.Version, created.CreatedAt, created.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.Conflict("agent %q already registered", a.ID)
		}
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	created.Artifacts = nil
	return &created, nil
}

// GetAgent retrieves an agent with its artifact ids.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}

	ids, err := s.artifactIDsForAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Artifacts = ids
	return a, nil
}

// ListAgents returns all agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	owned, err := s.artifactIDsByAgent(ctx)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		agents[i].Artifacts = owned[agents[i].ID]
	}
	return agents, nil
}

// UpdateAgent writes the mutable fields of a, provided the stored version
// still equals a.Version. A stale version yields errs.ErrConflict.
func (s *Store) UpdateAgent(ctx context.Context, a *models.Agent) (*models.Agent, error) {
	updated := *a
	updated.UpdatedAt = s.now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET status = ?, status_reason = ?, pid = ?, last_heartbeat = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		updated.Status, nullString(updated.StatusReason), updated.PID, nullTime(&updated.LastHeartbeat),
		updated.UpdatedAt, updated.ID, a.Version)
	if err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, a.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("agent", a.ID)
		}
		return nil, errs.Conflict("agent %q was modified concurrently", a.ID)
	}

	updated.Version = a.Version + 1
	return &updated, nil
}
