package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/models"
)

const artifactColumns = `id, agent_id, stage, status, requires_review, gate_id, version, generated_at, updated_at`

// ArtifactFilter narrows ListArtifacts. Empty fields match everything.
type ArtifactFilter struct {
	Stage   models.Stage
	Status  models.ArtifactStatus
	AgentID string
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var a models.Artifact
	var requires int
	var gate sql.NullString
	if err := row.Scan(&a.ID, &a.AgentID, &a.Stage, &a.Status, &requires, &gate,
		&a.Version, &a.GeneratedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.RequiresReview = requires != 0
	a.GateID = gate.String
	a.GeneratedAt = a.GeneratedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// InsertArtifact records a new artifact and its declared dependencies.
func (s *Store) InsertArtifact(ctx context.Context, a *models.Artifact) (*models.Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	created, err := insertArtifactTx(ctx, tx, a, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// RecordOutputs inserts a report's artifacts and enqueues a PENDING review
// item for each artifact named in reviews, all in one transaction. Either
// every row is written or none is.
func (s *Store) RecordOutputs(ctx context.Context, artifacts []models.Artifact, reviews []models.ReviewItem) ([]models.Artifact, []models.ReviewItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	created := make([]models.Artifact, 0, len(artifacts))
	for i := range artifacts {
		a, err := insertArtifactTx(ctx, tx, &artifacts[i], now)
		if err != nil {
			return nil, nil, err
		}
		created = append(created, *a)
	}

	enqueued := make([]models.ReviewItem, 0, len(reviews))
	for i := range reviews {
		item, err := insertReviewItemTx(ctx, tx, &reviews[i], now)
		if err != nil {
			return nil, nil, err
		}
		enqueued = append(enqueued, *item)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return created, enqueued, nil
}

func insertArtifactTx(ctx context.Context, tx *sql.Tx, a *models.Artifact, now time.Time) (*models.Artifact, error) {
	if !a.Status.Valid() {
		return nil, errs.Invalid("artifact status %q", a.Status)
	}

	created := *a
	created.Version = 1
	created.UpdatedAt = now
	if created.GeneratedAt.IsZero() {
		created.GeneratedAt = created.UpdatedAt
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.AgentID, created.Stage, created.Status, boolInt(created.RequiresReview),
		nullString(created.GateID), created.Version, created.GeneratedAt.UTC(), created.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.Conflict("artifact %q already recorded", a.ID)
		}
		return nil, fmt.Errorf("insert artifact: %w", err)
	}

	for _, dep := range created.DependsOn {
		if dep == created.ID {
			return nil, errs.Invalid("artifact %q depends on itself", dep)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO artifact_deps (artifact_id, depends_on) VALUES (?, ?)`,
			created.ID, dep); err != nil {
			return nil, fmt.Errorf("insert dependency: %w", err)
		}
	}
	return &created, nil
}

// GetArtifact retrieves an artifact with its dependencies.
func (s *Store) GetArtifact(ctx context.Context, id string) (*models.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}

	deps, err := s.dependencies(ctx)
	if err != nil {
		return nil, err
	}
	a.DependsOn = deps[a.ID]
	return a, nil
}

// ListArtifacts returns artifacts matching f ordered by generation time.
func (s *Store) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]models.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	var where []string
	var args []any
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY generated_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deps, err := s.dependencies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range artifacts {
		artifacts[i].DependsOn = deps[artifacts[i].ID]
	}
	return artifacts, nil
}

// TransitionArtifact moves an artifact to status to, provided its current
// status is one of from. Any other current status is a conflict.
func (s *Store) TransitionArtifact(ctx context.Context, id string, from []models.ArtifactStatus, to models.ArtifactStatus) (*models.Artifact, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	a, err := transitionArtifactTx(ctx, tx, id, from, to, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return a, nil
}

func transitionArtifactTx(ctx context.Context, tx *sql.Tx, id string, from []models.ArtifactStatus, to models.ArtifactStatus, now time.Time) (*models.Artifact, error) {
	a, err := scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	if !containsStatus(from, a.Status) {
		return nil, errs.Conflict("artifact %q is %s, cannot become %s", id, a.Status, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE artifacts SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`, to, now, id, a.Version)
	if err != nil {
		return nil, fmt.Errorf("update artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.Conflict("artifact %q was modified concurrently", id)
	}

	a.Status = to
	a.Version++
	return a, nil
}

func containsStatus(set []models.ArtifactStatus, st models.ArtifactStatus) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func (s *Store) dependencies(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, depends_on FROM artifact_deps ORDER BY artifact_id, depends_on`)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps[id] = append(deps[id], dep)
	}
	return deps, rows.Err()
}

func (s *Store) artifactIDsForAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM artifacts WHERE agent_id = ? ORDER BY generated_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query agent artifacts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) artifactIDsByAgent(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, id FROM artifacts ORDER BY generated_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query artifacts by agent: %w", err)
	}
	defer rows.Close()

	owned := make(map[string][]string)
	for rows.Next() {
		var agentID, id string
		if err := rows.Scan(&agentID, &id); err != nil {
			return nil, err
		}
		owned[agentID] = append(owned[agentID], id)
	}
	return owned, rows.Err()
}
