package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/models"
)

const executionColumns = `id, channel, payload_ref, payload, dry_run, requested_by, approval, actor,
	rationale, decided_at, result, result_detail, executed_at, created_at`

func scanExecution(row rowScanner) (*models.ExecutionRequest, error) {
	var e models.ExecutionRequest
	var payload, actor, rationale, detail sql.NullString
	var dryRun int
	var decided, executed sql.NullTime
	if err := row.Scan(&e.ID, &e.Channel, &e.PayloadRef, &payload, &dryRun, &e.RequestedBy,
		&e.Approval, &actor, &rationale, &decided, &e.Result, &detail, &executed, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Payload = payload.String
	e.DryRun = dryRun != 0
	e.Actor = actor.String
	e.Rationale = rationale.String
	e.DecidedAt = timePtr(decided)
	e.ResultDetail = detail.String
	e.ExecutedAt = timePtr(executed)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// InsertExecution records a new PENDING execution request.
func (s *Store) InsertExecution(ctx context.Context, req *models.ExecutionRequest) (*models.ExecutionRequest, error) {
	created := *req
	created.Approval = models.DecisionPending
	created.Result = models.ExecutionNotRun
	created.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_requests (id, channel, payload_ref, payload, dry_run, requested_by, approval, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.Channel, created.PayloadRef, nullString(created.Payload), boolInt(created.DryRun),
		created.RequestedBy, created.Approval, created.Result, created.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.Conflict("execution request %q already exists", req.ID)
		}
		return nil, fmt.Errorf("insert execution request: %w", err)
	}
	return &created, nil
}

// GetExecution retrieves an execution request by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.ExecutionRequest, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("execution request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution request: %w", err)
	}
	return e, nil
}

// ListExecutions returns requests oldest first, optionally by approval state.
func (s *Store) ListExecutions(ctx context.Context, approval models.Decision) ([]models.ExecutionRequest, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_requests`
	var args []any
	if approval != "" {
		query += " WHERE approval = ?"
		args = append(args, approval)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.ExecutionRequest
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution request: %w", err)
		}
		reqs = append(reqs, *e)
	}
	return reqs, rows.Err()
}

// DecideExecution writes the approval decision once.
func (s *Store) DecideExecution(ctx context.Context, id string, decision models.Decision, actor, rationale string) (*models.ExecutionRequest, error) {
	if !decision.Terminal() {
		return nil, errs.Invalid("decision %q", decision)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("execution request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution request: %w", err)
	}
	if e.Approval != models.DecisionPending {
		return nil, fmt.Errorf("%w: execution %s is %s by %s", errs.ErrAlreadyDecided, id, e.Approval, e.Actor)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE execution_requests SET approval = ?, actor = ?, rationale = ?, decided_at = ?
		WHERE id = ? AND approval = ?`,
		decision, actor, nullString(rationale), now, id, models.DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("update execution request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: execution %s", errs.ErrAlreadyDecided, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	e.Approval = decision
	e.Actor = actor
	e.Rationale = rationale
	e.DecidedAt = &now
	return e, nil
}

// ClaimExecution moves an APPROVED request with no result to EXECUTING.
// A request that is not approved is a governance error; one that already
// has a result is a conflict.
func (s *Store) ClaimExecution(ctx context.Context, id string) (*models.ExecutionRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("execution request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution request: %w", err)
	}
	if e.Approval != models.DecisionApproved {
		return nil, errs.Governance("execution %s is %s, not approved", id, e.Approval)
	}
	if e.Result != models.ExecutionNotRun {
		return nil, errs.Conflict("execution %s already has result %s", id, e.Result)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE execution_requests SET result = ?
		WHERE id = ? AND approval = ? AND result = ?`,
		models.ExecutionExecuting, id, models.DecisionApproved, models.ExecutionNotRun)
	if err != nil {
		return nil, fmt.Errorf("claim execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.Conflict("execution %s claimed concurrently", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	e.Result = models.ExecutionExecuting
	return e, nil
}

// FinishExecution records the final result of a claimed request.
func (s *Store) FinishExecution(ctx context.Context, id string, result models.ExecutionResult, detail string) (*models.ExecutionRequest, error) {
	if result != models.ExecutionExecuted && result != models.ExecutionFailed {
		return nil, errs.Invalid("execution result %q", result)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_requests SET result = ?, result_detail = ?, executed_at = ?
		WHERE id = ? AND result = ?`,
		result, nullString(detail), s.now(), id, models.ExecutionExecuting)
	if err != nil {
		return nil, fmt.Errorf("finish execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.Conflict("execution %s is not executing", id)
	}
	return s.GetExecution(ctx, id)
}
