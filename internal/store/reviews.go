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

const reviewColumns = `id, gate_id, artifact_id, submitted_at, decision, actor, rationale, decided_at, batch_id`

// ReviewFilter narrows ListReviewItems. Empty fields match everything.
type ReviewFilter struct {
	GateID     string
	ArtifactID string
	Decision   models.Decision
}

// ReviewDecision carries the fields written exactly once by a decision.
type ReviewDecision struct {
	ItemID    string
	GateID    string
	Decision  models.Decision
	Actor     string
	Rationale string
	BatchID   string
}

// DecisionResult is the committed state after a decision.
type DecisionResult struct {
	Item        models.ReviewItem     `json:"item"`
	Artifact    models.Artifact       `json:"artifact"`
	ArtifactWas models.ArtifactStatus `json:"artifact_was"`
}

func scanReviewItem(row rowScanner) (*models.ReviewItem, error) {
	var r models.ReviewItem
	var actor, rationale, batch sql.NullString
	var decided sql.NullTime
	if err := row.Scan(&r.ID, &r.GateID, &r.ArtifactID, &r.SubmittedAt, &r.Decision,
		&actor, &rationale, &decided, &batch); err != nil {
		return nil, err
	}
	r.SubmittedAt = r.SubmittedAt.UTC()
	r.Actor = actor.String
	r.Rationale = rationale.String
	r.BatchID = batch.String
	r.DecidedAt = timePtr(decided)
	return &r, nil
}

// InsertReviewItem enqueues a PENDING item. The artifact must exist, must not
// be REJECTED or ARCHIVED and must not already have an open item in the same
// gate.
func (s *Store) InsertReviewItem(ctx context.Context, item *models.ReviewItem) (*models.ReviewItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	created, err := insertReviewItemTx(ctx, tx, item, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func insertReviewItemTx(ctx context.Context, tx *sql.Tx, item *models.ReviewItem, now time.Time) (*models.ReviewItem, error) {
	var status models.ArtifactStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM artifacts WHERE id = ?`, item.ArtifactID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("artifact", item.ArtifactID)
	}
	if err != nil {
		return nil, fmt.Errorf("check artifact: %w", err)
	}
	if settled(status) {
		return nil, errs.Conflict("artifact %q is %s and cannot be reviewed", item.ArtifactID, status)
	}

	var openID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM review_items
		WHERE gate_id = ? AND artifact_id = ? AND decision = ?`,
		item.GateID, item.ArtifactID, models.DecisionPending).Scan(&openID)
	if err == nil {
		return nil, fmt.Errorf("%w: artifact %q already open in gate %s as %s",
			errs.ErrDuplicateSubmission, item.ArtifactID, item.GateID, openID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check open item: %w", err)
	}

	created := *item
	created.Decision = models.DecisionPending
	created.SubmittedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_items (id, gate_id, artifact_id, submitted_at, decision)
		VALUES (?, ?, ?, ?, ?)`,
		created.ID, created.GateID, created.ArtifactID, created.SubmittedAt, created.Decision)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: artifact %q in gate %s", errs.ErrDuplicateSubmission, item.ArtifactID, item.GateID)
		}
		return nil, fmt.Errorf("insert review item: %w", err)
	}
	return &created, nil
}

// GetReviewItem retrieves a review item by id.
func (s *Store) GetReviewItem(ctx context.Context, id string) (*models.ReviewItem, error) {
	r, err := scanReviewItem(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("review item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get review item: %w", err)
	}
	return r, nil
}

// ListReviewItems returns matching items oldest first.
func (s *Store) ListReviewItems(ctx context.Context, f ReviewFilter) ([]models.ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_items`
	var where []string
	var args []any
	if f.GateID != "" {
		where = append(where, "gate_id = ?")
		args = append(args, f.GateID)
	}
	if f.ArtifactID != "" {
		where = append(where, "artifact_id = ?")
		args = append(args, f.ArtifactID)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()

	var items []models.ReviewItem
	for rows.Next() {
		r, err := scanReviewItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review item: %w", err)
		}
		items = append(items, *r)
	}
	return items, rows.Err()
}

// PendingReviewCounts returns the number of PENDING items per gate.
func (s *Store) PendingReviewCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gate_id, COUNT(*) FROM review_items WHERE decision = ? GROUP BY gate_id`,
		models.DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("count pending reviews: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var gate string
		var n int
		if err := rows.Scan(&gate, &n); err != nil {
			return nil, err
		}
		counts[gate] = n
	}
	return counts, rows.Err()
}

// HasPendingReviewsForAgent reports whether any artifact of the agent still
// has a PENDING review item.
func (s *Store) HasPendingReviewsForAgent(ctx context.Context, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM review_items r
		JOIN artifacts a ON a.id = r.artifact_id
		WHERE a.agent_id = ? AND r.decision = ?`, agentID, models.DecisionPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count agent reviews: %w", err)
	}
	return n > 0, nil
}

// DecideReview writes a decision onto a PENDING item and moves the linked
// artifact in the same transaction. The first committed decision wins; any
// later attempt observes errs.ErrAlreadyDecided.
func (s *Store) DecideReview(ctx context.Context, d ReviewDecision) (*DecisionResult, error) {
	if !d.Decision.Terminal() {
		return nil, errs.Invalid("decision %q", d.Decision)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := scanReviewItem(tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_items WHERE id = ?`, d.ItemID))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && item.GateID != d.GateID) {
		return nil, errs.NotFound("review item", d.ItemID)
	}
	if err != nil {
		return nil, fmt.Errorf("get review item: %w", err)
	}
	if item.Decision != models.DecisionPending {
		return nil, fmt.Errorf("%w: review %s is %s by %s", errs.ErrAlreadyDecided, item.ID, item.Decision, item.Actor)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE review_items
		SET decision = ?, actor = ?, rationale = ?, decided_at = ?, batch_id = ?
		WHERE id = ? AND decision = ?`,
		d.Decision, d.Actor, nullString(d.Rationale), now, nullString(d.BatchID),
		d.ItemID, models.DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("update review item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: review %s", errs.ErrAlreadyDecided, d.ItemID)
	}

	var from []models.ArtifactStatus
	var to models.ArtifactStatus
	if d.Decision == models.DecisionApproved {
		from = []models.ArtifactStatus{models.ArtifactSpeculative, models.ArtifactNonAuthoritative, models.ArtifactActionable}
		to = models.ArtifactActionable
	} else {
		from = []models.ArtifactStatus{models.ArtifactSpeculative, models.ArtifactNonAuthoritative, models.ArtifactActionable}
		to = models.ArtifactRejected
	}

	before, err := scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, item.ArtifactID))
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	// An artifact settled by another gate keeps its status; the item is
	// still closed so it no longer counts as pending.
	artifact := before
	if !settled(before.Status) {
		if artifact, err = transitionArtifactTx(ctx, tx, item.ArtifactID, from, to, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	item.Decision = d.Decision
	item.Actor = d.Actor
	item.Rationale = d.Rationale
	item.DecidedAt = &now
	item.BatchID = d.BatchID
	return &DecisionResult{Item: *item, Artifact: *artifact, ArtifactWas: before.Status}, nil
}

// settled reports whether no review decision can change an artifact in st.
func settled(st models.ArtifactStatus) bool {
	return st == models.ArtifactRejected || st == models.ArtifactArchived
}
