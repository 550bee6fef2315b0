package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/lexgate/internal/errs"
	"github.com/fentz26/lexgate/internal/models"
)

// StageHistory returns every stage entry in sequence order. ExitedAt is
// derived from the following entry.
func (s *Store) StageHistory(ctx context.Context) ([]models.StageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stage, entered_at, actor, confirmation
		FROM stage_history ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query stage history: %w", err)
	}
	defer rows.Close()

	var history []models.StageEntry
	for rows.Next() {
		var e models.StageEntry
		var actor sql.NullString
		var confirmation int
		if err := rows.Scan(&e.Seq, &e.Stage, &e.EnteredAt, &actor, &confirmation); err != nil {
			return nil, fmt.Errorf("scan stage entry: %w", err)
		}
		e.EnteredAt = e.EnteredAt.UTC()
		e.Actor = actor.String
		e.Confirmation = confirmation != 0
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 0; i+1 < len(history); i++ {
		exited := history[i+1].EnteredAt
		history[i].ExitedAt = &exited
	}
	return history, nil
}

// InitStage records the first stage if the history is empty. It reports
// whether a row was written.
func (s *Store) InitStage(ctx context.Context, stage models.Stage, actor string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO stage_history (seq, stage, entered_at, actor, confirmation)
		VALUES (1, ?, ?, ?, 0)`, stage, s.now(), nullString(actor))
	if err != nil {
		return false, fmt.Errorf("init stage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AppendStage appends a stage entry after expectedSeq. If another writer has
// already appended past expectedSeq the call fails with errs.ErrConflict.
func (s *Store) AppendStage(ctx context.Context, expectedSeq int, stage models.Stage, actor string, confirmation bool) (*models.StageEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM stage_history`).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read stage head: %w", err)
	}
	if int(maxSeq.Int64) != expectedSeq {
		return nil, errs.Conflict("stage history moved from seq %d to %d", expectedSeq, maxSeq.Int64)
	}

	entry := &models.StageEntry{
		Seq:          expectedSeq + 1,
		Stage:        stage,
		EnteredAt:    s.now(),
		Actor:        actor,
		Confirmation: confirmation,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_history (seq, stage, entered_at, actor, confirmation)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Seq, entry.Stage, entry.EnteredAt, nullString(actor), boolInt(confirmation))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.Conflict("stage seq %d already written", entry.Seq)
		}
		return nil, fmt.Errorf("append stage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}
