// Package store provides SQLite-backed persistence for lexgate.
//
// Every mutation is a read-check-write inside a transaction, finished by a
// conditional UPDATE whose RowsAffected decides the winner. A losing writer
// always observes an errs sentinel; nothing is silently overwritten.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides access to the lexgate SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL for concurrent readers; busy_timeout so writers queue instead of failing.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// SetClock replaces the clock used for bookkeeping timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stage_history (
		seq INTEGER PRIMARY KEY,
		stage TEXT NOT NULL,
		entered_at DATETIME NOT NULL,
		actor TEXT,
		confirmation INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		status_reason TEXT,
		pid INTEGER NOT NULL DEFAULT 0,
		last_heartbeat DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		requires_review INTEGER NOT NULL DEFAULT 0,
		gate_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		generated_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifact_deps (
		artifact_id TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		PRIMARY KEY (artifact_id, depends_on),
		FOREIGN KEY (artifact_id) REFERENCES artifacts(id)
	);

	CREATE TABLE IF NOT EXISTS review_items (
		id TEXT PRIMARY KEY,
		gate_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		decision TEXT NOT NULL DEFAULT 'PENDING',
		actor TEXT,
		rationale TEXT,
		decided_at DATETIME,
		batch_id TEXT,
		FOREIGN KEY (artifact_id) REFERENCES artifacts(id)
	);

	CREATE TABLE IF NOT EXISTS execution_requests (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		payload_ref TEXT NOT NULL,
		payload TEXT,
		dry_run INTEGER NOT NULL DEFAULT 1,
		requested_by TEXT NOT NULL,
		approval TEXT NOT NULL DEFAULT 'PENDING',
		actor TEXT,
		rationale TEXT,
		decided_at DATETIME,
		result TEXT NOT NULL DEFAULT '',
		result_detail TEXT,
		executed_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		action TEXT NOT NULL,
		actor TEXT,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		from_state TEXT,
		to_state TEXT,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_review_items_open ON review_items(gate_id, artifact_id) WHERE decision = 'PENDING';
	CREATE INDEX IF NOT EXISTS idx_review_items_gate ON review_items(gate_id, submitted_at);
	CREATE INDEX IF NOT EXISTS idx_artifacts_stage ON artifacts(stage);
	CREATE INDEX IF NOT EXISTS idx_artifacts_agent ON artifacts(agent_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_events(entity_type, entity_id);

	CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
	BEGIN SELECT RAISE(ABORT, 'audit events are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
	BEGIN SELECT RAISE(ABORT, 'audit events are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS stage_history_no_update BEFORE UPDATE ON stage_history
	BEGIN SELECT RAISE(ABORT, 'stage history is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS stage_history_no_delete BEFORE DELETE ON stage_history
	BEGIN SELECT RAISE(ABORT, 'stage history is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS agents_no_delete BEFORE DELETE ON agents
	BEGIN SELECT RAISE(ABORT, 'agents are never deleted'); END;
	CREATE TRIGGER IF NOT EXISTS artifacts_no_delete BEFORE DELETE ON artifacts
	BEGIN SELECT RAISE(ABORT, 'artifacts are never deleted'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique") ||
		strings.Contains(msg, "primary key")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
