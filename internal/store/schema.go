package store

import (
	"context"
	"fmt"
)

// initSchema creates the tasks and task_events tables per spec §6.4.
// Unlike the teacher's multi-version migration ledger (schema_migrations
// with checksums across nine increments), the broker's schema is a
// single version: there is no installed base to migrate forward from,
// so CREATE TABLE IF NOT EXISTS is the whole story.
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			required_capability TEXT NOT NULL,
			fallback_capabilities TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			result BLOB,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			assigned_worker_id TEXT,
			retry_after DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			assigned_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim
			ON tasks (status, retry_after, priority DESC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_capability
			ON tasks (required_capability);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_worker
			ON tasks (assigned_worker_id);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events (task_id, event_id);`,
		`CREATE TABLE IF NOT EXISTS worker_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return tx.Commit()
}
