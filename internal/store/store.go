// Package store is the durable Task Store (spec §4.1): capability-indexed,
// priority+FIFO persistence for broker tasks, backed by SQLite the same
// way the teacher's internal/persistence package backs session state —
// database/sql + mattn/go-sqlite3, WAL mode, and a guarded-UPDATE in
// place of SELECT ... FOR UPDATE SKIP LOCKED.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/shared"
)

// Store persists domain.Task rows and publishes lifecycle events on an
// Event Bus (nil bus is valid: tests and offline tooling run without one).
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// Open opens (creating if necessary) a SQLite-backed Store at path.
// path == ":memory:" is the in-memory DSN tests use.
func Open(ctx context.Context, path string, eventBus *bus.Bus) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying database handle for components that need
// to write their own tables against the same connection (internal/audit's
// worker_audit_log dual-write).
func (s *Store) DB() *sql.DB { return s.db }

// Ping satisfies the "store unavailable" error kind of spec §7: callers
// (admission probes, dispatcher startup) check liveness before relying
// on the store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, the same
// bounded-jitter backoff the teacher uses around its own guarded
// updates (persistence.retryOnBusy), since plain SQLite serializes
// writers at the file level.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 250 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// Enqueue persists a new pending task (spec §4.1 "enqueue").
func (s *Store) Enqueue(ctx context.Context, kind domain.Kind, capability string, fallbacks []string, priority int, payload []byte, maxRetries int) (string, error) {
	task := &domain.Task{
		ID:                   uuid.NewString(),
		Kind:                 kind,
		Status:               domain.StatusPending,
		RequiredCapability:   capability,
		FallbackCapabilities: fallbacks,
		Priority:             priority,
		Payload:              payload,
		MaxRetries:           maxRetries,
	}
	fallbackJSON, err := task.MarshalFallbacks()
	if err != nil {
		return "", fmt.Errorf("marshal fallbacks: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, kind, status, required_capability, fallback_capabilities,
				priority, payload, retry_count, max_retries, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP);
		`, task.ID, string(task.Kind), string(domain.StatusPending), task.RequiredCapability,
			fallbackJSON, task.Priority, task.Payload, task.MaxRetries); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, task.ID, "", domain.StatusPending, "task.enqueued", nil); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(bus.ChannelTaskQueued, bus.TaskEvent{TaskID: task.ID, Kind: string(task.Kind), Status: string(domain.StatusPending)})
	}
	return task.ID, nil
}

// Get returns a single task by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id)
	var task domain.Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ClaimNext atomically selects and assigns the highest-priority eligible
// pending task for workerID among capabilities (spec §4.1 "claim_next",
// I6'). It is the same select-then-guarded-UPDATE shape the teacher's
// claimNextPendingTask uses in lieu of SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimNext(ctx context.Context, capabilities []string, workerID string, now time.Time) (*domain.Task, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	var result *domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		candidates, err := queryEligibleCandidates(ctx, tx, capabilities, now)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			result = nil
			return nil
		}
		chosen := candidates[0]

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, assigned_worker_id = ?, assigned_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(domain.StatusAssigned), workerID, chosen.ID, string(domain.StatusPending))
		if err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("assign rows affected: %w", err)
		}
		if n == 0 {
			// Lost the race to another claimer; caller loops (§4.5 "Claim").
			result = nil
			return nil
		}
		if err := s.appendEventTx(ctx, tx, chosen.ID, domain.StatusPending, domain.StatusAssigned, "task.claimed", nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}

		chosen.Status = domain.StatusAssigned
		chosen.AssignedWorkerID = workerID
		assignedAt := now
		chosen.AssignedAt = &assignedAt
		result = chosen
		return nil
	})
	return result, err
}

// PeekEligible reports the single highest-priority eligible task across
// capabilities without claiming it (spec §4.5 "Gather eligible
// capabilities"/"Claim": the global candidate is chosen before a worker
// session is picked for it, not the other way around). Callers that go
// on to claim it still race every other claimer, so a nil result or a
// different task than expected from a subsequent ClaimNext is normal,
// not an error.
func (s *Store) PeekEligible(ctx context.Context, capabilities []string) (*domain.Task, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	var result *domain.Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return fmt.Errorf("begin peek tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		candidates, err := queryEligibleCandidates(ctx, tx, capabilities, time.Now())
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			result = nil
			return nil
		}
		result = candidates[0]
		return nil
	})
	return result, err
}

// queryEligibleCandidates implements claim_next's eligibility predicate:
// pending, not delayed past retry_after, and capability-matched, ordered
// priority DESC, created_at ASC. Capability matching happens in Go
// rather than SQL because fallback_capabilities is a JSON-encoded
// column (no native array type, same constraint the teacher works
// around for its own sidecar JSON columns).
func queryEligibleCandidates(ctx context.Context, tx *sql.Tx, capabilities []string, now time.Time) ([]*domain.Task, error) {
	rows, err := tx.QueryContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE status = ? AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY priority DESC, created_at ASC;
	`, string(domain.StatusPending), now)
	if err != nil {
		return nil, fmt.Errorf("query eligible tasks: %w", err)
	}
	defer rows.Close()

	capSet := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = struct{}{}
	}

	var matches []*domain.Task
	for rows.Next() {
		var task domain.Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan eligible task: %w", err)
		}
		for _, c := range task.CapabilityChain() {
			if _, ok := capSet[c]; ok {
				t := task
				t.MatchedCapability = c
				matches = append(matches, &t)
				break
			}
		}
		if len(matches) > 0 {
			break // already ordered; first match wins.
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible tasks: %w", err)
	}
	return matches, nil
}

// BeginProcessing transitions assigned -> processing iff the caller's
// worker_id matches the assignment (spec §4.1 "begin_processing").
func (s *Store) BeginProcessing(ctx context.Context, id, workerID string) error {
	return s.guardedTransition(ctx, id, workerID, domain.StatusAssigned, domain.StatusProcessing, "task.processing")
}

// Complete is the terminal success transition (spec §4.1 "complete").
func (s *Store) Complete(ctx context.Context, id, workerID string, result []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lockTaskRowTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Status == domain.StatusCompleted && current.AssignedWorkerID == workerID {
		// Duplicate task:complete for a task this same worker already
		// completed (Idempotence: "duplicate task:complete for the same
		// id from the same session is ignored") — not a conflict, since
		// at-least-once delivery means the worker's own retry of its
		// report is expected, not an error.
		return nil
	}
	if current.Status != domain.StatusProcessing || current.AssignedWorkerID != workerID {
		return ErrConflict
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND assigned_worker_id = ?;
	`, string(domain.StatusCompleted), result, id, string(domain.StatusProcessing), workerID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	if err := s.appendEventTx(ctx, tx, id, domain.StatusProcessing, domain.StatusCompleted, "task.completed", nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.ChannelTaskCompleted, bus.TaskEvent{TaskID: id, WorkerID: workerID, Status: string(domain.StatusCompleted)})
	}
	return nil
}

// FailOutcome reports what Fail actually did, so callers (dispatcher)
// can decide which channel to publish on without re-reading the row.
type FailOutcome struct {
	Terminal   bool
	RetryAfter *time.Time
}

// Fail applies a worker-reported failure (spec §4.1 "fail"): retried if
// retryable and under budget, otherwise terminal.
func (s *Store) Fail(ctx context.Context, id, workerID, errMsg string, retryable bool, retryAfter time.Time) (FailOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailOutcome{}, fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lockTaskRowTx(ctx, tx, id)
	if err != nil {
		return FailOutcome{}, err
	}
	if current.Status.Terminal() {
		return FailOutcome{}, ErrConflict
	}
	if current.AssignedWorkerID != workerID {
		return FailOutcome{}, ErrConflict
	}

	if retryable && current.RetryCount < current.MaxRetries {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, retry_count = retry_count + 1, assigned_worker_id = NULL,
				retry_after = ?, error = ?
			WHERE id = ? AND assigned_worker_id = ?;
		`, string(domain.StatusPending), retryAfter, errMsg, id, workerID)
		if err != nil {
			return FailOutcome{}, fmt.Errorf("retry task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return FailOutcome{}, ErrConflict
		}
		if err := s.appendEventTx(ctx, tx, id, current.Status, domain.StatusPending, "task.retry_scheduled", map[string]any{"error": errMsg}); err != nil {
			return FailOutcome{}, err
		}
		if err := tx.Commit(); err != nil {
			return FailOutcome{}, fmt.Errorf("commit fail tx: %w", err)
		}
		if s.bus != nil {
			s.bus.Publish(bus.ChannelTaskQueued, bus.TaskEvent{TaskID: id, Status: string(domain.StatusPending), Error: errMsg})
		}
		at := retryAfter
		return FailOutcome{Terminal: false, RetryAfter: &at}, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND assigned_worker_id = ?;
	`, string(domain.StatusFailed), errMsg, id, workerID)
	if err != nil {
		return FailOutcome{}, fmt.Errorf("terminal-fail task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return FailOutcome{}, ErrConflict
	}
	if err := s.appendEventTx(ctx, tx, id, current.Status, domain.StatusFailed, "task.failed", map[string]any{"error": errMsg}); err != nil {
		return FailOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return FailOutcome{}, fmt.Errorf("commit fail tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.ChannelTaskFailed, bus.TaskEvent{TaskID: id, Status: string(domain.StatusFailed), Error: errMsg})
	}
	return FailOutcome{Terminal: true}, nil
}

// Release puts an assigned/processing task back to pending after
// session loss, incrementing retry_count the same as a retryable Fail
// (spec §4.1 "release", reaper open question: release increments
// retry_count — see DESIGN.md). workerID identifies the worker whose
// session was lost; Release is a no-op if the task has since moved on.
func (s *Store) Release(ctx context.Context, id, workerID string, backoff time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lockTaskRowTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Status != domain.StatusAssigned && current.Status != domain.StatusProcessing {
		return nil
	}
	if current.AssignedWorkerID != workerID {
		return nil
	}

	retryAfter := time.Now().UTC().Add(backoff)
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = retry_count + 1, assigned_worker_id = NULL, retry_after = ?
		WHERE id = ? AND assigned_worker_id = ? AND status IN (?, ?);
	`, string(domain.StatusPending), retryAfter, id, workerID, string(domain.StatusAssigned), string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if err := s.appendEventTx(ctx, tx, id, current.Status, domain.StatusPending, "task.released", nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.ChannelTaskQueued, bus.TaskEvent{TaskID: id, Status: string(domain.StatusPending), Reason: "session_lost"})
	}
	return nil
}

// Cancel moves any non-terminal task to failed with error = reason
// (spec §4.1 "cancel"). Cancelling an already-terminal task is a no-op,
// satisfying I4.
func (s *Store) Cancel(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lockTaskRowTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, string(domain.StatusFailed), reason, id, string(current.Status))
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	if err := s.appendEventTx(ctx, tx, id, current.Status, domain.StatusFailed, "task.cancelled", map[string]any{"reason": reason}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.ChannelTaskCancelled, bus.TaskEvent{TaskID: id, Status: string(domain.StatusFailed), Reason: reason})
	}
	return nil
}

// ListFilter narrows List's result set. Zero value matches everything.
type ListFilter struct {
	Status domain.Status
	Kind   domain.Kind
	Limit  int
	Offset int
}

// List returns tasks matching filter, ordered newest-first (spec §4.1
// "list", observational only).
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*domain.Task, error) {
	query := strings.Builder{}
	query.WriteString(taskSelectColumns + ` FROM tasks WHERE 1=1`)
	var args []any
	if filter.Status != "" {
		query.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query.WriteString(" AND kind = ?")
		args = append(args, string(filter.Kind))
	}
	query.WriteString(" ORDER BY created_at DESC")
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		var task domain.Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan listed task: %w", err)
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

// Sweep deletes terminal tasks completed before cutoff (spec §4.1
// "sweep"), returning the number of rows removed.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
	`, string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusTimeout), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return n, nil
}

// StaleAssigned returns tasks stuck in assigned/processing whose
// assigned_at is older than staleBefore — the reaper's scan (spec
// §4.5 "Reaper").
func (s *Store) StaleAssigned(ctx context.Context, staleBefore time.Time) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE status IN (?, ?) AND assigned_at IS NOT NULL AND assigned_at < ?;
	`, string(domain.StatusAssigned), string(domain.StatusProcessing), staleBefore)
	if err != nil {
		return nil, fmt.Errorf("query stale assigned: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		var task domain.Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

// Counts reports task counts per status in one aggregate query, used by
// the admission package's health payload and by stream/metrics
// consumers that only need a snapshot, not the rows themselves.
type Counts struct {
	Pending    int
	Assigned   int
	Processing int
	Completed  int
	Failed     int
	Timeout    int
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`, string(domain.StatusPending), string(domain.StatusAssigned), string(domain.StatusProcessing),
		string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusTimeout))
	if err := row.Scan(&c.Pending, &c.Assigned, &c.Processing, &c.Completed, &c.Failed, &c.Timeout); err != nil {
		return c, fmt.Errorf("task counts: %w", err)
	}
	return c, nil
}

func (s *Store) guardedTransition(ctx context.Context, id, workerID string, from, to domain.Status, eventType string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ? WHERE id = ? AND status = ? AND assigned_worker_id = ?;
	`, string(to), id, string(from), workerID)
	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	if err := s.appendEventTx(ctx, tx, id, from, to, eventType, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// lockTaskRowTx reads the current row within tx, giving the caller a
// consistent snapshot to validate a guarded UPDATE against. SQLite's
// single-writer model makes this read-then-write safe without an
// explicit row lock.
func (s *Store) lockTaskRowTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Task, error) {
	row := tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, id)
	var task domain.Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock task row: %w", err)
	}
	return &task, nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to domain.Status, eventType string, payload map[string]any) error {
	payloadJSON := "{}"
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(b)
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, '-'), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payloadJSON)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

const taskSelectColumns = `SELECT
	id, kind, status, required_capability, fallback_capabilities, priority,
	COALESCE(payload, x''), COALESCE(result, x''), COALESCE(error, ''),
	retry_count, max_retries, COALESCE(assigned_worker_id, ''),
	retry_after, created_at, assigned_at, completed_at`

func scanTask(scanFn func(dest ...any) error, task *domain.Task) error {
	var kind, status string
	var fallbackJSON string
	var retryAfter, assignedAt, completedAt sql.NullTime
	if err := scanFn(
		&task.ID, &kind, &status, &task.RequiredCapability, &fallbackJSON, &task.Priority,
		&task.Payload, &task.Result, &task.Error,
		&task.RetryCount, &task.MaxRetries, &task.AssignedWorkerID,
		&retryAfter, &task.CreatedAt, &assignedAt, &completedAt,
	); err != nil {
		return err
	}
	task.Kind = domain.Kind(kind)
	task.Status = domain.Status(status)
	if err := task.UnmarshalFallbacks(fallbackJSON); err != nil {
		return fmt.Errorf("unmarshal fallback_capabilities: %w", err)
	}
	if retryAfter.Valid {
		t := retryAfter.Time
		task.RetryAfter = &t
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		task.AssignedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}
