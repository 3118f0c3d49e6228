package store

import "errors"

// Sentinel errors realizing spec §7's error taxonomy for the Task Store.
var (
	// ErrNotFound is returned when an operation targets a task id that
	// does not exist.
	ErrNotFound = errors.New("store: task not found")

	// ErrConflict is returned when a guarded transition's WHERE clause
	// affects zero rows: the caller's assumed current state (status,
	// assigned_worker_id) no longer holds, usually because another
	// caller won the race (I6').
	ErrConflict = errors.New("store: conflicting task state")

	// ErrUnavailable wraps a driver-level failure observed when the
	// store cannot be reached at all (§7 "Store unavailable").
	ErrUnavailable = errors.New("store: unavailable")
)
