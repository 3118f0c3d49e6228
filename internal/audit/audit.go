// Package audit is the broker's security audit trail: one append-only
// JSONL file plus an optional SQL table, the same dual-write singleton
// shape as the teacher's own internal/audit, repurposed from logging
// policy-engine allow/deny decisions to logging worker admission
// outcomes (auth failures, protocol violations) at the Worker Hub
// handshake boundary (spec §4.3/§4.4).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/brokerd/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"` // "accept" or "reject"
	WorkerID  string `json:"worker_id,omitempty"`
	Reason    string `json:"reason"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	rejectCount atomic.Int64
)

// Init opens (creating if needed) homeDir/logs/worker_audit.jsonl for
// append-only writes. Calling Init twice is a no-op, matching the
// teacher's singleton guard.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "worker_audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for worker_audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the total number of rejected admissions since
// startup (a worker auth failure or a handshake protocol violation).
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record logs one admission outcome. decision is "accept" or "reject";
// workerID is empty when the session never reached registration.
func Record(decision, workerID, reason string) {
	if decision == "reject" {
		rejectCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			WorkerID:  workerID,
			Reason:    reason,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO worker_audit_log (worker_id, decision, reason)
			VALUES (?, ?, ?);
		`, workerID, decision, reason)
	}
}
