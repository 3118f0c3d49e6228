// Command incident_export builds a redacted incident bundle: the most
// recent task lifecycle events, a config fingerprint, and a tail of the
// structured system log, the way an operator would gather evidence
// before filing an incident report.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/store"
)

const (
	maxEvents = 64
	maxLogs   = 32
)

type taskEvent struct {
	TaskID    string `json:"task_id"`
	TraceID   string `json:"trace_id,omitempty"`
	EventType string `json:"event_type"`
	StateFrom string `json:"state_from,omitempty"`
	StateTo   string `json:"state_to"`
	CreatedAt string `json:"created_at"`
}

type bundle struct {
	ExportedAt  time.Time   `json:"exported_at"`
	ConfigHash  string      `json:"config_hash"`
	EventCount  int         `json:"event_count"`
	LogCount    int         `json:"log_count"`
	Events      []taskEvent `json:"events"`
	RedactedLog []string    `json:"redacted_logs"`
}

func main() {
	ctx := context.Background()
	home, err := os.MkdirTemp("", "brokerd-incident-export-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(home)

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Printf("mkdir_logs_error=%v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(home, "config.yaml")
	cfgBody := []byte("bind_host: \"127.0.0.1\"\nbind_port: 8787\nmax_workers: 4\n")
	if err := os.WriteFile(cfgPath, cfgBody, 0o644); err != nil {
		fmt.Printf("write_config_error=%v\n", err)
		os.Exit(1)
	}
	logPath := filepath.Join(logDir, "system.jsonl")
	logLines := []string{
		`{"timestamp":"2026-02-11T00:00:00Z","level":"INFO","msg":"startup phase","phase":"config_loaded","trace_id":"-"}`,
		`{"timestamp":"2026-02-11T00:00:01Z","level":"WARN","msg":"worker auth token used","worker_auth_token":"[REDACTED]","trace_id":"abc"}`,
		`{"timestamp":"2026-02-11T00:00:02Z","level":"INFO","msg":"task completed","trace_id":"abc","task_id":"t1"}`,
	}
	if err := os.WriteFile(logPath, []byte(strings.Join(logLines, "\n")+"\n"), 0o644); err != nil {
		fmt.Printf("write_log_error=%v\n", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(home, "brokerd.db")
	st, err := store.Open(ctx, dbPath, bus.New())
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	for i := 0; i < 10; i++ {
		payload := []byte(fmt.Sprintf(`{"content":"incident-%d"}`, i))
		taskID, err := st.Enqueue(ctx, domain.KindObservation, "exec.local", nil, 0, payload, 3)
		if err != nil {
			fmt.Printf("enqueue_error=%v\n", err)
			os.Exit(1)
		}
		task, err := st.ClaimNext(ctx, []string{"exec.local"}, "worker-incident-export", time.Now())
		if err != nil || task == nil {
			fmt.Printf("claim_error=%v task_nil=%v\n", err, task == nil)
			os.Exit(1)
		}
		if err := st.BeginProcessing(ctx, taskID, task.AssignedWorkerID); err != nil {
			fmt.Printf("begin_processing_error=%v\n", err)
			os.Exit(1)
		}
		if err := st.Complete(ctx, taskID, task.AssignedWorkerID, []byte(`{"reply":"ok"}`)); err != nil {
			fmt.Printf("complete_error=%v\n", err)
			os.Exit(1)
		}
	}

	events, err := recentEvents(ctx, st, maxEvents)
	if err != nil {
		fmt.Printf("list_events_error=%v\n", err)
		os.Exit(1)
	}
	logs, err := tailLines(logPath, maxLogs)
	if err != nil {
		fmt.Printf("tail_logs_error=%v\n", err)
		os.Exit(1)
	}
	cfgHash, err := sha256File(cfgPath)
	if err != nil {
		fmt.Printf("config_hash_error=%v\n", err)
		os.Exit(1)
	}

	b := bundle{
		ExportedAt:  time.Now().UTC(),
		ConfigHash:  cfgHash,
		EventCount:  len(events),
		LogCount:    len(logs),
		Events:      events,
		RedactedLog: logs,
	}

	bundlePath := filepath.Join(home, "incident_bundle.json")
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fmt.Printf("marshal_bundle_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		fmt.Printf("write_bundle_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_hash=%s\n", cfgHash)
	fmt.Printf("events=%d max_events=%d\n", len(events), maxEvents)
	fmt.Printf("logs=%d max_logs=%d\n", len(logs), maxLogs)
	if len(events) == 0 || len(logs) == 0 || len(events) > maxEvents || len(logs) > maxLogs {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func recentEvents(ctx context.Context, st *store.Store, limit int) ([]taskEvent, error) {
	rows, err := st.DB().QueryContext(ctx, `
		SELECT task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, created_at
		FROM task_events
		ORDER BY created_at DESC, event_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []taskEvent
	for rows.Next() {
		var e taskEvent
		if err := rows.Scan(&e.TaskID, &e.TraceID, &e.EventType, &e.StateFrom, &e.StateTo, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
