// Command backup_restore_drill exercises a Task Store backup/restore
// cycle using SQLite's VACUUM INTO, the same online-backup mechanism
// the teacher's persistence package relies on, and reports RPO/RTO
// timings the way an operator runbook would.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/store"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "brokerd-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "brokerd.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	st, err := store.Open(ctx, dbPath, bus.New())
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	for i := 0; i < 40; i++ {
		payload := []byte(fmt.Sprintf(`{"content":"backup-%d"}`, i))
		taskID, err := st.Enqueue(ctx, domain.KindObservation, "exec.local", nil, 0, payload, 3)
		if err != nil {
			fmt.Printf("enqueue_error=%v\n", err)
			os.Exit(1)
		}
		task, err := st.ClaimNext(ctx, []string{"exec.local"}, "worker-backup-drill", time.Now())
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

	backupStart := time.Now().UTC()
	if _, err := st.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := store.Open(ctx, restorePath, bus.New())
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	var taskCount, eventCount int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks;`).Scan(&taskCount); err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&eventCount); err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}

	rpo := backupEnd.Sub(backupStart)
	rto := restoreEnd.Sub(restoreStart)
	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", rpo)
	fmt.Printf("rto_duration=%s\n", rto)
	fmt.Printf("restored_tasks=%d\n", taskCount)
	fmt.Printf("restored_task_events=%d\n", eventCount)

	if taskCount < 40 || eventCount == 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
