// Command lease_recovery_crash verifies the reaper's stale-assignment
// recovery (spec §4.5 "Reaper") against a real Store: a task claimed
// and left processing by a worker that never reports back must come
// back to pending once it passes StaleAssignedAfter, exactly as if the
// worker's connection had dropped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/store"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, *dbPath, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	switch *mode {
	case "prepare":
		taskID, err := st.Enqueue(ctx, domain.KindObservation, "exec.local", nil, 0, []byte(`{"content":"lease-crash"}`), 3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", taskID)
	case "claim-sleep":
		task, err := st.ClaimNext(ctx, []string{"exec.local"}, "worker-lease-crash", time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim next: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		if err := st.BeginProcessing(ctx, task.ID, task.AssignedWorkerID); err != nil {
			fmt.Fprintf(os.Stderr, "begin processing: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.ID)
		fmt.Printf("ASSIGNED_WORKER_ID=%s\n", task.AssignedWorkerID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		staleBefore := time.Now().Add(-10 * time.Second)
		stale, err := st.StaleAssigned(ctx, staleBefore)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stale assigned scan: %v\n", err)
			os.Exit(1)
		}
		for _, task := range stale {
			if err := st.Release(ctx, task.ID, task.AssignedWorkerID, 0); err != nil {
				fmt.Fprintf(os.Stderr, "release %s: %v\n", task.ID, err)
				os.Exit(1)
			}
		}
		fmt.Printf("RECOVERED=%d\n", len(stale))

		pass := true
		for _, task := range stale {
			current, err := st.Get(ctx, task.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "get %s: %v\n", task.ID, err)
				os.Exit(1)
			}
			fmt.Printf("TASK_STATUS id=%s status=%s assigned_worker_id=%q\n", current.ID, current.Status, current.AssignedWorkerID)
			if current.Status == domain.StatusProcessing || current.Status == domain.StatusAssigned {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL — tasks still assigned/processing after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
