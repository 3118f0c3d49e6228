package docgen_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/docgen"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/store"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T, eventBus *bus.Bus) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestScheduler_FiresDueScheduleAndEnqueues(t *testing.T) {
	eventBus := bus.New()
	st := openTestStore(t, eventBus)
	ctx := context.Background()

	sched := docgen.NewScheduler(docgen.Config{Store: st, Bus: eventBus, Logger: slog.Default(), Interval: 30 * time.Millisecond, MaxRetries: 2})
	if err := sched.AddSchedule("nightly-summary", "* * * * *", "summarizer", []byte(`{"window":"24h"}`)); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, time.Second, func() bool {
		tasks, err := st.List(ctx, store.ListFilter{Kind: domain.KindDocGen, Limit: 10})
		return err == nil && len(tasks) == 1
	})
}

func TestScheduler_PublishesDocReadyOnCompletion(t *testing.T) {
	eventBus := bus.New()
	st := openTestStore(t, eventBus)
	ctx := context.Background()

	docReady := eventBus.Subscribe(bus.ChannelDocReady)
	defer eventBus.Unsubscribe(docReady)

	sched := docgen.NewScheduler(docgen.Config{Store: st, Bus: eventBus, Logger: slog.Default(), Interval: 20 * time.Millisecond})
	if err := sched.AddSchedule("weekly-digest", "* * * * *", "summarizer", []byte(`{}`)); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	var taskID string
	waitFor(t, time.Second, func() bool {
		tasks, err := st.List(ctx, store.ListFilter{Kind: domain.KindDocGen, Limit: 10})
		if err != nil || len(tasks) == 0 {
			return false
		}
		taskID = tasks[0].ID
		return true
	})

	task, err := st.ClaimNext(ctx, []string{"summarizer"}, "worker-1", time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.ID != taskID {
		t.Fatalf("claimed task = %+v, want id %s", task, taskID)
	}
	if err := st.BeginProcessing(ctx, taskID, "worker-1"); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	if err := st.Complete(ctx, taskID, "worker-1", []byte(`{"doc":"done"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	select {
	case event := <-docReady.Ch():
		payload, ok := event.Payload.(bus.DocReadyEvent)
		if !ok || payload.ScheduleID != "weekly-digest" || payload.TaskID != taskID {
			t.Fatalf("doc:ready payload = %+v, want schedule_id=weekly-digest task_id=%s", event.Payload, taskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for doc:ready")
	}
}

func TestScheduler_RemoveSchedulePreventsFutureRuns(t *testing.T) {
	eventBus := bus.New()
	st := openTestStore(t, eventBus)
	ctx := context.Background()

	sched := docgen.NewScheduler(docgen.Config{Store: st, Bus: eventBus, Interval: 20 * time.Millisecond})
	if err := sched.AddSchedule("one-shot", "* * * * *", "summarizer", []byte(`{}`)); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	sched.RemoveSchedule("one-shot")
	sched.Start(ctx)
	defer sched.Stop()

	time.Sleep(150 * time.Millisecond)
	tasks, err := st.List(ctx, store.ListFilter{Kind: domain.KindDocGen, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks from a removed schedule, got %d", len(tasks))
	}
}

func TestNextRunTime_ParsesStandardCron(t *testing.T) {
	next, err := docgen.NextRunTime("0 0 * * *", time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
