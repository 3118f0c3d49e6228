package dispatcher_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/dispatcher"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/hub"
	"github.com/basket/brokerd/internal/retrypolicy"
	"github.com/basket/brokerd/internal/store"
)

// testRig wires a Store + Bus + Hub + Dispatcher together over a real
// TCP listener, the same shape as the teacher's integration tests.
type testRig struct {
	store *store.Store
	bus   *bus.Bus
	hub   *hub.Hub
	disp  *dispatcher.Dispatcher
	addr  string
}

func newTestRig(t *testing.T, cfg dispatcher.Config) *testRig {
	t.Helper()
	ctx := context.Background()

	eventBus := bus.New()
	st, err := store.Open(ctx, ":memory:", eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	disp := dispatcher.New(st, eventBus, retrypolicy.NewTable(), cfg)
	h := hub.New(hub.Config{Bus: eventBus, Handlers: disp.Handlers(), PerWorkerLimit: 4})
	disp.AttachHub(h)

	httpSrv := &http.Server{Handler: h}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = httpSrv.Serve(ln) }()
	t.Cleanup(func() {
		_ = httpSrv.Shutdown(context.Background())
		_ = ln.Close()
	})

	return &testRig{store: st, bus: eventBus, hub: h, disp: disp, addr: ln.Addr().String()}
}

// fakeWorker dials the Hub and completes the handshake, returning the
// connection for the test to drive task frames over.
func fakeWorker(t *testing.T, addr string, capabilities []string) (*websocket.Conn, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var pending map[string]any
	if err := wsjson.Read(context.Background(), conn, &pending); err != nil {
		t.Fatalf("read connection:pending: %v", err)
	}
	if err := wsjson.Write(context.Background(), conn, map[string]any{
		"type": "register", "capabilities": capabilities,
	}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var registered map[string]any
	if err := wsjson.Read(context.Background(), conn, &registered); err != nil {
		t.Fatalf("read registered: %v", err)
	}
	workerID, _ := registered["worker_id"].(string)
	if workerID == "" {
		t.Fatalf("registered frame missing worker_id: %v", registered)
	}
	return conn, workerID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_ClaimsAssignsAndCompletes(t *testing.T) {
	rig := newTestRig(t, dispatcher.Config{PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.disp.Start(ctx)

	conn, workerID := fakeWorker(t, rig.addr, []string{"gpu"})
	defer conn.Close(websocket.StatusNormalClosure, "done")

	taskID, err := rig.store.Enqueue(context.Background(), domain.KindEmbedding, "gpu", nil, 0, []byte(`{}`), 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var assign map[string]any
	if err := wsjson.Read(context.Background(), conn, &assign); err != nil {
		t.Fatalf("read task:assign: %v", err)
	}
	if assign["type"] != "task:assign" {
		t.Fatalf("frame = %v, want task:assign", assign)
	}
	taskObj, _ := assign["task"].(map[string]any)
	if taskObj == nil || taskObj["id"] != taskID {
		t.Fatalf("assigned task = %v, want id %s", taskObj, taskID)
	}

	waitFor(t, time.Second, func() bool {
		task, err := rig.store.Get(context.Background(), taskID)
		return err == nil && task.Status == domain.StatusProcessing && task.AssignedWorkerID == workerID
	})

	result, _ := json.Marshal(map[string]string{"ok": "yes"})
	if err := wsjson.Write(context.Background(), conn, map[string]any{
		"type": "task:complete", "task_id": taskID, "result": json.RawMessage(result),
	}); err != nil {
		t.Fatalf("write task:complete: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		task, err := rig.store.Get(context.Background(), taskID)
		return err == nil && task.Status == domain.StatusCompleted
	})
}

func TestDispatcher_RetryableFailureReschedules(t *testing.T) {
	rig := newTestRig(t, dispatcher.Config{PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.disp.Start(ctx)

	conn, _ := fakeWorker(t, rig.addr, []string{"cpu"})
	defer conn.Close(websocket.StatusNormalClosure, "done")

	taskID, err := rig.store.Enqueue(context.Background(), domain.KindSummarize, "cpu", nil, 0, []byte(`{}`), 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var assign map[string]any
	if err := wsjson.Read(context.Background(), conn, &assign); err != nil {
		t.Fatalf("read task:assign: %v", err)
	}

	if err := wsjson.Write(context.Background(), conn, map[string]any{
		"type": "task:error", "task_id": taskID, "error": "transient", "retryable": true,
	}); err != nil {
		t.Fatalf("write task:error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		task, err := rig.store.Get(context.Background(), taskID)
		return err == nil && task.Status == domain.StatusPending && task.RetryCount == 1 && task.RetryAfter != nil
	})
}

func TestDispatcher_TerminalFailureAfterMaxRetries(t *testing.T) {
	rig := newTestRig(t, dispatcher.Config{PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.disp.Start(ctx)

	conn, _ := fakeWorker(t, rig.addr, []string{"cpu"})
	defer conn.Close(websocket.StatusNormalClosure, "done")

	taskID, err := rig.store.Enqueue(context.Background(), domain.KindSummarize, "cpu", nil, 0, []byte(`{}`), 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var assign map[string]any
	if err := wsjson.Read(context.Background(), conn, &assign); err != nil {
		t.Fatalf("read task:assign: %v", err)
	}
	if err := wsjson.Write(context.Background(), conn, map[string]any{
		"type": "task:error", "task_id": taskID, "error": "fatal", "retryable": true,
	}); err != nil {
		t.Fatalf("write task:error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		task, err := rig.store.Get(context.Background(), taskID)
		return err == nil && task.Status == domain.StatusFailed
	})
}

func TestDispatcher_SessionLossReleasesInFlightTask(t *testing.T) {
	rig := newTestRig(t, dispatcher.Config{PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.disp.Start(ctx)

	conn, _ := fakeWorker(t, rig.addr, []string{"gpu"})

	taskID, err := rig.store.Enqueue(context.Background(), domain.KindEmbedding, "gpu", nil, 0, []byte(`{}`), 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var assign map[string]any
	if err := wsjson.Read(context.Background(), conn, &assign); err != nil {
		t.Fatalf("read task:assign: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		task, err := rig.store.Get(context.Background(), taskID)
		return err == nil && task.Status == domain.StatusProcessing
	})

	conn.Close(websocket.StatusNormalClosure, "simulated crash")

	waitFor(t, time.Second, func() bool {
		task, err := rig.store.Get(context.Background(), taskID)
		return err == nil && task.Status == domain.StatusPending && task.AssignedWorkerID == ""
	})
}

func TestDispatcher_CancelNoOpOnTerminalTask(t *testing.T) {
	rig := newTestRig(t, dispatcher.Config{PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.disp.Start(ctx)

	conn, _ := fakeWorker(t, rig.addr, []string{"gpu"})
	defer conn.Close(websocket.StatusNormalClosure, "done")

	taskID, err := rig.store.Enqueue(context.Background(), domain.KindEmbedding, "gpu", nil, 0, []byte(`{}`), 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var assign map[string]any
	if err := wsjson.Read(context.Background(), conn, &assign); err != nil {
		t.Fatalf("read task:assign: %v", err)
	}
	result, _ := json.Marshal(map[string]string{"ok": "yes"})
	if err := wsjson.Write(context.Background(), conn, map[string]any{
		"type": "task:complete", "task_id": taskID, "result": json.RawMessage(result),
	}); err != nil {
		t.Fatalf("write task:complete: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		task, err := rig.store.Get(context.Background(), taskID)
		return err == nil && task.Status == domain.StatusCompleted
	})

	if err := rig.disp.Cancel(context.Background(), taskID, "too late"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task, err := rig.store.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != domain.StatusCompleted {
		t.Fatalf("cancel mutated a terminal task: status = %s", task.Status)
	}
}

func TestDispatcher_StatsReportsActiveTasks(t *testing.T) {
	rig := newTestRig(t, dispatcher.Config{PollInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.disp.Start(ctx)

	conn, _ := fakeWorker(t, rig.addr, []string{"gpu"})
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if _, err := rig.store.Enqueue(context.Background(), domain.KindEmbedding, "gpu", nil, 0, []byte(`{}`), 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return rig.disp.Stats().ActiveTasks == 1
	})
	waitFor(t, time.Second, func() bool {
		return rig.disp.Stats().Heartbeats > 0
	})
}
