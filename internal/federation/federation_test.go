package federation_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/dispatcher"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/federation"
	"github.com/basket/brokerd/internal/hub"
	"github.com/basket/brokerd/internal/retrypolicy"
	"github.com/basket/brokerd/internal/store"
)

// upstream simulates the broker this node federates to: a full
// Store+Bus+Hub+Dispatcher stack over a real listener, exactly the
// dispatcher package's own testRig.
type upstream struct {
	store *store.Store
	addr  string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	ctx := context.Background()

	eventBus := bus.New()
	st, err := store.Open(ctx, ":memory:", eventBus)
	if err != nil {
		t.Fatalf("open upstream store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	disp := dispatcher.New(st, eventBus, retrypolicy.NewTable(), dispatcher.Config{PollInterval: 20 * time.Millisecond})
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

	disp.Start(ctx)
	return &upstream{store: st, addr: ln.Addr().String()}
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

func TestFederationClient_BridgesAssignmentAndRelaysCompletion(t *testing.T) {
	up := newUpstream(t)

	localBus := bus.New()
	localStore, err := store.Open(context.Background(), ":memory:", localBus)
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { _ = localStore.Close() })

	client := federation.New(federation.Config{
		UpstreamURL:           fmt.Sprintf("ws://%s/ws", up.addr),
		LocalStore:            localStore,
		LocalBus:              localBus,
		StaticCapabilities:    []string{"gpu"},
		HeartbeatInterval:     50 * time.Millisecond,
		ReconnectPollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Drain(time.Second)

	upstreamTaskID, err := up.store.Enqueue(context.Background(), domain.KindEmbedding, "gpu", nil, 0, []byte(`{"x":1}`), 3)
	if err != nil {
		t.Fatalf("enqueue upstream task: %v", err)
	}

	var shadowID string
	waitFor(t, 2*time.Second, func() bool {
		tasks, err := localStore.List(context.Background(), store.ListFilter{Limit: 10})
		if err != nil || len(tasks) == 0 {
			return false
		}
		shadowID = tasks[0].ID
		return true
	})

	claimed, err := localStore.ClaimNext(context.Background(), []string{"embedding"}, "local-worker-1", time.Now())
	if err != nil {
		t.Fatalf("claim shadow task: %v", err)
	}
	if claimed == nil || claimed.ID != shadowID {
		t.Fatalf("claimed = %+v, want shadow id %s", claimed, shadowID)
	}
	if err := localStore.BeginProcessing(context.Background(), shadowID, "local-worker-1"); err != nil {
		t.Fatalf("begin processing shadow task: %v", err)
	}
	if err := localStore.Complete(context.Background(), shadowID, "local-worker-1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete shadow task: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		task, err := up.store.Get(context.Background(), upstreamTaskID)
		return err == nil && task.Status == domain.StatusCompleted
	})
}

func TestFederationClient_RelaysFailureUpstream(t *testing.T) {
	up := newUpstream(t)

	localBus := bus.New()
	localStore, err := store.Open(context.Background(), ":memory:", localBus)
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { _ = localStore.Close() })

	client := federation.New(federation.Config{
		UpstreamURL:           fmt.Sprintf("ws://%s/ws", up.addr),
		LocalStore:            localStore,
		LocalBus:              localBus,
		StaticCapabilities:    []string{"cpu"},
		HeartbeatInterval:     50 * time.Millisecond,
		ReconnectPollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Drain(time.Second)

	upstreamTaskID, err := up.store.Enqueue(context.Background(), domain.KindSummarize, "cpu", nil, 0, []byte(`{}`), 0)
	if err != nil {
		t.Fatalf("enqueue upstream task: %v", err)
	}

	var shadowID string
	waitFor(t, 2*time.Second, func() bool {
		tasks, err := localStore.List(context.Background(), store.ListFilter{Limit: 10})
		if err != nil || len(tasks) == 0 {
			return false
		}
		shadowID = tasks[0].ID
		return true
	})

	if _, err := localStore.ClaimNext(context.Background(), []string{"summarize"}, "local-worker-1", time.Now()); err != nil {
		t.Fatalf("claim shadow task: %v", err)
	}
	if err := localStore.BeginProcessing(context.Background(), shadowID, "local-worker-1"); err != nil {
		t.Fatalf("begin processing shadow task: %v", err)
	}
	if _, err := localStore.Fail(context.Background(), shadowID, "local-worker-1", "boom", false, time.Time{}); err != nil {
		t.Fatalf("fail shadow task: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		task, err := up.store.Get(context.Background(), upstreamTaskID)
		return err == nil && task.Status == domain.StatusFailed
	})
}
