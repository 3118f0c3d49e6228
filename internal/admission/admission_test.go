package admission_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/brokerd/internal/admission"
	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/store"
)

type fakeHeartbeater struct {
	value int64
}

func (f *fakeHeartbeater) Heartbeats() int64 { return f.value }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestProbe_HealthyWhenNoDispatcherConfigured(t *testing.T) {
	st := openTestStore(t)
	p := admission.New(admission.Config{Store: st})

	report := p.Check(context.Background())
	if !report.Healthy || !report.StoreOK || !report.DispatcherOK {
		t.Fatalf("report = %+v, want fully healthy", report)
	}
	if report.DispatcherDetail != "not configured" {
		t.Fatalf("dispatcher detail = %q, want 'not configured'", report.DispatcherDetail)
	}
}

func TestProbe_UnhealthyAfterStoreClosed(t *testing.T) {
	st := openTestStore(t)
	p := admission.New(admission.Config{Store: st})
	_ = st.Close()

	report := p.Check(context.Background())
	if report.Healthy || report.StoreOK {
		t.Fatalf("report = %+v, want unhealthy after store close", report)
	}
}

func TestProbe_DispatcherStalledAfterNoProgress(t *testing.T) {
	st := openTestStore(t)
	hb := &fakeHeartbeater{value: 5}
	p := admission.New(admission.Config{Store: st, Dispatcher: hb, DispatcherStaleAfter: 30 * time.Millisecond})

	first := p.Check(context.Background())
	if !first.DispatcherOK {
		t.Fatalf("first check = %+v, want ok (establishing baseline)", first)
	}

	time.Sleep(60 * time.Millisecond)
	second := p.Check(context.Background())
	if second.DispatcherOK {
		t.Fatalf("second check = %+v, want stalled after no heartbeat progress", second)
	}

	hb.value = 6
	third := p.Check(context.Background())
	if !third.DispatcherOK {
		t.Fatalf("third check = %+v, want ok after heartbeat advanced", third)
	}
}

func TestProbe_ServeHealthzReturns503WhenUnhealthy(t *testing.T) {
	st := openTestStore(t)
	_ = st.Close()
	p := admission.New(admission.Config{Store: st})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	p.ServeHealthz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var report admission.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Healthy {
		t.Fatalf("report.Healthy = true, want false")
	}
}

func TestProbe_ServeMetricsReportsTaskCounts(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Enqueue(context.Background(), "summarize", "cpu", nil, 0, []byte(`{}`), 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p := admission.New(admission.Config{Store: st})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	p.ServeMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pending, ok := payload["pending_tasks"].(float64); !ok || pending != 1 {
		t.Fatalf("pending_tasks = %v, want 1", payload["pending_tasks"])
	}
}

func TestProbe_ServePrometheusMetricsEmitsGauges(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Enqueue(context.Background(), "summarize", "cpu", nil, 0, []byte(`{}`), 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p := admission.New(admission.Config{Store: st})

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	p.ServePrometheusMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "brokerd_pending_tasks 1") {
		t.Fatalf("body missing brokerd_pending_tasks gauge: %s", body)
	}
	if !strings.Contains(body, "# TYPE brokerd_dispatcher_heartbeats counter") {
		t.Fatalf("body missing dispatcher heartbeats counter: %s", body)
	}
}
