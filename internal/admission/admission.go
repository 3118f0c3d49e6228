// Package admission implements the broker's health and readiness surface
// (spec §4.9): a Probe aggregates Store openness, Hub listening state,
// and Dispatcher loop liveness into one /healthz JSON payload, the same
// role as the teacher's gateway.handleHealthz/handleMetrics generalized
// from a single-process agent runtime to a Store+Hub+Dispatcher broker.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/basket/brokerd/internal/hub"
	"github.com/basket/brokerd/internal/store"
)

const defaultDispatcherStaleAfter = 30 * time.Second

// heartbeater is satisfied by *dispatcher.Dispatcher; kept as a small
// interface here (rather than importing internal/dispatcher) so
// admission has no compile-time dependency on the dispatcher's own
// dependency graph.
type heartbeater interface {
	Heartbeats() int64
}

// Config wires a Probe's dependencies. Hub and Dispatcher are optional:
// a federation-only relay node may run without either.
type Config struct {
	Store              *store.Store
	Hub                *hub.Hub
	Dispatcher         heartbeater
	DispatcherStaleAfter time.Duration // no heartbeat progress within this window reports unhealthy
}

// Probe answers readiness/health checks and serves /healthz and
// /metrics. Dispatcher liveness is judged by forward progress of its
// heartbeat counter across successive probes, not by a single sample,
// since a snapshot value alone can't distinguish "alive and idle" from
// "the loop died mid-tick."
type Probe struct {
	cfg Config

	mu             sync.Mutex
	lastHeartbeats int64
	lastAdvance    time.Time
}

// New constructs a Probe with defaults applied.
func New(cfg Config) *Probe {
	if cfg.DispatcherStaleAfter <= 0 {
		cfg.DispatcherStaleAfter = defaultDispatcherStaleAfter
	}
	return &Probe{cfg: cfg}
}

// Report is the /healthz payload shape.
type Report struct {
	Healthy          bool   `json:"healthy"`
	StoreOK          bool   `json:"store_ok"`
	HubConfigured    bool   `json:"hub_configured"`
	LiveWorkers      int    `json:"live_workers"`
	DispatcherOK     bool   `json:"dispatcher_ok"`
	DispatcherDetail string `json:"dispatcher_detail"`
}

// Check runs every probe and reports whether the node should accept new
// work (spec §4.9: "gates whether docgen/external enqueue callers get
// unavailable back").
func (p *Probe) Check(ctx context.Context) Report {
	storeOK := p.cfg.Store == nil || p.cfg.Store.Ping(ctx) == nil

	liveWorkers := 0
	if p.cfg.Hub != nil {
		liveWorkers = len(p.cfg.Hub.LiveWorkerIDs())
	}

	dispatcherOK, detail := p.checkDispatcher()

	return Report{
		Healthy:          storeOK && dispatcherOK,
		StoreOK:          storeOK,
		HubConfigured:    p.cfg.Hub != nil,
		LiveWorkers:      liveWorkers,
		DispatcherOK:     dispatcherOK,
		DispatcherDetail: detail,
	}
}

func (p *Probe) checkDispatcher() (ok bool, detail string) {
	if p.cfg.Dispatcher == nil {
		return true, "not configured"
	}

	current := p.cfg.Dispatcher.Heartbeats()
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if current != p.lastHeartbeats {
		p.lastHeartbeats = current
		p.lastAdvance = now
		return true, "advancing"
	}
	if p.lastAdvance.IsZero() {
		p.lastAdvance = now
		return true, "starting"
	}
	if elapsed := now.Sub(p.lastAdvance); elapsed > p.cfg.DispatcherStaleAfter {
		return false, fmt.Sprintf("no heartbeat progress in %s", elapsed.Round(time.Second))
	}
	return true, "idle"
}

// ServeHealthz handles GET /healthz: 200 with the Report when healthy,
// 503 otherwise (matching the teacher's handleHealthz status gating).
func (p *Probe) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	report := p.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// ServeMetrics handles GET /metrics: a JSON snapshot of task counts and
// runtime stats, the broker's equivalent of the teacher's handleMetrics.
func (p *Probe) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var counts store.Counts
	if p.cfg.Store != nil {
		counts, _ = p.cfg.Store.Counts(ctx)
	}

	var byCapability map[string]int
	liveWorkers := 0
	if p.cfg.Hub != nil {
		stats := p.cfg.Hub.Stats()
		byCapability = stats.ByCapability
		liveWorkers = len(p.cfg.Hub.LiveWorkerIDs())
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	payload := map[string]any{
		"pending_tasks":    counts.Pending,
		"assigned_tasks":   counts.Assigned,
		"processing_tasks": counts.Processing,
		"completed_tasks":  counts.Completed,
		"failed_tasks":     counts.Failed,
		"timeout_tasks":    counts.Timeout,
		"live_workers":     liveWorkers,
		"by_capability":    byCapability,
		"alloc_bytes":      mem.Alloc,
		"heartbeats":       p.dispatcherHeartbeats(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// ServePrometheusMetrics handles GET /metrics/prometheus, the
// hand-rolled Prometheus-text sibling of ServeMetrics's JSON payload —
// same dual-format pattern as the teacher's
// gateway.handleMetrics/handlePrometheusMetrics pair.
func (p *Probe) ServePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var counts store.Counts
	if p.cfg.Store != nil {
		counts, _ = p.cfg.Store.Counts(ctx)
	}
	liveWorkers := 0
	if p.cfg.Hub != nil {
		liveWorkers = len(p.cfg.Hub.LiveWorkerIDs())
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP brokerd_pending_tasks Number of pending tasks in queue.\n")
	fmt.Fprintf(w, "# TYPE brokerd_pending_tasks gauge\n")
	fmt.Fprintf(w, "brokerd_pending_tasks %d\n", counts.Pending)
	fmt.Fprintf(w, "# HELP brokerd_processing_tasks Number of tasks currently processing.\n")
	fmt.Fprintf(w, "# TYPE brokerd_processing_tasks gauge\n")
	fmt.Fprintf(w, "brokerd_processing_tasks %d\n", counts.Processing)
	fmt.Fprintf(w, "# HELP brokerd_failed_tasks Number of tasks terminally failed.\n")
	fmt.Fprintf(w, "# TYPE brokerd_failed_tasks gauge\n")
	fmt.Fprintf(w, "brokerd_failed_tasks %d\n", counts.Failed)
	fmt.Fprintf(w, "# HELP brokerd_live_workers Number of live worker sessions.\n")
	fmt.Fprintf(w, "# TYPE brokerd_live_workers gauge\n")
	fmt.Fprintf(w, "brokerd_live_workers %d\n", liveWorkers)
	fmt.Fprintf(w, "# HELP brokerd_alloc_bytes Current heap allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE brokerd_alloc_bytes gauge\n")
	fmt.Fprintf(w, "brokerd_alloc_bytes %d\n", mem.Alloc)
	fmt.Fprintf(w, "# HELP brokerd_dispatcher_heartbeats Monotonic dispatcher heartbeat counter.\n")
	fmt.Fprintf(w, "# TYPE brokerd_dispatcher_heartbeats counter\n")
	fmt.Fprintf(w, "brokerd_dispatcher_heartbeats %d\n", p.dispatcherHeartbeats())
}

func (p *Probe) dispatcherHeartbeats() int64 {
	if p.cfg.Dispatcher == nil {
		return 0
	}
	return p.cfg.Dispatcher.Heartbeats()
}
