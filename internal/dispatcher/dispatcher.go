// Package dispatcher implements the broker's matching loop (spec
// §4.5): it claims eligible tasks from the Task Store, hands them to a
// Worker Hub session over the wire, and reacts to the async outcomes
// the Hub reports back. Structurally this is the teacher's
// internal/engine.Engine worker-pool reactor, generalized from "poll
// the store, run an in-process Processor" to "poll the store, send the
// task to a remote worker and wait for an async frame".
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/hub"
	brokerotel "github.com/basket/brokerd/internal/otel"
	"github.com/basket/brokerd/internal/retrypolicy"
	"github.com/basket/brokerd/internal/shared"
	"github.com/basket/brokerd/internal/store"
)

const (
	defaultWorkerCount        = 4
	defaultPollInterval       = 250 * time.Millisecond
	defaultReaperInterval     = 10 * time.Second
	defaultStaleAssignedAfter = 45 * time.Second
)

// Config controls the dispatcher's worker-pool size and timing.
type Config struct {
	WorkerCount        int
	PollInterval       time.Duration
	ReaperInterval     time.Duration
	StaleAssignedAfter time.Duration
	Logger             *slog.Logger
	Rand               *rand.Rand // injected for deterministic retry jitter in tests (P4)

	// Tracer and Metrics are optional; both are nil-safe so a Dispatcher
	// built without telemetry configured behaves exactly as before.
	Tracer  trace.Tracer
	Metrics *brokerotel.Metrics
}

// Dispatcher owns the claim-assign-react loop. Its dependency on *hub.Hub
// is set after construction via AttachHub, because the Hub itself needs
// this Dispatcher's callbacks (via Handlers) before it can be built —
// the same kind of interface-breaks-the-cycle wiring the teacher uses
// between engine.Engine and agent.Registry (engine.ChatTaskRouter).
type Dispatcher struct {
	store      *store.Store
	hub        *hub.Hub
	bus        *bus.Bus
	retryTable *retrypolicy.Table
	cfg        Config
	logger     *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	once sync.Once
	wg   sync.WaitGroup
	wake chan struct{}

	// cancelMu protects owners. Lock ordering: a leaf lock, never held
	// while acquiring another mutex or doing I/O.
	cancelMu sync.RWMutex
	owners   map[string]string // task_id -> worker_id, for cancel routing

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
	heartbeats  atomic.Int64 // monotonic progress counter; admission liveness probe
}

// New constructs a Dispatcher. Call AttachHub before Start.
func New(st *store.Store, eventBus *bus.Bus, retryTable *retrypolicy.Table, cfg Config) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = defaultReaperInterval
	}
	if cfg.StaleAssignedAfter <= 0 {
		cfg.StaleAssignedAfter = defaultStaleAssignedAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Dispatcher{
		store:      st,
		bus:        eventBus,
		retryTable: retryTable,
		cfg:        cfg,
		logger:     cfg.Logger,
		rng:        rng,
		wake:       make(chan struct{}, 1),
		owners:     make(map[string]string),
	}
}

// Handlers returns the callbacks a Hub should be constructed with so
// inbound worker frames reach this Dispatcher.
func (d *Dispatcher) Handlers() hub.Handlers {
	return hub.Handlers{
		OnProgress:      d.onProgress,
		OnComplete:      d.onComplete,
		OnError:         d.onError,
		OnSessionLost:   d.onSessionLost,
		OnWorkerOnline:  func(string, []string) { d.signalWake() },
		OnWorkerOffline: func(string, string) {},
	}
}

// AttachHub wires the Hub this Dispatcher claims tasks into. Must be
// called before Start.
func (d *Dispatcher) AttachHub(h *hub.Hub) {
	d.hub = h
}

// Start launches the worker pool and the reaper. Safe to call once;
// subsequent calls are no-ops (mirrors the teacher's sync.Once-gated
// engine.Engine.Start).
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		if d.bus != nil {
			sub := d.bus.Subscribe(bus.ChannelTaskQueued)
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.drainWakeups(ctx, sub)
			}()
		}
		for i := 0; i < d.cfg.WorkerCount; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.worker(ctx)
			}()
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reaper(ctx)
		}()
	})
}

// Drain waits up to timeout for all dispatcher goroutines to exit.
// Callers cancel the context passed to Start first; this only waits.
func (d *Dispatcher) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher_drained")
	case <-time.After(timeout):
		d.logger.Warn("dispatcher_drain_timeout", slog.Duration("timeout", timeout))
	}
}

func (d *Dispatcher) drainWakeups(ctx context.Context, sub *bus.Subscription) {
	defer d.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Ch():
			d.signalWake()
		}
	}
}

func (d *Dispatcher) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// worker is one lane of the fixed-size pool: gather what the Hub can
// currently accept, claim a matching task, hand it off (spec §4.5
// steps "Gather eligible capabilities" / "Claim" / "Send").
func (d *Dispatcher) worker(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.heartbeats.Add(1)

		if d.hub == nil {
			if !d.idleWait(ctx, ticker) {
				return
			}
			continue
		}

		eligible := d.hub.EligibleCapabilities()
		if len(eligible) == 0 {
			if !d.idleWait(ctx, ticker) {
				return
			}
			continue
		}

		// Gather the globally highest-priority eligible task across every
		// live session's capabilities first, then pick a session for its
		// own capability chain (spec §4.5 "Gather eligible capabilities" /
		// "Claim" / "Send", in that order) — picking a session before
		// claiming would restrict the claim to that one session's
		// capabilities and could starve a higher-priority task whose
		// capability simply wasn't round-robin-picked this tick.
		candidate, err := d.store.PeekEligible(ctx, eligible)
		if err != nil {
			d.setLastError(fmt.Errorf("peek eligible: %w", err))
			if !d.idleWait(ctx, ticker) {
				return
			}
			continue
		}
		if candidate == nil {
			if !d.idleWait(ctx, ticker) {
				return
			}
			continue
		}

		session := d.hub.Pick(candidate.CapabilityChain())
		if session == nil {
			if !d.idleWait(ctx, ticker) {
				return
			}
			continue
		}

		task, err := d.store.ClaimNext(ctx, session.Snapshot().Capabilities, session.WorkerID(), time.Now())
		if err != nil {
			d.setLastError(fmt.Errorf("claim next: %w", err))
			if !d.idleWait(ctx, ticker) {
				return
			}
			continue
		}
		if task == nil {
			// Lost the race for the peeked candidate (or the picked
			// session's capabilities no longer match anything pending);
			// another worker lane will pick up whatever is left.
			if !d.idleWait(ctx, ticker) {
				return
			}
			continue
		}

		d.dispatch(ctx, session, task)
	}
}

func (d *Dispatcher) idleWait(ctx context.Context, ticker *time.Ticker) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ticker.C:
		return true
	case <-d.wake:
		return true
	}
}

// dispatch delivers a claimed task to session and transitions it to
// processing. A failed delivery (outbox overflow closed the session)
// releases the task back to pending without counting a retry, since
// the worker never saw it.
func (d *Dispatcher) dispatch(ctx context.Context, session *hub.Session, task *domain.Task) {
	workerID := session.WorkerID()
	traceID := shared.NewTraceID()

	if d.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = brokerotel.StartSpan(ctx, d.cfg.Tracer, "dispatcher.assign",
			brokerotel.AttrTaskID.String(task.ID),
			brokerotel.AttrTaskKind.String(string(task.Kind)),
			brokerotel.AttrCapability.String(task.MatchedCapability),
			brokerotel.AttrWorkerID.String(workerID),
		)
		defer span.End()
	}

	if !d.hub.Send(session, task) {
		if err := d.store.Release(ctx, task.ID, workerID, 0); err != nil {
			d.setLastError(fmt.Errorf("release after failed send: %w", err))
		}
		return
	}
	d.setOwner(task.ID, workerID)

	if err := d.store.BeginProcessing(ctx, task.ID, workerID); err != nil {
		d.setLastError(fmt.Errorf("begin processing: %w", err))
	}
	d.activeTasks.Add(1)

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ActiveTasks.Add(ctx, 1)
		d.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(task.CreatedAt).Seconds())
	}

	d.logger.Info("task_assigned",
		slog.String("task_id", task.ID),
		slog.String("worker_id", workerID),
		slog.String("kind", string(task.Kind)),
		slog.String("trace_id", traceID),
	)
	if d.bus != nil {
		d.bus.Publish(bus.ChannelTaskAssigned, bus.TaskEvent{
			TaskID: task.ID, Kind: string(task.Kind), Status: string(domain.StatusProcessing),
			WorkerID: workerID, MatchedCapability: task.MatchedCapability,
		})
	}
}

func (d *Dispatcher) onProgress(taskID string, fraction float64, note string) {
	if d.bus != nil {
		d.bus.Publish(bus.ChannelTaskProgress, bus.TaskEvent{
			TaskID: taskID, Status: string(domain.StatusProcessing), Fraction: fraction, Note: note,
		})
	}
}

func (d *Dispatcher) onComplete(taskID, workerID string, result json.RawMessage) {
	d.activeTasks.Add(-1)
	d.clearOwner(taskID)

	ctx := context.Background()
	before, beforeErr := d.store.Get(ctx, taskID)
	if err := d.store.Complete(ctx, taskID, workerID, result); err != nil {
		d.setLastError(fmt.Errorf("complete task %s: %w", taskID, err))
		d.logger.Warn("task_complete_rejected", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	d.logger.Info("task_completed", slog.String("task_id", taskID), slog.String("worker_id", workerID))
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ActiveTasks.Add(ctx, -1)
		if beforeErr == nil && before.AssignedAt != nil {
			d.cfg.Metrics.TaskDuration.Record(ctx, time.Since(*before.AssignedAt).Seconds())
		}
	}
	if d.bus != nil {
		d.bus.Publish(bus.ChannelTaskCompleted, bus.TaskEvent{TaskID: taskID, Status: string(domain.StatusCompleted), WorkerID: workerID})
	}
	d.signalWake()
}

func (d *Dispatcher) onError(taskID, workerID, errMsg string, retryable bool) {
	d.activeTasks.Add(-1)
	d.clearOwner(taskID)

	ctx := context.Background()
	task, err := d.store.Get(ctx, taskID)
	if err != nil {
		d.setLastError(fmt.Errorf("lookup failed task %s: %w", taskID, err))
		return
	}

	var retryAfter time.Time
	willRetry := retryable && task.RetryCount < task.MaxRetries
	if willRetry {
		retryAfter = time.Now().Add(d.backoff(task.Kind, task.RetryCount))
	}

	outcome, err := d.store.Fail(ctx, taskID, workerID, errMsg, retryable, retryAfter)
	if err != nil {
		d.setLastError(fmt.Errorf("fail task %s: %w", taskID, err))
		return
	}

	reason := "retry_scheduled"
	if outcome.Terminal {
		reason = "terminal"
	}
	d.logger.Warn("task_failed", slog.String("task_id", taskID), slog.String("worker_id", workerID),
		slog.String("error", errMsg), slog.String("outcome", reason))
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.ActiveTasks.Add(ctx, -1)
		if willRetry {
			d.cfg.Metrics.TaskRetries.Add(ctx, 1)
		}
		if outcome.Terminal && task.AssignedAt != nil {
			d.cfg.Metrics.TaskDuration.Record(ctx, time.Since(*task.AssignedAt).Seconds())
		}
	}
	if d.bus != nil {
		status := string(domain.StatusPending)
		if outcome.Terminal {
			status = string(domain.StatusFailed)
		}
		d.bus.Publish(bus.ChannelTaskFailed, bus.TaskEvent{
			TaskID: taskID, Status: status, WorkerID: workerID, Error: errMsg, Reason: reason,
		})
	}
	d.signalWake()
}

// onSessionLost releases every task the departed session had in flight
// so another worker can claim it; the retry_count is left untouched,
// the worker crashing is not the task's fault.
func (d *Dispatcher) onSessionLost(workerID string, inFlight []string) {
	ctx := context.Background()
	for _, taskID := range inFlight {
		d.activeTasks.Add(-1)
		d.clearOwner(taskID)
		if err := d.store.Release(ctx, taskID, workerID, 0); err != nil {
			d.setLastError(fmt.Errorf("release after session loss %s: %w", taskID, err))
			d.logger.Warn("release_after_session_loss_failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
	if len(inFlight) > 0 {
		d.signalWake()
	}
}

// Cancel requests cancellation of a task. If a worker currently holds
// it, a task:cancel frame is sent best-effort; the store transition is
// what actually matters, and is itself a no-op on an already-terminal
// task (I4) so a late task:complete from the worker can never resurrect
// a cancelled task.
func (d *Dispatcher) Cancel(ctx context.Context, id, reason string) error {
	d.cancelMu.RLock()
	workerID, owned := d.owners[id]
	d.cancelMu.RUnlock()

	if owned && d.hub != nil {
		if session, found := d.hub.Session(workerID); found {
			d.hub.SendCancel(session, id, reason)
		}
	}
	return d.store.Cancel(ctx, id, reason)
}

// reaper releases tasks assigned to workers that are no longer present
// in the Hub's live session set (spec §4.5 "Reaper"): a worker that
// crashed mid-task leaves its claim stuck in assigned/processing
// forever otherwise.
func (d *Dispatcher) reaper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if d.hub == nil {
			continue
		}

		stale, err := d.store.StaleAssigned(ctx, time.Now().Add(-d.cfg.StaleAssignedAfter))
		if err != nil {
			d.setLastError(fmt.Errorf("stale assigned scan: %w", err))
			continue
		}
		live := d.hub.LiveWorkerIDs()
		for _, task := range stale {
			if _, alive := live[task.AssignedWorkerID]; alive {
				continue // still connected, just slow; not the reaper's business
			}
			d.clearOwner(task.ID)
			if err := d.store.Release(ctx, task.ID, task.AssignedWorkerID, 0); err != nil {
				d.setLastError(fmt.Errorf("reap task %s: %w", task.ID, err))
				continue
			}
			d.logger.Warn("reaped_stale_assignment", slog.String("task_id", task.ID), slog.String("worker_id", task.AssignedWorkerID))
		}
	}
}

func (d *Dispatcher) backoff(kind domain.Kind, retryCount int) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return d.retryTable.Backoff(kind, retryCount, d.rng)
}

func (d *Dispatcher) setOwner(taskID, workerID string) {
	d.cancelMu.Lock()
	d.owners[taskID] = workerID
	d.cancelMu.Unlock()
}

func (d *Dispatcher) clearOwner(taskID string) {
	d.cancelMu.Lock()
	delete(d.owners, taskID)
	d.cancelMu.Unlock()
}

func (d *Dispatcher) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastError.Store(&msg)
}

// Stats is a point-in-time snapshot of dispatcher activity, used by the
// admission probe and admin endpoints.
type Stats struct {
	ActiveTasks int32
	LastError   string
	Heartbeats  int64
}

func (d *Dispatcher) Stats() Stats {
	var lastErr string
	if p := d.lastError.Load(); p != nil {
		lastErr = *p
	}
	return Stats{
		ActiveTasks: d.activeTasks.Load(),
		LastError:   lastErr,
		Heartbeats:  d.heartbeats.Load(),
	}
}

// Heartbeats returns the monotonic progress counter the admission probe
// polls to distinguish a live dispatcher from a wedged one.
func (d *Dispatcher) Heartbeats() int64 {
	return d.heartbeats.Load()
}
