// Package federation implements the optional Federation Client of spec
// §4.8: a reversed Worker Session where this node dials an upstream
// broker and presents itself as a single worker advertising the union
// of its locally connected workers' capabilities. Per REDESIGN FLAGS
// ("Federation via reusing the worker transport... the same Worker
// Session code with inverted roles, no second protocol"), the wire
// frames mirror internal/hub's grammar exactly; the unexported
// transport struct can't cross the package boundary, so this package
// keeps its own frame type with an identical JSON shape and reuses
// hub's exported frame-type constants and AssignedTask type.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/domain"
	"github.com/basket/brokerd/internal/hub"
	"github.com/basket/brokerd/internal/retrypolicy"
	"github.com/basket/brokerd/internal/store"
)

const (
	defaultHeartbeatInterval     = 15 * time.Second
	defaultReconnectPollInterval = 5 * time.Second
	defaultMaxLocalRetries       = 3
)

// frame mirrors hub.rawFrame's wire shape; the two packages never
// share a type, but they always share a shape.
type frame struct {
	Type string `json:"type"`

	Token string `json:"token,omitempty"`

	Capabilities []string        `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`

	InFlight []string `json:"in_flight,omitempty"`

	TaskID    string            `json:"task_id,omitempty"`
	Fraction  float64           `json:"fraction,omitempty"`
	Note      string            `json:"note,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	ElapsedMs int64             `json:"elapsed_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Task      *hub.AssignedTask `json:"task,omitempty"`
	Reason    string            `json:"reason,omitempty"`

	WorkerID string `json:"worker_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Config configures a Client.
type Config struct {
	UpstreamURL string
	AuthToken   string

	LocalStore *store.Store
	LocalBus   *bus.Bus
	LocalHub   *hub.Hub // optional; nil means no locally connected workers to union in

	// StaticCapabilities is advertised in addition to whatever LocalHub
	// reports, useful when this node has no Hub of its own (a pure relay).
	StaticCapabilities []string

	HeartbeatInterval     time.Duration
	ReconnectPollInterval time.Duration // how often local capability/worker-count is checked for re-advertisement
	MaxLocalRetries       int

	RetryTable *retrypolicy.Table
	Rand       *rand.Rand // injected for deterministic backoff in tests

	Logger *slog.Logger
}

// Client is the federation connection to one upstream broker.
type Client struct {
	cfg    Config
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu               sync.Mutex
	shadowToUpstream map[string]string // local shadow task id -> upstream task id
	upstreamToShadow map[string]string // upstream task id -> local shadow task id
	upstreamWorkerID string

	wg sync.WaitGroup
}

// New constructs a Client with defaults applied.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectPollInterval <= 0 {
		cfg.ReconnectPollInterval = defaultReconnectPollInterval
	}
	if cfg.MaxLocalRetries <= 0 {
		cfg.MaxLocalRetries = defaultMaxLocalRetries
	}
	if cfg.RetryTable == nil {
		cfg.RetryTable = retrypolicy.NewTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Client{
		cfg:              cfg,
		logger:           cfg.Logger,
		rng:              rng,
		shadowToUpstream: make(map[string]string),
		upstreamToShadow: make(map[string]string),
	}
}

// Start dials the upstream broker and reconnects with backoff until ctx
// is cancelled. Runs in a background goroutine; call Drain to wait for
// it to exit.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Drain waits up to timeout for the connection loop to exit after ctx
// has been cancelled.
func (c *Client) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("federation_client_drained")
	case <-time.After(timeout):
		c.logger.Warn("federation_client_drain_timeout", slog.Duration("timeout", timeout))
	}
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connectAndServe(ctx, &attempt); err != nil {
			c.logger.Warn("federation_disconnected", slog.String("error", err.Error()), slog.Int("attempt", attempt))
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		delay := c.backoff(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context, attempt *int) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.UpstreamURL, nil)
	if err != nil {
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "federation client stopping")

	if err := c.handshake(ctx, conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	*attempt = 0
	c.logger.Info("federation_connected", slog.String("upstream", c.cfg.UpstreamURL), slog.String("worker_id", c.upstreamWorkerID))

	var sub *bus.Subscription
	if c.cfg.LocalBus != nil {
		sub = c.cfg.LocalBus.Subscribe(bus.ChannelTaskCompleted, bus.ChannelTaskFailed)
		defer c.cfg.LocalBus.Unsubscribe(sub)
	}

	lastCaps := c.capabilitySnapshot()

	heartbeatTicker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	pollTicker := time.NewTicker(c.cfg.ReconnectPollInterval)
	defer pollTicker.Stop()

	frames := make(chan frame)
	errs := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				errs <- err
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			frames <- f
		}
	}()

	var subCh <-chan bus.Event
	if sub != nil {
		subCh = sub.Ch()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case <-heartbeatTicker.C:
			if err := c.writeFrame(ctx, conn, frame{Type: hub.FrameHeartbeat}); err != nil {
				return err
			}
		case <-pollTicker.C:
			caps := c.capabilitySnapshot()
			if !equalStrings(caps, lastCaps) {
				return fmt.Errorf("local capability set changed, reconnecting to re-advertise")
			}
		case f := <-frames:
			c.handleUpstreamFrame(ctx, conn, f)
		case event := <-subCh:
			c.relayLocalOutcome(ctx, conn, event)
		}
	}
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	var pending frame
	if err := c.readFrame(ctx, conn, &pending); err != nil {
		return err
	}
	if pending.Type != hub.FrameConnectionPending {
		return fmt.Errorf("unexpected first frame %q", pending.Type)
	}

	if c.cfg.AuthToken != "" {
		if err := c.writeFrame(ctx, conn, frame{Type: hub.FrameAuth, Token: c.cfg.AuthToken}); err != nil {
			return err
		}
		var resp frame
		if err := c.readFrame(ctx, conn, &resp); err != nil {
			return err
		}
		if resp.Type != hub.FrameAuthSuccess {
			return fmt.Errorf("auth rejected: %s", resp.Reason)
		}
	}

	metadata, _ := json.Marshal(map[string]any{"worker_count": c.workerCount()})
	if err := c.writeFrame(ctx, conn, frame{Type: hub.FrameRegister, Capabilities: c.capabilitySnapshot(), Metadata: metadata}); err != nil {
		return err
	}
	var registered frame
	if err := c.readFrame(ctx, conn, &registered); err != nil {
		return err
	}
	if registered.Type != hub.FrameRegistered {
		return fmt.Errorf("registration rejected: %s", registered.Message)
	}
	c.upstreamWorkerID = registered.WorkerID
	return nil
}

// handleUpstreamFrame bridges an upstream assignment into the local
// Store as if it had been enqueued locally (spec §4.8), tracking the
// upstream<->shadow task id mapping so the eventual outcome can be
// relayed back. The task's Kind also serves as the local capability key:
// the upstream broker already matched this node by capability before
// assigning, so any local worker capable of the same kind can serve it.
func (c *Client) handleUpstreamFrame(ctx context.Context, conn *websocket.Conn, f frame) {
	switch f.Type {
	case hub.FrameTaskAssign:
		if f.Task == nil {
			return
		}
		shadowID, err := c.cfg.LocalStore.Enqueue(ctx, domain.Kind(f.Task.Kind), f.Task.Kind, nil, f.Task.Priority, f.Task.Payload, c.cfg.MaxLocalRetries)
		if err != nil {
			c.logger.Error("federation_bridge_enqueue_failed", slog.String("upstream_task_id", f.TaskID), slog.String("error", err.Error()))
			_ = c.writeFrame(ctx, conn, frame{Type: hub.FrameTaskError, TaskID: f.TaskID, Error: err.Error(), Retryable: true})
			return
		}
		c.mu.Lock()
		c.shadowToUpstream[shadowID] = f.TaskID
		c.upstreamToShadow[f.TaskID] = shadowID
		c.mu.Unlock()
		c.logger.Info("federation_bridged_assignment", slog.String("upstream_task_id", f.TaskID), slog.String("shadow_task_id", shadowID))
	case hub.FrameTaskCancel:
		c.mu.Lock()
		shadowID, ok := c.upstreamToShadow[f.TaskID]
		c.mu.Unlock()
		if ok {
			_ = c.cfg.LocalStore.Cancel(ctx, shadowID, f.Reason)
		}
	case hub.FrameServerShutdown, hub.FrameHeartbeatAck:
		// no action: a server:shutdown is followed by the upstream closing
		// the transport, which surfaces as a read error and triggers the
		// normal backoff-reconnect path.
	default:
		c.logger.Warn("federation_unhandled_frame", slog.String("type", f.Type))
	}
}

// relayLocalOutcome forwards a bridged shadow task's local completion or
// failure back upstream under its original upstream task id.
func (c *Client) relayLocalOutcome(ctx context.Context, conn *websocket.Conn, event bus.Event) {
	taskEvent, ok := event.Payload.(bus.TaskEvent)
	if !ok {
		return
	}

	c.mu.Lock()
	upstreamID, tracked := c.shadowToUpstream[taskEvent.TaskID]
	if tracked {
		delete(c.shadowToUpstream, taskEvent.TaskID)
		delete(c.upstreamToShadow, upstreamID)
	}
	c.mu.Unlock()
	if !tracked {
		return
	}

	switch event.Channel {
	case bus.ChannelTaskCompleted:
		var result json.RawMessage
		if task, err := c.cfg.LocalStore.Get(ctx, taskEvent.TaskID); err == nil {
			result = task.Result
		}
		if err := c.writeFrame(ctx, conn, frame{Type: hub.FrameTaskComplete, TaskID: upstreamID, Result: result}); err != nil {
			c.logger.Warn("federation_relay_complete_failed", slog.String("upstream_task_id", upstreamID), slog.String("error", err.Error()))
		}
	case bus.ChannelTaskFailed:
		if err := c.writeFrame(ctx, conn, frame{Type: hub.FrameTaskError, TaskID: upstreamID, Error: taskEvent.Error, Retryable: false}); err != nil {
			c.logger.Warn("federation_relay_error_failed", slog.String("upstream_task_id", upstreamID), slog.String("error", err.Error()))
		}
	}
}

func (c *Client) capabilitySnapshot() []string {
	set := make(map[string]struct{})
	for _, cap := range c.cfg.StaticCapabilities {
		set[cap] = struct{}{}
	}
	if c.cfg.LocalHub != nil {
		for _, cap := range c.cfg.LocalHub.EligibleCapabilities() {
			set[cap] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for cap := range set {
		out = append(out, cap)
	}
	sort.Strings(out)
	return out
}

func (c *Client) workerCount() int {
	if c.cfg.LocalHub == nil {
		return 0
	}
	return c.cfg.LocalHub.Stats().ByState[string(domain.SessionRunning)]
}

func (c *Client) backoff(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.cfg.RetryTable.Backoff(domain.KindVectorSync, attempt, c.rng)
}

func (c *Client) readFrame(ctx context.Context, conn *websocket.Conn, f *frame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, f)
}

func (c *Client) writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
