// Package hub implements the Worker Hub and Worker Session of spec
// §4.3/§4.4: a bidirectional framed-transport layer over which workers
// authenticate, register capabilities, heartbeat, and exchange task
// assignments and outcomes. Transport and wire style are generalized
// from the teacher's internal/gateway package (coder/websocket +
// wsjson, single clientsMu-guarded session table).
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/brokerd/internal/audit"
	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/domain"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultPerWorkerLimit    = 4
	defaultDrainTimeout      = 30 * time.Second
)

// Handlers lets the Dispatcher observe inbound frames without the Hub
// importing the dispatcher package (keeps the dependency edge the same
// direction spec §2's package map draws: dispatcher depends on hub, not
// the reverse).
type Handlers struct {
	OnProgress      func(taskID string, fraction float64, note string)
	OnComplete      func(taskID, workerID string, result json.RawMessage)
	OnError         func(taskID, workerID, errMsg string, retryable bool)
	OnSessionLost   func(workerID string, inFlight []string)
	OnWorkerOnline  func(workerID string, capabilities []string)
	OnWorkerOffline func(workerID string, reason string)
}

// Config configures a Hub.
type Config struct {
	AuthToken         string // empty disables auth (spec §4.3 "Authentication")
	HeartbeatInterval time.Duration
	PerWorkerLimit    int
	DrainTimeout      time.Duration
	MetadataSchema    *jsonschema.Schema // optional; validates register.metadata
	Logger            *slog.Logger
	Bus               *bus.Bus
	Handlers          Handlers
}

// Hub owns the set of live Worker Sessions keyed by worker_id (spec
// §4.4). All membership changes and pick() calls take the single mutex,
// matching the teacher's gateway.Server.clientsMu convention.
type Hub struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
	rrCursor map[string]int // per-capability round-robin cursor (I9 fairness)
	draining bool
}

// New constructs a Hub with defaults applied.
func New(cfg Config) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.PerWorkerLimit <= 0 {
		cfg.PerWorkerLimit = defaultPerWorkerLimit
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		rrCursor: make(map[string]int),
	}
}

// ServeHTTP implements the worker transport endpoint: upgrades to
// WebSocket and runs Accept for the connection's lifetime.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if err := h.Accept(r.Context(), conn); err != nil {
		h.cfg.Logger.Warn("hub_accept_failed", slog.String("error", err.Error()))
	}
}

// Accept runs the handshake on a fresh transport and, on success, admits
// the session into the Hub and blocks reading frames until the session
// closes (spec §4.4 "accept"; §5 "one coroutine per Worker Session").
func (h *Hub) Accept(ctx context.Context, conn *websocket.Conn) error {
	session := newSession(conn)
	defer session.Close(websocket.StatusNormalClosure, "session ended")

	if !h.handshake(ctx, session) {
		return fmt.Errorf("handshake failed")
	}

	go session.writeLoop(ctx)
	h.readLoop(ctx, session)
	h.removeSession(session)
	return nil
}

// handshake runs connection:pending -> auth -> register per spec §6.1,
// returning true iff the session reaches "running".
func (h *Hub) handshake(ctx context.Context, session *Session) bool {
	// Handshake frames are written synchronously (bypassing the outbox)
	// so a failure frame is guaranteed on the wire before Accept's
	// deferred Close tears the transport down.
	if err := writeFrame(ctx, session, rawFrame{Type: FrameConnectionPending}); err != nil {
		return false
	}

	if h.cfg.AuthToken != "" {
		frame, ok := readOne(ctx, session.conn)
		if !ok || frame.Type != FrameAuth || frame.Token != h.cfg.AuthToken {
			_ = writeFrame(ctx, session, rawFrame{Type: FrameAuthFailed, Reason: "invalid or missing token"})
			audit.Record("reject", "", "invalid or missing token")
			return false
		}
		if err := writeFrame(ctx, session, rawFrame{Type: FrameAuthSuccess}); err != nil {
			return false
		}
		session.setState(domain.SessionAuthenticating)
	}

	frame, ok := readOne(ctx, session.conn)
	if !ok || frame.Type != FrameRegister || len(frame.Capabilities) == 0 {
		_ = writeFrame(ctx, session, rawFrame{Type: FrameError, Message: "expected register frame"})
		audit.Record("reject", "", "expected register frame")
		return false
	}
	if h.cfg.MetadataSchema != nil && len(frame.Metadata) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame.Metadata))
		if err != nil || h.cfg.MetadataSchema.Validate(doc) != nil {
			_ = writeFrame(ctx, session, rawFrame{Type: FrameError, Message: "register.metadata failed schema validation"})
			audit.Record("reject", "", "register.metadata failed schema validation")
			return false
		}
	}

	workerID := domain.NewWorkerID()
	session.mu.Lock()
	session.workerID = workerID
	session.capabilities = make(map[string]struct{}, len(frame.Capabilities))
	for _, c := range frame.Capabilities {
		session.capabilities[c] = struct{}{}
	}
	session.lastHeartbeat = time.Now()
	session.state = domain.SessionRunning
	session.mu.Unlock()

	if err := writeFrame(ctx, session, rawFrame{Type: FrameRegistered, WorkerID: workerID}); err != nil {
		return false
	}
	h.addSession(session)
	audit.Record("accept", workerID, "registered")

	if h.cfg.Handlers.OnWorkerOnline != nil {
		h.cfg.Handlers.OnWorkerOnline(workerID, frame.Capabilities)
	}
	if h.cfg.Bus != nil {
		h.cfg.Bus.Publish(bus.ChannelWorkerConnected, bus.WorkerEvent{WorkerID: workerID, Capabilities: frame.Capabilities})
	}
	return true
}

func (h *Hub) addSession(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.WorkerID()] = s // I7: map assignment naturally dedupes by worker_id
}

func (h *Hub) removeSession(s *Session) {
	workerID := s.WorkerID()
	h.mu.Lock()
	if h.sessions[workerID] == s {
		delete(h.sessions, workerID)
	}
	h.mu.Unlock()

	inFlight := s.InFlightIDs()
	if h.cfg.Handlers.OnSessionLost != nil && workerID != "" {
		h.cfg.Handlers.OnSessionLost(workerID, inFlight)
	}
	if h.cfg.Handlers.OnWorkerOffline != nil {
		h.cfg.Handlers.OnWorkerOffline(workerID, "session closed")
	}
	if h.cfg.Bus != nil {
		h.cfg.Bus.Publish(bus.ChannelWorkerDisconnected, bus.WorkerEvent{WorkerID: workerID})
	}
}

// readLoop processes inbound frames until the transport closes or a
// heartbeat timeout elapses (spec §4.3 "Heartbeat").
func (h *Hub) readLoop(ctx context.Context, session *Session) {
	deadlineTicker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer deadlineTicker.Stop()

	frames := make(chan rawFrame)
	errs := make(chan error, 1)
	go func() {
		for {
			frame, ok := readOne(ctx, session.conn)
			if !ok {
				errs <- fmt.Errorf("read closed")
				return
			}
			frames <- frame
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case <-errs:
			return
		case <-deadlineTicker.C:
			if session.heartbeatStale(time.Now(), h.cfg.HeartbeatInterval) {
				session.send(rawFrame{Type: FrameError, Message: "heartbeat timeout"})
				return
			}
		case frame := <-frames:
			h.handleFrame(session, frame)
		}
	}
}

func (h *Hub) handleFrame(session *Session, frame rawFrame) {
	switch frame.Type {
	case FrameHeartbeat:
		session.touchHeartbeat()
		session.send(rawFrame{Type: FrameHeartbeatAck})
	case FrameTaskProgress:
		session.touchHeartbeat()
		if h.cfg.Handlers.OnProgress != nil {
			h.cfg.Handlers.OnProgress(frame.TaskID, frame.Fraction, frame.Note)
		}
	case FrameTaskComplete:
		session.removeInFlight(frame.TaskID)
		if h.cfg.Handlers.OnComplete != nil {
			h.cfg.Handlers.OnComplete(frame.TaskID, session.WorkerID(), frame.Result)
		}
	case FrameTaskError:
		session.removeInFlight(frame.TaskID)
		if h.cfg.Handlers.OnError != nil {
			h.cfg.Handlers.OnError(frame.TaskID, session.WorkerID(), frame.Error, frame.Retryable)
		}
	case FrameShutdown:
		session.setState(domain.SessionDraining)
	default:
		session.send(rawFrame{Type: FrameError, Message: "unrecognized frame type: " + frame.Type})
		audit.Record("reject", session.WorkerID(), "unrecognized frame type: "+frame.Type)
	}
}

// Pick returns a session eligible to receive a task requiring one of
// capabilities (tried in order), selected by per-capability round-robin
// among sessions with spare per-worker concurrency (spec §4.4 "pick",
// I8, I9).
func (h *Hub) Pick(capabilities []string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cap := range capabilities {
		var eligible []*Session
		for _, s := range h.sessions {
			if s.State() != domain.SessionRunning {
				continue // I8: draining sessions are never returned
			}
			if !s.HasCapability(cap) {
				continue
			}
			if s.InFlightCount() >= h.cfg.PerWorkerLimit {
				continue
			}
			eligible = append(eligible, s)
		}
		if len(eligible) == 0 {
			continue
		}
		cursor := h.rrCursor[cap] % len(eligible)
		h.rrCursor[cap] = cursor + 1
		return eligible[cursor]
	}
	return nil
}

// Send routes an assignment to session, marking the task in-flight on
// success (spec §4.4 "send").
func (h *Hub) Send(session *Session, task *domain.Task) bool {
	frame := rawFrame{
		Type: FrameTaskAssign,
		Task: &AssignedTask{ID: task.ID, Kind: string(task.Kind), Payload: task.Payload, Priority: task.Priority},
	}
	if !session.send(frame) {
		session.Close(websocket.StatusInternalError, "outbox overflow")
		return false
	}
	session.addInFlight(task.ID)
	return true
}

// SendCancel routes a task:cancel frame to session.
func (h *Hub) SendCancel(session *Session, taskID, reason string) bool {
	return session.send(rawFrame{Type: FrameTaskCancel, TaskID: taskID, Reason: reason})
}

// BroadcastShutdown moves every session to draining and sends
// server:shutdown (spec §4.4 "broadcast_shutdown").
func (h *Hub) BroadcastShutdown(reason string) {
	h.mu.Lock()
	h.draining = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.setState(domain.SessionDraining)
		s.send(rawFrame{Type: FrameServerShutdown})
	}
}

// Stats summarizes the Hub's session set (spec §4.4 "stats").
type Stats struct {
	ByState       map[string]int
	ByCapability  map[string]int
	TotalInFlight int
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{ByState: make(map[string]int), ByCapability: make(map[string]int)}
	for _, s := range h.sessions {
		snap := s.Snapshot()
		stats.ByState[string(snap.State)]++
		for _, c := range snap.Capabilities {
			stats.ByCapability[c]++
		}
		stats.TotalInFlight += snap.InFlightCount
	}
	return stats
}

// Session returns the live session registered under workerID, if any.
// The Dispatcher uses this to route task:cancel to the right transport
// without keeping its own copy of the session table.
func (h *Hub) Session(workerID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[workerID]
	return s, ok
}

// LiveWorkerIDs returns the worker ids currently present in the Hub,
// used by the Dispatcher's reaper to distinguish a crashed worker from
// one that is merely slow (spec §4.5 "Reaper").
func (h *Hub) LiveWorkerIDs() map[string]struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make(map[string]struct{}, len(h.sessions))
	for id := range h.sessions {
		ids[id] = struct{}{}
	}
	return ids
}

// EligibleCapabilities returns the union of capabilities across all
// non-draining sessions with spare capacity (spec §4.5 step 2).
func (h *Hub) EligibleCapabilities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := make(map[string]struct{})
	for _, s := range h.sessions {
		if s.State() != domain.SessionRunning {
			continue
		}
		if s.InFlightCount() >= h.cfg.PerWorkerLimit {
			continue
		}
		for c := range s.capabilities {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func readOne(ctx context.Context, conn *websocket.Conn) (rawFrame, bool) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return rawFrame{}, false
	}
	frame, err := decodeFrame(data)
	if err != nil {
		return rawFrame{}, false
	}
	return frame, true
}

func writeFrame(ctx context.Context, session *Session, frame rawFrame) error {
	return session.conn.Write(ctx, websocket.MessageText, mustMarshal(frame))
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
