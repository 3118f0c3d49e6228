package hub

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/brokerd/internal/domain"
)

// frameBufferSize bounds the outbound write queue per session (spec §5
// "Backpressure": default 256 messages; overflow closes the session).
const frameBufferSize = 256

// Session is one Worker Session: a live transport plus the broker-side
// bookkeeping the Hub and Dispatcher need (capabilities, in-flight set,
// heartbeat deadline). Mirrors the teacher's gateway.client, generalized
// from a single JSON-RPC peer to the spec's worker grammar.
type Session struct {
	conn     *websocket.Conn
	workerID string

	mu            sync.Mutex
	state         domain.SessionState
	capabilities  map[string]struct{}
	inFlight      map[string]struct{}
	lastHeartbeat time.Time
	connectedAt   time.Time

	outbox chan rawFrame
	closed chan struct{}
	once   sync.Once
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		conn:        conn,
		state:       domain.SessionConnected,
		inFlight:    make(map[string]struct{}),
		connectedAt: time.Now(),
		outbox:      make(chan rawFrame, frameBufferSize),
		closed:      make(chan struct{}),
	}
}

// WorkerID returns the session's assigned worker id (empty until registered).
func (s *Session) WorkerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID
}

// State returns the session's current state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasCapability reports whether the session advertised capability cap.
func (s *Session) HasCapability(cap string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.capabilities[cap]
	return ok
}

// InFlightCount returns the number of tasks currently assigned to this session.
func (s *Session) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// addInFlight records a newly assigned task id.
func (s *Session) addInFlight(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[taskID] = struct{}{}
}

// removeInFlight drops a task id on completion, error, or release.
func (s *Session) removeInFlight(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, taskID)
}

// InFlightIDs returns a snapshot of in-flight task ids, used when a
// session is lost and its tasks must be released.
func (s *Session) InFlightIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a read-only view of the session for admin/Hub.Stats use.
func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make([]string, 0, len(s.capabilities))
	for c := range s.capabilities {
		caps = append(caps, c)
	}
	inFlight := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		inFlight = append(inFlight, id)
	}
	return domain.SessionSnapshot{
		WorkerID:       s.workerID,
		Capabilities:   caps,
		State:          s.state,
		ConnectedAt:    s.connectedAt,
		LastHeartbeat:  s.lastHeartbeat,
		InFlightCount:  len(s.inFlight),
		InFlightTaskID: inFlight,
	}
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) heartbeatStale(now time.Time, heartbeatInterval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastHeartbeat.IsZero() && s.lastHeartbeat.Add(3*heartbeatInterval).Before(now)
}

// send enqueues an outbound frame, never blocking the caller past the
// buffer: a full outbox is a backpressure violation and closes the
// session (spec §5 "Backpressure").
func (s *Session) send(frame rawFrame) bool {
	select {
	case s.outbox <- frame:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbox onto the transport. Runs in its own
// goroutine per session (spec §5 "one coroutine per Worker Session").
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case frame := <-s.outbox:
			if err := wsjson.Write(ctx, s.conn, frame); err != nil {
				s.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Close idempotently tears down the transport and marks the session closed.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		s.setState(domain.SessionClosed)
		close(s.closed)
		_ = s.conn.Close(code, reason)
	})
}

// Done reports the session's closed channel, for callers that need to
// select on session termination.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
