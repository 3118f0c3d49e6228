package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewWorkerID mints a worker id assigned at registration time (spec
// §6.1 "registered{worker_id}").
func NewWorkerID() string {
	return uuid.NewString()
}

// SessionState is a worker session's position in the state machine of
// spec §4.3.
type SessionState string

const (
	SessionConnected      SessionState = "connected"
	SessionAuthenticating SessionState = "authenticating"
	SessionRunning        SessionState = "running"
	SessionDraining       SessionState = "draining"
	SessionClosed         SessionState = "closed"
)

// SessionSnapshot is a point-in-time, read-only view of a worker
// session, used by Hub.Stats and admin endpoints so callers don't reach
// into the live session's internal locking.
type SessionSnapshot struct {
	WorkerID       string
	Capabilities   []string
	State          SessionState
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	InFlightCount  int
	InFlightTaskID []string
}
