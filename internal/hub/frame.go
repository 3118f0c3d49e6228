package hub

import "encoding/json"

// Frame types exchanged over the worker transport (spec §4.3/§6.1).
// Every frame is one JSON object with a "type" discriminator; decoding
// switches over this closed set rather than dispatching dynamically
// (REDESIGN FLAGS: tagged variants, not dynamic dispatch).
const (
	// Inbound (worker -> broker).
	FrameAuth         = "auth"
	FrameRegister     = "register"
	FrameHeartbeat    = "heartbeat"
	FrameTaskProgress = "task:progress"
	FrameTaskComplete = "task:complete"
	FrameTaskError    = "task:error"
	FrameShutdown     = "shutdown"

	// Outbound (broker -> worker).
	FrameConnectionPending = "connection:pending"
	FrameAuthSuccess       = "auth:success"
	FrameAuthFailed        = "auth:failed"
	FrameRegistered        = "registered"
	FrameHeartbeatAck      = "heartbeat:ack"
	FrameTaskAssign        = "task:assign"
	FrameTaskCancel        = "task:cancel"
	FrameServerShutdown    = "server:shutdown"
	FrameError             = "error"
)

// rawFrame is what actually crosses the wire: the discriminator plus
// whatever fields the specific frame needs, flattened into one object.
type rawFrame struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// register
	Capabilities []string        `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`

	// heartbeat
	InFlight []string `json:"in_flight,omitempty"`

	// task:progress / task:complete / task:error / task:assign / task:cancel
	TaskID    string          `json:"task_id,omitempty"`
	Fraction  float64         `json:"fraction,omitempty"`
	Note      string          `json:"note,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ElapsedMs int64           `json:"elapsed_ms,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Task      *AssignedTask   `json:"task,omitempty"`
	Reason    string          `json:"reason,omitempty"`

	// shutdown (inbound, reason reused)

	// registered / auth:failed
	WorkerID string `json:"worker_id,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// AssignedTask is the wire shape of task:assign's "task" field — a
// deliberately narrow projection of domain.Task, since workers don't
// need retry bookkeeping or internal timestamps.
type AssignedTask struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

func decodeFrame(data []byte) (rawFrame, error) {
	var f rawFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return rawFrame{}, err
	}
	return f, nil
}
