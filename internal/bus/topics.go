package bus

// Channel catalog (spec §4.6). This is a closed set: the dispatcher,
// hub, and docgen producer only ever publish on these channels, and the
// stream endpoint only documents these as subscribable prefixes.
const (
	ChannelSessionStarted = "session:started"
	ChannelSessionEnded   = "session:ended"

	ChannelTaskQueued     = "task:queued"
	ChannelTaskAssigned   = "task:assigned"
	ChannelTaskProgress   = "task:progress"
	ChannelTaskCompleted  = "task:completed"
	ChannelTaskFailed     = "task:failed"
	ChannelTaskCancelled  = "task:cancelled"

	ChannelWorkerConnected    = "worker:connected"
	ChannelWorkerDisconnected = "worker:disconnected"

	ChannelWriterPause  = "writer:pause"
	ChannelWriterResume = "writer:resume"

	ChannelDocReady = "doc:ready"
)

// TaskEvent is the payload published for every task:* channel.
type TaskEvent struct {
	TaskID            string  `json:"task_id"`
	Kind              string  `json:"kind,omitempty"`
	Status            string  `json:"status,omitempty"`
	WorkerID          string  `json:"worker_id,omitempty"`
	MatchedCapability string  `json:"matched_capability,omitempty"`
	Fraction          float64 `json:"fraction,omitempty"`
	Note              string  `json:"note,omitempty"`
	Error             string  `json:"error,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// WorkerEvent is the payload published for every worker:* channel.
type WorkerEvent struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// SessionEvent is the payload published for session:* channels.
type SessionEvent struct {
	WorkerID string `json:"worker_id"`
}

// DocReadyEvent is published on doc:ready when a periodic doc-gen task
// completes (internal/docgen).
type DocReadyEvent struct {
	ScheduleID string `json:"schedule_id"`
	TaskID     string `json:"task_id"`
}
