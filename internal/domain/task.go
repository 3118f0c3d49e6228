// Package domain holds the broker's core types: tasks, their lifecycle,
// and the worker session shape that the hub and dispatcher share.
package domain

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of task kinds the broker understands. The
// broker never inspects a task's payload, only its kind and capability
// strings, so new kinds can be added without touching the store or
// dispatcher.
type Kind string

const (
	KindObservation    Kind = "observation"
	KindSummarize      Kind = "summarize"
	KindEmbedding      Kind = "embedding"
	KindVectorSync     Kind = "vector-sync"
	KindContextGen     Kind = "context-gen"
	KindDocGen         Kind = "doc-gen"
	KindSemanticSearch Kind = "semantic-search"
	KindCompression    Kind = "compression"
)

// ValidKind reports whether k is one of the closed set of task kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindObservation, KindSummarize, KindEmbedding, KindVectorSync,
		KindContextGen, KindDocGen, KindSemanticSearch, KindCompression:
		return true
	default:
		return false
	}
}

// Status is a task's position in the state machine of spec §4.5/I5.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether s is a terminal status (I4: never unwound).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Task is the durable unit of work the store persists. Payload and
// Result are opaque to the broker; only the worker interprets them.
type Task struct {
	ID                   string
	Kind                 Kind
	Status               Status
	RequiredCapability   string
	FallbackCapabilities []string
	Priority             int
	Payload              []byte
	Result               []byte
	Error                string
	RetryCount           int
	MaxRetries           int
	AssignedWorkerID     string
	RetryAfter           *time.Time
	CreatedAt            time.Time
	AssignedAt           *time.Time
	CompletedAt          *time.Time

	// MatchedCapability is the entry of CapabilityChain() that ClaimNext
	// matched against the claiming worker's capability set. It is set
	// in memory at claim time only, never persisted — a task claimable
	// by a fallback capability only reveals which one once a worker
	// with that capability actually claims it.
	MatchedCapability string
}

// fallbackCapabilitiesJSON marshals FallbackCapabilities for storage in
// a single TEXT column; SQLite has no native array type, the same
// pattern the teacher uses for structured sidecar columns.
func (t *Task) fallbackCapabilitiesJSON() (string, error) {
	if len(t.FallbackCapabilities) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(t.FallbackCapabilities)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MarshalFallbacks is the exported form used by the store package.
func (t *Task) MarshalFallbacks() (string, error) { return t.fallbackCapabilitiesJSON() }

// UnmarshalFallbacks parses the JSON array stored in the
// fallback_capabilities column back into the task.
func (t *Task) UnmarshalFallbacks(raw string) error {
	if raw == "" {
		t.FallbackCapabilities = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return err
	}
	t.FallbackCapabilities = out
	return nil
}

// CapabilityChain returns the capabilities to try in order: the
// required one first, then each fallback.
func (t *Task) CapabilityChain() []string {
	chain := make([]string, 0, 1+len(t.FallbackCapabilities))
	chain = append(chain, t.RequiredCapability)
	chain = append(chain, t.FallbackCapabilities...)
	return chain
}
