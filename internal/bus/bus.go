// Package bus is an in-process pub/sub message bus with topic prefix
// matching, used to fan task and worker lifecycle events out to
// long-lived stream subscribers (spec §4.6).
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 1024

// Event is a message published on the bus.
type Event struct {
	Channel   string
	Payload   any
	Timestamp time.Time
}

// Subscription represents an active subscription.
type Subscription struct {
	id       int
	patterns []string
	ch       chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a closed-channel-set pub/sub bus. Publish never blocks:
// a subscriber whose inbox is full drops the event and the bus counts
// the drop instead of stalling the publisher (spec §4.6 "Delivery").
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
	inboxSize       int
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithLogger attaches a logger used to warn when the drop counter
// crosses an exponential threshold.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithInboxSize overrides the default per-subscriber buffer size
// (config key event_bus_inbox).
func WithInboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.inboxSize = n
		}
	}
}

// New creates a new Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[int]*Subscription),
		inboxSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a subscription matching any of the given patterns.
// Each pattern is "*" (all channels), an exact channel name, or a
// "prefix:*" glob-suffix, per spec §4.6. No patterns means "subscribe
// to nothing" — callers that want everything should pass "*" explicitly.
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		patterns: append([]string(nil), patterns...),
		ch:       make(chan Event, b.inboxSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all subscribers whose patterns match
// channel. Delivery is non-blocking: a full inbox drops the event.
func (b *Bus) Publish(channel string, payload any) {
	event := Event{
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !matchAny(sub.patterns, channel) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, channel)
		}
	}
}

// Match reports whether pattern matches channel per spec §4.6: "*"
// matches all, an exact pattern matches only the same channel, and
// "prefix:*" matches any channel with that prefix.
func Match(pattern, channel string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}

func matchAny(patterns []string, channel string) bool {
	for _, p := range patterns {
		if Match(p, channel) {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to
// full subscriber buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when the dropped event count
// crosses an exponential threshold, so a saturated subscriber doesn't
// spam the logs on every single drop.
func (b *Bus) maybeLogDropWarning(newCount int64, channel string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("channel", channel),
		)
	}
}
