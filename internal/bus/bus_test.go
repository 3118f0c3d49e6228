package bus

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(ChannelTaskQueued)
	defer b.Unsubscribe(sub)

	b.Publish(ChannelTaskQueued, "hello")

	select {
	case event := <-sub.Ch():
		if event.Channel != ChannelTaskQueued {
			t.Fatalf("channel = %q, want %q", event.Channel, ChannelTaskQueued)
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task:*")
	defer b.Unsubscribe(taskSub)

	allSub := b.Subscribe("*")
	defer b.Unsubscribe(allSub)

	b.Publish(ChannelTaskQueued, "new task")
	b.Publish(ChannelWorkerConnected, "ok")

	select {
	case event := <-taskSub.Ch():
		if event.Channel != ChannelTaskQueued {
			t.Fatalf("channel = %q, want %s", event.Channel, ChannelTaskQueued)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events for this pattern.
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_ExactMatchDoesNotMatchOtherChannels(t *testing.T) {
	b := New()
	sub := b.Subscribe(ChannelTaskCompleted)
	defer b.Unsubscribe(sub)

	b.Publish(ChannelTaskFailed, "x")

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected delivery: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, channel string
		want             bool
	}{
		{"*", "anything:at:all", true},
		{"task:completed", "task:completed", true},
		{"task:completed", "task:failed", false},
		{"task:*", "task:completed", true},
		{"task:*", "worker:connected", false},
		{"worker:*", "worker:connected", true},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.channel); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.channel, got, c.want)
		}
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("*")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(ChannelTaskQueued, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("*")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("*")
	sub2 := b.Subscribe("*")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(ChannelTaskQueued, "shared")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("*")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(ChannelTaskProgress, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}

func TestBus_DroppedEventLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := New(WithLogger(logger))
	sub := b.Subscribe("*")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize; i++ {
		b.Publish(ChannelTaskQueued, i)
	}

	for i := 0; i < 10; i++ {
		b.Publish(ChannelTaskQueued, "drop")
	}

	logOutput := buf.String()
	if !containsSubstring(logOutput, "bus_dropped_events_reached_threshold") {
		t.Fatalf("expected threshold warning in log output, got: %s", logOutput)
	}
	if b.DroppedEventCount() != 10 {
		t.Fatalf("dropped count = %d, want 10", b.DroppedEventCount())
	}
}

func TestBus_NoSpamming(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := New(WithLogger(logger))
	sub := b.Subscribe("*")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize; i++ {
		b.Publish(ChannelTaskQueued, i)
	}

	b.Publish(ChannelTaskQueued, "drop1")
	firstLog := buf.String()
	if !containsSubstring(firstLog, "bus_dropped_events_reached_threshold") {
		t.Fatalf("expected warning at threshold 1, got: %s", firstLog)
	}

	count1 := countSubstring(firstLog, "bus_dropped_events_reached_threshold")
	if count1 != 1 {
		t.Fatalf("expected 1 threshold log at count=1, got %d", count1)
	}

	buf.Reset()
	for i := 0; i < 8; i++ {
		b.Publish(ChannelTaskQueued, "drop")
	}
	if buf.Len() > 0 {
		t.Fatalf("unexpected log output between thresholds: %s", buf.String())
	}
}

func TestBus_DropThreshold(t *testing.T) {
	tests := []struct {
		count    int64
		expected int64
	}{
		{1, 1},
		{5, 1},
		{10, 10},
		{99, 10},
		{100, 100},
		{999, 100},
		{1000, 1000},
		{5000, 1000},
	}
	for _, tt := range tests {
		got := dropThreshold(tt.count)
		if got != tt.expected {
			t.Errorf("dropThreshold(%d) = %d, want %d", tt.count, got, tt.expected)
		}
	}
}

func TestBus_WithInboxSize(t *testing.T) {
	b := New(WithInboxSize(3))
	sub := b.Subscribe("*")
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish(ChannelTaskQueued, i)
	}
	if b.DroppedEventCount() != 7 {
		t.Fatalf("dropped = %d, want 7", b.DroppedEventCount())
	}
}

func containsSubstring(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}

func countSubstring(s, substr string) int {
	return bytes.Count([]byte(s), []byte(substr))
}
