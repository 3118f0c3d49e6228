package streamserver_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/streamserver"
)

type sseFrame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

func readFrames(t *testing.T, body *http.Response) []sseFrame {
	t.Helper()
	scanner := bufio.NewScanner(body.Body)
	var frames []sseFrame
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f sseFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestStreamServer_ContentTypeAndConnectedFrame(t *testing.T) {
	b := bus.New()
	srv := streamserver.New(streamserver.Config{Bus: b})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Fatalf("X-Accel-Buffering header missing")
	}

	frames := readFrames(t, resp)
	if len(frames) == 0 || frames[0].Channel != "connected" {
		t.Fatalf("first frame = %+v, want channel=connected", frames)
	}
}

func TestStreamServer_MethodNotAllowed(t *testing.T) {
	srv := streamserver.New(streamserver.Config{Bus: bus.New()})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestStreamServer_NoBusConfigured(t *testing.T) {
	srv := streamserver.New(streamserver.Config{})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStreamServer_FiltersByChannelPattern(t *testing.T) {
	b := bus.New()
	srv := streamserver.New(streamserver.Config{Bus: b})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Publish(bus.ChannelWorkerConnected, bus.WorkerEvent{WorkerID: "w-other"})
		time.Sleep(10 * time.Millisecond)
		b.Publish(bus.ChannelTaskCompleted, bus.TaskEvent{TaskID: "t-1", Status: "completed"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream?channels=task:*", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp)
	for _, f := range frames {
		if f.Channel != "connected" && !strings.HasPrefix(f.Channel, "task:") {
			t.Fatalf("unexpected channel %q leaked through task:* filter", f.Channel)
		}
	}
	var sawTaskEvent bool
	for _, f := range frames {
		if f.Channel == bus.ChannelTaskCompleted {
			sawTaskEvent = true
		}
	}
	if !sawTaskEvent {
		t.Fatalf("expected a task:completed frame, got %+v", frames)
	}
}

func TestStreamServer_KeepaliveCommentsWhenIdle(t *testing.T) {
	b := bus.New()
	srv := streamserver.New(streamserver.Config{Bus: b, Keepalive: 30 * time.Millisecond})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var sawKeepalive bool
	for scanner.Scan() {
		if scanner.Text() == ":" {
			sawKeepalive = true
			break
		}
	}
	if !sawKeepalive {
		t.Fatalf("expected at least one keepalive comment line")
	}
}

func TestStreamServer_PostSubscribeBody(t *testing.T) {
	b := bus.New()
	srv := streamserver.New(streamserver.Config{Bus: b})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Publish(bus.ChannelDocReady, bus.DocReadyEvent{ScheduleID: "s1", TaskID: "t1"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/stream", strings.NewReader(`{"patterns":["doc:ready"]}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	frames := readFrames(t, resp)
	var sawDocReady bool
	for _, f := range frames {
		if f.Channel == bus.ChannelDocReady {
			sawDocReady = true
		}
	}
	if !sawDocReady {
		t.Fatalf("expected a doc:ready frame via POST subscribe, got %+v", frames)
	}
}
