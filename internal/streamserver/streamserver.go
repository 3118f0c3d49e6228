// Package streamserver implements the broker's general-purpose Event
// Bus subscriber endpoint (spec §4.7): an SSE stream over an arbitrary
// pattern list, generalized from the teacher's single task_id-filtered
// stream in internal/gateway/stream.go.
package streamserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/shared"
)

const (
	defaultKeepalive    = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Config configures a Server.
type Config struct {
	Bus          *bus.Bus
	Logger       *slog.Logger
	Keepalive    time.Duration // interval between ":\n\n" keepalive comments when idle
	WriteTimeout time.Duration // a write blocking past this closes the connection (spec §5 backpressure)
}

// Server is the stream endpoint. One instance serves every subscriber;
// each request opens its own Bus subscription.
type Server struct {
	cfg Config
}

// New constructs a Server with defaults applied.
func New(cfg Config) *Server {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultKeepalive
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

type streamFrame struct {
	Channel   string    `json:"channel"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type connectedPayload struct {
	ClientID string `json:"client_id"`
}

type subscribeBody struct {
	Patterns []string `json:"patterns"`
}

// ServeHTTP streams Bus events matching the request's pattern list as
// Server-Sent Events. Patterns come from a "channels" query parameter
// (comma-separated) on GET, or a {"patterns": [...]} JSON body on POST;
// an empty list subscribes to everything ("*").
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if srv.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	patterns := srv.patterns(r)
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	rc := http.NewResponseController(w)

	sub := srv.cfg.Bus.Subscribe(patterns...)
	defer srv.cfg.Bus.Unsubscribe(sub)

	clientID := shared.NewTraceID()
	connected, _ := json.Marshal(streamFrame{Channel: "connected", Payload: connectedPayload{ClientID: clientID}, Timestamp: time.Now()})
	if !srv.write(w, rc, flusher, fmt.Sprintf("data: %s\n\n", connected)) {
		return
	}

	ctx := r.Context()
	keepalive := time.NewTicker(srv.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if !srv.write(w, rc, flusher, ":\n\n") {
				return
			}
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(streamFrame{Channel: event.Channel, Payload: event.Payload, Timestamp: event.Timestamp})
			if err != nil {
				srv.cfg.Logger.Error("stream_marshal_failed", slog.String("channel", event.Channel), slog.String("error", err.Error()))
				continue
			}
			if !srv.write(w, rc, flusher, fmt.Sprintf("data: %s\n\n", data)) {
				return
			}
		}
	}
}

func (srv *Server) patterns(r *http.Request) []string {
	if r.Method == http.MethodPost {
		var body subscribeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && len(body.Patterns) > 0 {
			return body.Patterns
		}
	}
	if raw := r.URL.Query().Get("channels"); raw != "" {
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// write applies the per-write backpressure timeout (spec §5) before
// writing a raw SSE chunk; a write that blocks past WriteTimeout (or
// errors for any other reason) closes the stream.
func (srv *Server) write(w http.ResponseWriter, rc *http.ResponseController, flusher http.Flusher, chunk string) bool {
	_ = rc.SetWriteDeadline(time.Now().Add(srv.cfg.WriteTimeout))
	if _, err := io.WriteString(w, chunk); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
