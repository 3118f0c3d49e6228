// Package api implements the broker's internal Enqueue API of spec
// §6.2, exposed as an HTTP/JSON RPC surface the way the spec allows
// ("implementers may expose as RPC"). Handler shape and bearer-token
// gating are generalized from the teacher's internal/gateway — plain
// net/http with a constant-time-compare auth middleware instead of
// gateway.AuthMiddleware's multi-key lookup, since the broker has one
// worker_auth_token, not a keyring.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/brokerd/internal/domain"
	brokerotel "github.com/basket/brokerd/internal/otel"
	"github.com/basket/brokerd/internal/store"
)

// Config configures a Server.
type Config struct {
	Store     *store.Store
	AuthToken string // empty disables auth, same convention as hub.Config.AuthToken
	Logger    *slog.Logger

	// Tracer and Metrics are optional; nil leaves the handler chain
	// exactly as it was before telemetry existed.
	Tracer  trace.Tracer
	Metrics *brokerotel.Metrics
}

// Server implements spec §6.2's enqueue/cancel/get/count_by_status as
// JSON HTTP handlers.
type Server struct {
	cfg Config
}

// New constructs a Server with defaults applied.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler returns the mux routing spec §6.2's four operations.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleEnqueue)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/tasks/count", s.handleCount)
	return s.wrapTelemetry(s.wrapAuth(mux))
}

// wrapTelemetry starts a server span and records request duration for
// every route, the one place all four spec §6.2 operations pass
// through regardless of which handler serves them.
func (s *Server) wrapTelemetry(next http.Handler) http.Handler {
	if s.cfg.Tracer == nil && s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = brokerotel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

// wrapAuth gates every route behind Authorization: Bearer <token> when
// AuthToken is configured, using the same constant-time comparison as
// the teacher's gateway.AuthMiddleware.lookupKey.
func (s *Server) wrapAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	Kind                 string          `json:"kind"`
	RequiredCapability   string          `json:"required_capability"`
	FallbackCapabilities []string        `json:"fallback_capabilities"`
	Priority             int             `json:"priority"`
	Payload              json.RawMessage `json:"payload"`
	MaxRetries           int             `json:"max_retries"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := domain.Kind(req.Kind)
	if !domain.ValidKind(kind) {
		writeJSONError(w, http.StatusBadRequest, "unrecognized kind: "+req.Kind)
		return
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3 // spec §6.2 default
	}
	id, err := s.cfg.Store.Enqueue(r.Context(), kind, req.RequiredCapability, req.FallbackCapabilities, req.Priority, req.Payload, maxRetries)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id})
}

type taskResponse struct {
	ID                 string          `json:"id"`
	Kind               string          `json:"kind"`
	Status             string          `json:"status"`
	RequiredCapability string          `json:"required_capability"`
	Priority           int             `json:"priority"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	RetryCount         int             `json:"retry_count"`
	MaxRetries         int             `json:"max_retries"`
	AssignedWorkerID   string          `json:"assigned_worker_id,omitempty"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.cfg.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		ID:                 task.ID,
		Kind:               string(task.Kind),
		Status:             string(task.Status),
		RequiredCapability: task.RequiredCapability,
		Priority:           task.Priority,
		Payload:            task.Payload,
		Result:             task.Result,
		Error:              task.Error,
		RetryCount:         task.RetryCount,
		MaxRetries:         task.MaxRetries,
		AssignedWorkerID:   task.AssignedWorkerID,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	Status string `json:"status"` // "ok", "not_found", "already_terminal" (spec §6.2)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // empty body is a valid cancel with no reason

	// Cancel itself treats an already-terminal task as a silent no-op
	// (I4), so the three-way result spec §6.2 promises (ok |
	// not_found | already_terminal) needs a status read up front.
	before, err := s.cfg.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, cancelResponse{Status: "not_found"})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if before.Status.Terminal() {
		writeJSON(w, http.StatusOK, cancelResponse{Status: "already_terminal"})
		return
	}

	if err := s.cfg.Store.Cancel(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeJSON(w, http.StatusOK, cancelResponse{Status: "already_terminal"})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Status: "ok"})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		string(domain.StatusPending):    counts.Pending,
		string(domain.StatusAssigned):   counts.Assigned,
		string(domain.StatusProcessing): counts.Processing,
		string(domain.StatusCompleted):  counts.Completed,
		string(domain.StatusFailed):     counts.Failed,
		string(domain.StatusTimeout):    counts.Timeout,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
