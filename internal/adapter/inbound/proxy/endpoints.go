package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/moltbook/shellgate/internal/domain/audit"
	"github.com/moltbook/shellgate/internal/service"
)

// maxLocalBody bounds local endpoint request bodies. Slightly above the
// memory cap so oversized memory files reach the 413 path instead of
// failing mid-read.
const maxLocalBody = (1 << 20) + (64 << 10)

// localRouter builds the control-endpoint mux.
func (s *Server) localRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/post", s.handleAction(s.actions.SubmitPost)).Methods(http.MethodPost)
	r.HandleFunc("/vote", s.handleAction(s.actions.SubmitVote)).Methods(http.MethodPost)
	r.HandleFunc("/memory", s.handleAction(s.memory.Save)).Methods(http.MethodPost)
	r.HandleFunc("/memory/latest", s.handleMemoryLatest).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleNotFound)
	return r
}

// handleAction adapts a body-consuming service call to an HTTP handler.
func (s *Server) handleAction(fn func(ctx context.Context, raw []byte, requestID string) service.Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxLocalBody))
		if err != nil {
			s.audit.Log(audit.Record{
				RequestID:      requestID,
				Method:         r.Method,
				Path:           r.URL.Path,
				BlockedReason:  "Failed to read request body",
				ResponseStatus: http.StatusBadRequest,
				DurationMs:     time.Since(start).Milliseconds(),
			})
			s.metrics.ObserveRequest("local", http.StatusBadRequest, time.Since(start))
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Failed to read body"})
			return
		}

		resp := fn(r.Context(), body, requestID)
		s.metrics.ObserveRequest("local", resp.Status, time.Since(start))
		writeJSON(w, resp.Status, resp.Body)
	}
}

// handleMemoryLatest serves the newest approved memory file.
func (s *Server) handleMemoryLatest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp := s.memory.Latest(r.Context(), uuid.NewString())
	s.metrics.ObserveRequest("local", resp.Status, time.Since(start))
	writeJSON(w, resp.Status, resp.Body)
}

// handleHealth reports liveness plus the active allowlist domains, so
// an operator can verify which config generation is serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.audit.Log(audit.Record{
		RequestID:      uuid.NewString(),
		Method:         http.MethodGet,
		Path:           "/health",
		Allowed:        true,
		ResponseStatus: http.StatusOK,
		DurationMs:     time.Since(start).Milliseconds(),
	})
	s.metrics.ObserveRequest("local", http.StatusOK, time.Since(start))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"allowlist_domains": s.allow.Current().Domains(),
	})
}

// handleNotFound covers unknown local paths and wrong methods.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.audit.Log(audit.Record{
		RequestID:      uuid.NewString(),
		Method:         r.Method,
		Path:           r.URL.Path,
		BlockedReason:  "Unknown endpoint",
		ResponseStatus: http.StatusNotFound,
		DurationMs:     time.Since(start).Milliseconds(),
	})
	s.metrics.ObserveRequest("local", http.StatusNotFound, time.Since(start))

	writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
