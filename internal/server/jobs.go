package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/terrpan/gpuwarden/internal/dispatch"
	"github.com/terrpan/gpuwarden/internal/store"
)

// jobRequest is the body of POST /jobs.
type jobRequest struct {
	JobID      string          `json:"jobId"`
	Payload    json.RawMessage `json:"payload"`
	TTLSeconds int64           `json:"ttlSeconds"`
}

type jobResponse struct {
	JobID    string    `json:"jobId"`
	Deadline time.Time `json:"deadline"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// submitJob creates the job lease and queues the job for the worker.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.JobID == "" {
		s.respondError(w, http.StatusBadRequest, "jobId is required")
		return
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		s.respondError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if req.TTLSeconds < 0 {
		s.respondError(w, http.StatusBadRequest, "ttlSeconds must not be negative")
		return
	}

	ttl := s.cfg.DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	deadline := s.now().Add(ttl).Truncate(time.Second)

	logger := s.logger.With(slog.String("job_id", req.JobID))
	if err := s.deps.Leases.Put(r.Context(), store.Lease{JobID: req.JobID, Deadline: deadline}); err != nil {
		logger.Error("failed to create lease", slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, "failed to create lease")
		return
	}

	select {
	case s.queue <- dispatch.Job{ID: req.JobID, Payload: payload}:
	default:
		logger.Warn("job queue full", slog.Int("capacity", cap(s.queue)))
		s.respondError(w, http.StatusServiceUnavailable, "job queue is full")
		return
	}

	logger.Info("job accepted", slog.Time("deadline", deadline))
	s.respondJSON(w, http.StatusAccepted, jobResponse{JobID: req.JobID, Deadline: deadline})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, errorResponse{Error: message})
}
