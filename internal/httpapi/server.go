// Package httpapi exposes the queue over HTTP: enqueue, listing,
// operator transitions, stats, and the SSE stream endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/daleheenan/startup-sub012/internal/bus"
	"github.com/daleheenan/startup-sub012/internal/id"
	"github.com/daleheenan/startup-sub012/internal/job"
	"github.com/daleheenan/startup-sub012/internal/session"
)

// DefaultListLimit caps job listings when the caller gives no limit.
const DefaultListLimit = 50

// MaxListLimit is the hard ceiling on a single listing page.
const MaxListLimit = 200

// Server wires the queue components into an HTTP router.
type Server struct {
	Store    job.Store
	Registry *job.Registry
	Tracker  *session.Tracker
	Bus      *bus.Bus
	Events   http.Handler
	Logger   *slog.Logger

	// RequeueResetAttempts controls whether an operator requeue zeroes
	// the attempt counter. Off by default so automatic retries stay
	// distinguishable from operator intervention in the audit trail.
	RequeueResetAttempts bool
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/requeue", s.handleRequeue)
		r.Post("/jobs/{id}/pause", s.handlePause)
		r.Get("/stats", s.handleStats)
		if s.Events != nil {
			r.Get("/events", s.Events.ServeHTTP)
		}
	})

	return r
}

type enqueueRequest struct {
	Type     string          `json:"type"`
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.TargetID) == "" {
		writeErr(w, http.StatusBadRequest, errors.New("targetId is required"))
		return
	}

	jobType, err := job.ParseType(req.Type)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	opts, ok := s.Registry.Options(jobType)
	if !ok {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no handler registered for type %q", jobType))
		return
	}

	j := job.New(jobType, req.TargetID, req.Payload, opts.MaxAttempts)
	if err := s.Store.Enqueue(r.Context(), j); err != nil {
		if errors.Is(err, job.ErrDuplicateActiveJob) {
			writeErr(w, http.StatusConflict, err)
			return
		}
		s.Logger.Error("enqueue job", slog.String("error", err.Error()))
		writeErr(w, http.StatusInternalServerError, errors.New("enqueue failed"))
		return
	}

	s.Logger.Info("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.String("target_id", j.TargetID),
	)
	s.Bus.Publish(bus.ChannelJobUpdate, j)

	writeJSON(w, http.StatusCreated, map[string]any{
		"jobId":    j.ID,
		"type":     j.Type,
		"targetId": j.TargetID,
		"status":   j.Status,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := job.ListOpts{Limit: DefaultListLimit}

	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := job.Status(raw)
		switch status {
		case job.StatusPending, job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusPaused:
			opts.Status = status
		default:
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status %q", raw))
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		if limit > MaxListLimit {
			limit = MaxListLimit
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid offset %q", raw))
			return
		}
		opts.Offset = offset
	}

	jobs, total, err := s.Store.List(r.Context(), opts)
	if err != nil {
		s.Logger.Error("list jobs", slog.String("error", err.Error()))
		writeErr(w, http.StatusInternalServerError, errors.New("list failed"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	j, err := s.Store.Get(r.Context(), jobID)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type requeueRequest struct {
	ResetAttempts *bool `json:"resetAttempts,omitempty"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	reset := s.RequeueResetAttempts
	if r.ContentLength > 0 {
		var req requeueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		if req.ResetAttempts != nil {
			reset = *req.ResetAttempts
		}
	}

	if err := s.Store.Requeue(r.Context(), jobID, reset); err != nil {
		s.writeStoreErr(w, err)
		return
	}

	// Operator action, logged distinctly from automatic retry.
	s.Logger.Info("operator requeued job",
		slog.String("job_id", jobID.String()),
		slog.Bool("reset_attempts", reset),
	)
	s.publishJobUpdate(r, jobID)

	j, err := s.Store.Get(r.Context(), jobID)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	if err := s.Store.Pause(r.Context(), jobID); err != nil {
		s.writeStoreErr(w, err)
		return
	}

	s.Logger.Info("operator paused job", slog.String("job_id", jobID.String()))
	s.publishJobUpdate(r, jobID)

	j, err := s.Store.Get(r.Context(), jobID)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.GetStats(r.Context())
	if err != nil {
		s.Logger.Error("queue stats", slog.String("error", err.Error()))
		writeErr(w, http.StatusInternalServerError, errors.New("stats failed"))
		return
	}

	resp := map[string]any{"queue": stats}
	if s.Tracker != nil {
		resp["session"] = s.Tracker.GetStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) publishJobUpdate(r *http.Request, jobID id.JobID) {
	j, err := s.Store.Get(r.Context(), jobID)
	if err != nil {
		s.Logger.Error("load job for event",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.Bus.Publish(bus.ChannelJobUpdate, j)
}

// writeStoreErr maps store errors onto HTTP statuses.
func (s *Server) writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, job.ErrInvalidState):
		writeErr(w, http.StatusConflict, err)
	case errors.Is(err, job.ErrDuplicateActiveJob):
		writeErr(w, http.StatusConflict, err)
	default:
		s.Logger.Error("store error", slog.String("error", err.Error()))
		writeErr(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
