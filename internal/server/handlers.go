package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/BadgerOps/dtebundle/internal/bundle"
	"github.com/BadgerOps/dtebundle/internal/faults"
	"github.com/BadgerOps/dtebundle/internal/objref"
	"github.com/BadgerOps/dtebundle/internal/signer"
	"github.com/BadgerOps/dtebundle/internal/store"
)

const maxRequestBytes = 1 << 20

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Code    string      `json:"code"`
	Kind    faults.Kind `json:"kind"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

// writeJSON encodes v with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps err to a status code and the error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := faults.Classify(err)
	s.writeJSON(w, statusFor(kind), errorResponse{
		Code:    kind.Code(),
		Kind:    kind,
		Message: kind.UserMessage(),
		Detail:  err.Error(),
	})
}

func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.InvalidInput:
		return http.StatusBadRequest
	case faults.NotFound:
		return http.StatusNotFound
	case faults.Timeout:
		return http.StatusGatewayTimeout
	case faults.Canceled:
		return 499
	case faults.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.deps.Metrics.RecordInputError()
		s.writeError(w, faults.Newf(faults.InvalidInput, "decode", "invalid request body: %v", err))
		return false
	}
	return true
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bundleRequest struct {
	JobID       string   `json:"job_id"`
	Keys        []string `json:"keys"`
	ArchiveName string   `json:"archive_name"`
}

type bundleResponse struct {
	*bundle.Job
	Message   string           `json:"message"`
	Analytics bundle.Analytics `json:"analytics"`
}

// handleCreateBundle packages the requested keys synchronously.
func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Packager == nil {
		s.writeError(w, faults.Newf(faults.Internal, "bundle", "packaging is disabled: no archive bucket configured"))
		return
	}
	var req bundleRequest
	if !s.decode(w, r, &req) {
		return
	}
	refs, err := objref.ParseAll(req.Keys, s.deps.DefaultBucket)
	if err != nil {
		s.deps.Metrics.RecordInputError()
		s.writeError(w, err)
		return
	}

	job, err := s.deps.Packager.Package(r.Context(), req.JobID, refs, req.ArchiveName)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if job.State == bundle.StateFailed {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, bundleResponse{Job: job, Message: job.UserMessage(), Analytics: job.Analytics()})
}

type signRequest struct {
	URI               string `json:"uri"`
	ExpirationMinutes int    `json:"expiration_minutes"`
	Method            string `json:"method"`
}

// handleSign mints one signed URL.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if !s.decode(w, r, &req) {
		return
	}
	su, err := s.deps.Signer.SignURI(r.Context(), req.URI, signer.SignOptions{
		Method:            req.Method,
		ExpirationMinutes: req.ExpirationMinutes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, su)
}

// handleMetrics returns the metrics summary.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Metrics.Summary())
}

func (s *Server) handleMetricsErrors(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.intParam(w, r, "limit", 50)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Metrics.RecentErrors(limit))
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Metrics.Reset()
	s.logger.Info("metrics reset")
	w.WriteHeader(http.StatusNoContent)
}

// handleTimeSync returns the cached probe, or a fresh one with refresh=true.
func (s *Server) handleTimeSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		s.writeJSON(w, http.StatusOK, s.deps.Clock.Refresh(r.Context()))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Clock.Check(r.Context()))
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"report": s.deps.Env.Validate(r.Context()),
		"status": s.deps.Env.Status(),
	})
}

// handleListJobs lists recorded jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		s.writeJSON(w, http.StatusOK, []store.JobRecord{})
		return
	}
	limit, ok := s.intParam(w, r, "limit", 100)
	if !ok {
		return
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), r.URL.Query().Get("state"), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Jobs == nil {
		s.writeError(w, faults.Newf(faults.NotFound, "get_job", "job history is disabled"))
		return
	}
	job, err := s.deps.Jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			err = faults.New(faults.NotFound, "get_job", err)
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeError(w, faults.Newf(faults.InvalidInput, "query", "%s must be a non-negative integer", name))
		return 0, false
	}
	return n, true
}
