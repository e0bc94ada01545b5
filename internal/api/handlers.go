package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/stevedore/internal/dispatch"
	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
	"github.com/mattjoyce/stevedore/internal/runner"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.jobs.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		StartedAt:     s.startedAt.UTC(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		Threads:       s.runners.Threads(),
	}
	for _, st := range s.runners.List() {
		resp.RunnersRegistered++
		if st.Active {
			resp.RunnersActive++
		}
		if !st.Definition.Valid {
			resp.RunnersInvalid++
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListRunners handles GET /runners.
func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	statuses := s.runners.List()
	resp := RunnerListResponse{Runners: make([]RunnerSummary, 0, len(statuses))}
	for _, st := range statuses {
		resp.Runners = append(resp.Runners, summarize(st))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetRunner handles GET /runners/{id}.
func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	st, ok := s.findRunner(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "runner not found")
		return
	}

	tpl := runner.ExportTemplate(st.Definition)
	respondJSON(w, http.StatusOK, RunnerDetailResponse{
		RunnerSummary:  summarize(st),
		Description:    st.Definition.Description,
		Logo:           st.Definition.Logo,
		Inputs:         tpl.InputParameters,
		Outputs:        tpl.OutputParameters,
		DeclaredErrors: tpl.DeclaredErrors,
	})
}

// handleTemplate handles GET /runners/{id}/template[?format=yaml].
func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.findRunner(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "runner not found")
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	body, err := runner.ExportTemplate(st.Definition).Encode(format)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType, ext := "application/json", "json"
	if format == "yaml" || format == "yml" {
		contentType, ext = "application/yaml", "yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"."+ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleStartRunner handles POST /runners/{id}/start[?restart=false].
func (s *Server) handleStartRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := s.runners.StartRunner
	if v := r.URL.Query().Get("restart"); v != "" {
		restart, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "restart must be true or false")
			return
		}
		if !restart {
			start = s.runners.ResumeRunner
		}
	}

	if err := start(r.Context(), id); err != nil {
		s.writeLifecycleError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, RunnerStateResponse{ID: id, Active: true})
}

// handleStopRunner handles POST /runners/{id}/stop.
func (s *Server) handleStopRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runners.StopRunner(r.Context(), id); err != nil {
		s.writeLifecycleError(w, id, err)
		return
	}
	respondJSON(w, http.StatusOK, RunnerStateResponse{ID: id, Active: false})
}

// handleGetThreads handles GET /settings/threads.
func (s *Server) handleGetThreads(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ThreadsResponse{Threads: s.runners.Threads()})
}

// handleSetThreads handles PUT /settings/threads.
func (s *Server) handleSetThreads(w http.ResponseWriter, r *http.Request) {
	var req ThreadsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Threads < 1 {
		s.writeError(w, http.StatusBadRequest, "threads must be at least 1")
		return
	}
	if err := s.runners.SetThreads(r.Context(), req.Threads); err != nil {
		s.logger.Error("failed to resize pool", "threads", req.Threads, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ThreadsResponse{Threads: s.runners.Threads()})
}

// handleCreateJob handles POST /jobs.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.Retries < 0 {
		s.writeError(w, http.StatusBadRequest, "retries must not be negative")
		return
	}

	key, err := s.jobs.CreateJob(r.Context(), queue.CreateJobRequest{
		Type:          req.Type,
		Variables:     req.Variables,
		CustomHeaders: req.CustomHeaders,
		Retries:       req.Retries,
	})
	if err != nil {
		s.logger.Error("failed to create job", "job_type", req.Type, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	respondJSON(w, http.StatusAccepted, CreateJobResponse{Key: key, Status: string(queue.StatusActivatable)})
}

// handleGetJob handles GET /jobs/{key}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	job, err := s.jobs.GetJob(r.Context(), key)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleListOperations handles GET /operations?limit=.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	if s.ops == nil {
		respondJSON(w, http.StatusOK, OperationsResponse{Operations: []oplog.Event{}})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ops, err := s.ops.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list operations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	if ops == nil {
		ops = []oplog.Event{}
	}
	respondJSON(w, http.StatusOK, OperationsResponse{Operations: ops})
}

func (s *Server) findRunner(id string) (dispatch.Status, bool) {
	for _, st := range s.runners.List() {
		if st.Definition.ID == id {
			return st, true
		}
	}
	return dispatch.Status{}, false
}

func summarize(st dispatch.Status) RunnerSummary {
	def := st.Definition
	return RunnerSummary{
		ID:          def.ID,
		Type:        def.Type,
		Name:        def.Name,
		Label:       def.DisplayLabel(),
		Kind:        string(def.Kind),
		Collection:  def.CollectionName,
		Active:      st.Active,
		Valid:       def.Valid,
		Errors:      def.DefinitionErrors,
		Fingerprint: def.Fingerprint,
	}
}

// lifecycleStatus maps a factory error onto an HTTP status.
func lifecycleStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrWorkerInvalidDefinition),
		errors.Is(err, dispatch.ErrAlreadyStarted),
		errors.Is(err, dispatch.ErrAlreadyStopped):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrCantStopRunner):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, id string, err error) {
	status := lifecycleStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("runner transition failed", "runner", id, "error", err)
	}
	s.writeError(w, status, err.Error())
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
