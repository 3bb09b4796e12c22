package server

import (
	"net/http"
	"strconv"

	"github.com/fetchkit/fetchd/internal/version"
	"github.com/fetchkit/fetchd/job"
)

// CreateJobRequest is the body of POST /api/jobs
type CreateJobRequest struct {
	URLs    []string    `json:"urls"`
	Options job.Options `json:"options"`
}

// CancelRequest is the optional body of POST /api/jobs/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// EntriesRequest is the body of the per-entry retry and select commands
type EntriesRequest struct {
	Indices []int `json:"indices"`
}

// SelectionResponse reports the accepted selection. On a lost selection race
// the conflict body carries the winner's indices so the client can converge.
type SelectionResponse struct {
	Accepted []int  `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// HandleHealth reports daemon liveness and build information
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Get(),
	})
}

// HandleStats reports live registry counters
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := s.mgr.Stats()
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleJobs lists jobs (GET, optional ?status=) or creates one (POST)
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		filter := job.Status(r.URL.Query().Get("status"))
		if filter != "" && !filter.IsValid() {
			writeError(w, http.StatusBadRequest, "unknown status filter: "+string(filter))
			return
		}
		jobs, err := s.mgr.List(filter)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*job.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
		return
	}

	var req CreateJobRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	created, err := s.mgr.Create(req.URLs, req.Options)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	s.logger.Infow("Job created",
		"job_id", shortID(created.ID),
		"urls", len(created.URLs),
	)
	writeJSON(w, http.StatusCreated, created)
}

// HandleJob serves one job (GET) or removes a terminal one (DELETE)
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	id := r.PathValue("id")

	if r.Method == http.MethodGet {
		j, err := s.mgr.Get(id)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
		return
	}

	if err := s.mgr.Delete(id); err != nil {
		writeCommandError(w, err)
		return
	}
	s.logger.Infow("Job deleted", "job_id", shortID(id))
	w.WriteHeader(http.StatusNoContent)
}

// HandleJobAction routes lifecycle commands and incremental reads for one job
func (s *Server) HandleJobAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.PathValue("action") {
	case "pause":
		s.runCommand(w, r, id, s.mgr.Pause)
	case "resume":
		s.runCommand(w, r, id, s.mgr.Resume)
	case "retry":
		s.runCommand(w, r, id, s.mgr.Retry)
	case "cancel":
		s.handleCancel(w, r, id)
	case "options":
		s.handleOptions(w, r, id)
	case "logs":
		s.handleLogs(w, r, id)
	case "entries":
		s.handleEntries(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown action: "+r.PathValue("action"))
	}
}

// runCommand executes a body-less POST command and returns the updated job
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, id string, cmd func(string) error) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := cmd(id); err != nil {
		writeCommandError(w, err)
		return
	}
	j, err := s.mgr.Get(id)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req CancelRequest
	if r.ContentLength > 0 {
		if readJSON(w, r, &req) != nil {
			return
		}
	}
	if err := s.mgr.Cancel(id, req.Reason); err != nil {
		writeCommandError(w, err)
		return
	}
	j, err := s.mgr.Get(id)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request, id string) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPut) {
		return
	}

	if r.Method == http.MethodGet {
		since, err := sinceParam(r)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		sync, err := s.mgr.OptionsSince(id, since)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sync)
		return
	}

	var opts job.Options
	if readJSON(w, r, &opts) != nil {
		return
	}
	v, err := s.mgr.UpdateOptions(id, opts)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"version": v})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, id string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	since, err := sinceParam(r)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	sync, err := s.mgr.LogsSince(id, since)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sync)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request, id string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	since, err := sinceParam(r)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	sync, err := s.mgr.EntriesSince(id, since)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sync)
}

// HandleEntriesAction routes per-entry commands: retry and select
func (s *Server) HandleEntriesAction(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	id := r.PathValue("id")

	var req EntriesRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	switch r.PathValue("action") {
	case "retry":
		if err := s.mgr.RetryEntries(id, req.Indices); err != nil {
			writeCommandError(w, err)
			return
		}
		j, err := s.mgr.Get(id)
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)

	case "select":
		accepted, err := s.mgr.SelectEntries(id, req.Indices)
		if err != nil {
			// a lost selection race still tells the client what won
			if accepted != nil {
				writeJSON(w, http.StatusConflict, SelectionResponse{
					Accepted: accepted,
					Error:    err.Error(),
				})
				return
			}
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, SelectionResponse{Accepted: accepted})

	default:
		writeError(w, http.StatusNotFound, "unknown entries action: "+r.PathValue("action"))
	}
}

// HandleHistory lists archived jobs, newest first (GET, optional ?limit=)
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "job history is not configured")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter: "+raw)
			return
		}
		limit = parsed
	}

	rows, err := s.history.List(limit)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	total, err := s.history.Count()
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": rows, "total": total})
}

// HandleHistoryJob serves one archived job snapshot (GET)
func (s *Server) HandleHistoryJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "job history is not configured")
		return
	}

	j, err := s.history.Get(r.PathValue("id"))
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
