package server

import (
	"fmt"
	"net/http"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/pulse/schedule"
)

// ListRunsResponse is a page of a job's run history.
type ListRunsResponse struct {
	Runs    []schedule.Run `json:"runs"`
	Count   int            `json:"count"`
	Total   int            `json:"total"`
	HasMore bool           `json:"has_more"`
}

var validRunStatuses = map[string]bool{
	schedule.RunStatusPending:   true,
	schedule.RunStatusRunning:   true,
	schedule.RunStatusSuccess:   true,
	schedule.RunStatusFailed:    true,
	schedule.RunStatusCancelled: true,
}

// HandleJobRuns lists a job's runs, newest first.
// GET /api/jobs/{job}/runs?limit=50&offset=0&status=failed
func (s *Server) HandleJobRuns(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := r.PathValue("job")

	limit := parseIntQueryParam(r, "limit", 50, 1, 100)
	offset := parseIntQueryParam(r, "offset", 0, 0, 1000000)
	status := r.URL.Query().Get("status")
	if status != "" && !validRunStatuses[status] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status: %s", status))
		return
	}

	if _, err := s.jobs.Get(r.Context(), jobID); err != nil {
		writeStoreError(w, s.logger, err, "Failed to get job")
		return
	}

	runs, total, err := s.runs.ListRuns(r.Context(), jobID, schedule.ListRunsOptions{
		Limit:  limit,
		Offset: offset,
		Status: status,
	})
	if err != nil {
		s.logger.Errorw("Failed to list runs", "error", err, logger.FieldJobID, jobID)
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	resp := ListRunsResponse{
		Runs:    make([]schedule.Run, 0, len(runs)),
		Count:   len(runs),
		Total:   total,
		HasMore: offset+len(runs) < total,
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, *run)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleJobRun returns one run.
// GET /api/jobs/{job}/runs/{run}
func (s *Server) HandleJobRun(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	run, err := s.runs.GetRun(r.Context(), r.PathValue("job"), r.PathValue("run"))
	if err != nil {
		writeStoreError(w, s.logger, err, "Failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// HandleRunLog returns a run's full captured output as plain text.
// GET /api/jobs/{job}/runs/{run}/log
func (s *Server) HandleRunLog(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	jobID, runID := r.PathValue("job"), r.PathValue("run")

	run, err := s.runs.GetRun(r.Context(), jobID, runID)
	if err != nil {
		writeStoreError(w, s.logger, err, "Failed to get run")
		return
	}
	if run.LogLocation == nil {
		writeError(w, http.StatusNotFound, "No log available")
		return
	}

	content, err := s.logs.Read(run.JobID, run.ID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "No log available")
			return
		}
		s.logger.Errorw("Failed to read run log", "error", err,
			logger.FieldJobID, jobID,
			logger.FieldRunID, runID,
		)
		writeError(w, http.StatusInternalServerError, "Failed to read run log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}
