package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tx/internal/learning"
	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/types"
)

// =============================================================================
// RUN HANDLERS
// =============================================================================

func runIDParam(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	return id, types.ValidRunID(id)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		Agent:  q.Get("agent"),
		Status: types.RunStatus(q.Get("status")),
		TaskID: q.Get("taskId"),
		Cursor: q.Get("cursor"),
	}
	if f.Status != "" && !types.ValidRunStatus(f.Status) {
		writeValidation(w, "unknown run status %q", f.Status)
		return
	}
	if f.TaskID != "" && !types.ValidTaskID(f.TaskID) {
		writeValidation(w, "malformed task id %q", f.TaskID)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeValidation(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	page, err := s.svc.Runs.List(f)
	if err != nil {
		writeError(w, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []types.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":      items,
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
		"total":      page.Total,
	})
}

type createRunRequest struct {
	Agent          string `json:"agent" validate:"required"`
	TaskID         string `json:"taskId"`
	WorkerID       string `json:"workerId"`
	PID            int    `json:"pid"`
	TranscriptPath string `json:"transcriptPath"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid run: %v", err)
		return
	}
	if req.TaskID != "" && !types.ValidTaskID(req.TaskID) {
		writeValidation(w, "malformed task id %q", req.TaskID)
		return
	}
	if req.WorkerID != "" && !types.ValidWorkerID(req.WorkerID) {
		writeValidation(w, "malformed worker id %q", req.WorkerID)
		return
	}

	created, err := s.svc.Runs.Create(run.CreateParams{
		Agent:          req.Agent,
		TaskID:         req.TaskID,
		WorkerID:       req.WorkerID,
		PID:            req.PID,
		TranscriptPath: req.TranscriptPath,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(r)
	if !ok {
		writeValidation(w, "malformed run id %q", id)
		return
	}
	rn, err := s.svc.Runs.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

type updateRunRequest struct {
	Status       string `json:"status" validate:"required,oneof=completed failed"`
	ExitCode     *int   `json:"exitCode"`
	Summary      string `json:"summary"`
	ErrorMessage string `json:"errorMessage"`
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(r)
	if !ok {
		writeValidation(w, "malformed run id %q", id)
		return
	}
	var req updateRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid run update: %v", err)
		return
	}

	rn, err := s.svc.Runs.Complete(id, run.CompleteParams{
		Status:       types.RunStatus(req.Status),
		ExitCode:     req.ExitCode,
		Summary:      req.Summary,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

type runHeartbeatRequest struct {
	StdoutBytes     *int64 `json:"stdoutBytes"`
	StderrBytes     *int64 `json:"stderrBytes"`
	TranscriptBytes *int64 `json:"transcriptBytes"`
	Activity        bool   `json:"activity"`
}

func (s *Server) handleRunHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(r)
	if !ok {
		writeValidation(w, "malformed run id %q", id)
		return
	}
	var req runHeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := run.HeartbeatParams{StdoutBytes: -1, StderrBytes: -1, TranscriptBytes: -1, Activity: req.Activity}
	if req.StdoutBytes != nil {
		p.StdoutBytes = *req.StdoutBytes
	}
	if req.StderrBytes != nil {
		p.StderrBytes = *req.StderrBytes
	}
	if req.TranscriptBytes != nil {
		p.TranscriptBytes = *req.TranscriptBytes
	}

	rn, err := s.svc.Runs.Heartbeat(id, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

func (s *Server) handleStalledRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var idle, lag time.Duration
	if v := q.Get("transcriptIdleSeconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeValidation(w, "transcriptIdleSeconds must be a positive integer")
			return
		}
		idle = time.Duration(n) * time.Second
	}
	if v := q.Get("heartbeatLagSeconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeValidation(w, "heartbeatLagSeconds must be a positive integer")
			return
		}
		lag = time.Duration(n) * time.Second
	}

	stalled, err := s.svc.Reaper.ListStalled(types.Now(), idle, lag)
	if err != nil {
		writeError(w, err)
		return
	}
	if stalled == nil {
		stalled = []types.StalledRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": stalled})
}

type reapRequest struct {
	TranscriptIdleSeconds int  `json:"transcriptIdleSeconds" validate:"min=0"`
	HeartbeatLagSeconds   int  `json:"heartbeatLagSeconds" validate:"min=0"`
	ResetTask             bool `json:"resetTask"`
	DryRun                bool `json:"dryRun"`
}

func (s *Server) handleReapRuns(w http.ResponseWriter, r *http.Request) {
	var req reapRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid reap request: %v", err)
		return
	}

	results, err := s.svc.Reaper.ReapStalled(types.Now(), run.ReapOptions{
		TranscriptIdle: time.Duration(req.TranscriptIdleSeconds) * time.Second,
		HeartbeatLag:   time.Duration(req.HeartbeatLagSeconds) * time.Second,
		ResetTask:      req.ResetTask,
		DryRun:         req.DryRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []run.ReapResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reaped": results})
}

type runFeedbackRequest struct {
	Usages []learning.Usage `json:"usages" validate:"required,min=1,dive"`
}

// handleRunFeedback records which learnings a run used and whether each
// helped.
func (s *Server) handleRunFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(r)
	if !ok {
		writeValidation(w, "malformed run id %q", id)
		return
	}
	var req runFeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid feedback: %v", err)
		return
	}
	if err := s.svc.Feedback.RecordUsage(id, req.Usages); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recorded": len(req.Usages)})
}
