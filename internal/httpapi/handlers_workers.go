package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tx/internal/types"
	"tx/internal/worker"
)

// =============================================================================
// WORKER HANDLERS
// =============================================================================

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	status := types.WorkerStatus(r.URL.Query().Get("status"))
	if status != "" && !types.ValidWorkerStatus(status) {
		writeValidation(w, "unknown worker status %q", status)
		return
	}
	workers, err := s.svc.Registry.List(status)
	if err != nil {
		writeError(w, err)
		return
	}
	if workers == nil {
		workers = []types.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": workers})
}

type registerWorkerRequest struct {
	ID           string                 `json:"id"`
	Hostname     string                 `json:"hostname"`
	PID          int                    `json:"pid"`
	Capabilities []string               `json:"capabilities"`
	Metadata     map[string]interface{} `json:"metadata"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	registered, err := s.svc.Registry.Register(worker.RegisterParams{
		ID:           req.ID,
		Hostname:     req.Hostname,
		PID:          req.PID,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !types.ValidWorkerID(id) {
		writeValidation(w, "malformed worker id %q", id)
		return
	}
	wk, err := s.svc.Registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleDeregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !types.ValidWorkerID(id) {
		writeValidation(w, "malformed worker id %q", id)
		return
	}
	released, err := s.svc.Registry.Deregister(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deregistered": true, "releasedTasks": released})
}

type workerHeartbeatRequest struct {
	Status        string                 `json:"status" validate:"required,oneof=starting idle busy stopping dead"`
	CurrentTaskID string                 `json:"currentTaskId"`
	Metrics       map[string]interface{} `json:"metrics"`
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !types.ValidWorkerID(id) {
		writeValidation(w, "malformed worker id %q", id)
		return
	}
	var req workerHeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		writeValidation(w, "invalid heartbeat: %v", err)
		return
	}
	if req.CurrentTaskID != "" && !types.ValidTaskID(req.CurrentTaskID) {
		writeValidation(w, "malformed task id %q", req.CurrentTaskID)
		return
	}

	err := s.svc.Registry.Heartbeat(id, time.Time{}, types.WorkerStatus(req.Status), req.CurrentTaskID, req.Metrics)
	if err != nil {
		writeError(w, err)
		return
	}
	wk, err := s.svc.Registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}
