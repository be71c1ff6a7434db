// Package run manages execution sessions: lifecycle, heartbeats, and the
// reaper that terminates stalled runs.
package run

import (
	"time"

	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// RUN SERVICE
// =============================================================================

// Service exposes run lifecycle operations over the store.
type Service struct {
	store *store.Store
}

// NewService creates a run service.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// CreateParams are the fields recorded at dispatch.
type CreateParams struct {
	Agent          string
	TaskID         string
	WorkerID       string
	PID            int
	TranscriptPath string
}

// Create records a new running session.
func (s *Service) Create(p CreateParams) (types.Run, error) {
	timer := logging.StartTimer(logging.CategoryRuns, "Create")
	defer timer.Stop()

	if p.Agent == "" {
		return types.Run{}, txerr.Validation("run agent must be non-empty")
	}
	if p.TaskID != "" {
		if _, err := s.store.GetTask(p.TaskID); err != nil {
			return types.Run{}, err
		}
	}
	if p.WorkerID != "" {
		if _, err := s.store.GetWorker(p.WorkerID); err != nil {
			return types.Run{}, err
		}
	}

	now := types.Now()
	r := types.Run{
		ID:             types.NewRunID(),
		Agent:          p.Agent,
		TaskID:         p.TaskID,
		WorkerID:       p.WorkerID,
		PID:            p.PID,
		TranscriptPath: p.TranscriptPath,
		Status:         types.RunRunning,
		LastActivityAt: now,
		LastCheckAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertRun(r); err != nil {
		return types.Run{}, err
	}
	logging.Get(logging.CategoryRuns).Info("Run %s created (agent=%s task=%s pid=%d)", r.ID, r.Agent, r.TaskID, r.PID)
	return r, nil
}

// Get fetches one run.
func (s *Service) Get(id string) (types.Run, error) {
	return s.store.GetRun(id)
}

// List pages through runs, newest first.
func (s *Service) List(f store.RunFilter) (store.RunPage, error) {
	return s.store.ListRuns(f)
}

// HeartbeatParams carries one liveness report from a running session.
// Negative byte counters leave the stored value untouched.
type HeartbeatParams struct {
	StdoutBytes     int64
	StderrBytes     int64
	TranscriptBytes int64

	// Activity marks the transcript as having advanced, refreshing
	// lastActivityAt in addition to lastCheckAt.
	Activity bool
}

// Heartbeat records a check-in for a run.
func (s *Service) Heartbeat(id string, p HeartbeatParams) (types.Run, error) {
	return s.store.RunHeartbeat(id, types.Now(), p.StdoutBytes, p.StderrBytes, p.TranscriptBytes, p.Activity)
}

// CompleteParams finish a run with an explicit outcome.
type CompleteParams struct {
	Status       types.RunStatus // completed or failed
	ExitCode     *int
	Summary      string
	ErrorMessage string
}

// Complete transitions a run to a terminal status.
func (s *Service) Complete(id string, p CompleteParams) (types.Run, error) {
	timer := logging.StartTimer(logging.CategoryRuns, "Complete")
	defer timer.Stop()

	if p.Status != types.RunCompleted && p.Status != types.RunFailed {
		return types.Run{}, txerr.Validation("terminal run status must be completed or failed, got %q", p.Status)
	}
	current, err := s.store.GetRun(id)
	if err != nil {
		return types.Run{}, err
	}
	if current.Status != types.RunRunning {
		return types.Run{}, txerr.New(txerr.KindIllegalTransition,
			"run %s is %s and cannot transition to %s", id, current.Status, p.Status)
	}

	now := types.Now()
	fields := map[string]interface{}{
		"status":       string(p.Status),
		"completed_at": store.ToMillis(now),
	}
	if p.ExitCode != nil {
		fields["exit_code"] = *p.ExitCode
	}
	if p.Summary != "" {
		fields["summary"] = p.Summary
	}
	if p.ErrorMessage != "" {
		fields["error_message"] = p.ErrorMessage
	}
	r, err := s.store.UpdateRun(id, fields)
	if err != nil {
		return types.Run{}, err
	}
	logging.Get(logging.CategoryRuns).Info("Run %s finished: %s", id, p.Status)
	return r, nil
}

// ListRunning returns all runs still in flight.
func (s *Service) ListRunning() ([]types.Run, error) {
	return s.store.ListRunningRuns()
}

// Touch is a convenience for transports that only refresh timestamps.
func (s *Service) Touch(id string, at time.Time) (types.Run, error) {
	return s.store.RunHeartbeat(id, at, -1, -1, -1, false)
}
