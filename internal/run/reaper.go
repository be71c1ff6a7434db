package run

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"tx/internal/config"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/types"
)

// =============================================================================
// RUN REAPER
// =============================================================================

// Reaper detects and terminates stalled runs. Two independent signals mark
// a running run as stalled: transcript-idle (no activity) and heartbeat-lag
// (no check-ins).
type Reaper struct {
	store *store.Store
	cfg   config.ReaperConfig

	// kill is swappable so tests can observe signals without a real pid.
	kill func(pid int, sig syscall.Signal) error
}

// NewReaper creates a reaper with the given thresholds.
func NewReaper(st *store.Store, cfg config.ReaperConfig) *Reaper {
	return &Reaper{
		store: st,
		cfg:   cfg,
		kill:  syscall.Kill,
	}
}

// ListStalled returns every running run that trips either staleness signal,
// annotated with the reason and the observed lag. Zero thresholds fall back
// to the configured defaults.
func (r *Reaper) ListStalled(now time.Time, idleAfter, lagAfter time.Duration) ([]types.StalledRun, error) {
	timer := logging.StartTimer(logging.CategoryReaper, "ListStalled")
	defer timer.Stop()

	if idleAfter <= 0 {
		idleAfter = r.cfg.TranscriptIdle
	}
	if lagAfter <= 0 {
		lagAfter = r.cfg.HeartbeatLag
	}

	running, err := r.store.ListRunningRuns()
	if err != nil {
		return nil, err
	}

	var stalled []types.StalledRun
	for _, run := range running {
		idle := now.Sub(run.LastActivityAt)
		lag := now.Sub(run.LastCheckAt)
		switch {
		case idle >= idleAfter:
			stalled = append(stalled, types.StalledRun{Run: run, Reason: types.StallTranscriptIdle, ObservedBy: idle})
		case lag >= lagAfter:
			stalled = append(stalled, types.StalledRun{Run: run, Reason: types.StallHeartbeatLag, ObservedBy: lag})
		}
	}
	logging.Get(logging.CategoryReaper).Debug("%d/%d running runs stalled", len(stalled), len(running))
	return stalled, nil
}

// ReapOptions tune one reap sweep.
type ReapOptions struct {
	TranscriptIdle time.Duration // 0 = configured default
	HeartbeatLag   time.Duration // 0 = configured default
	ResetTask      bool          // return the run's active task to ready
	DryRun         bool          // report without signaling or mutating
}

// ReapResult describes one reap attempt.
type ReapResult struct {
	RunID             string            `json:"runId"`
	TaskID            string            `json:"taskId,omitempty"`
	Reason            types.StallReason `json:"reason"`
	ProcessTerminated bool              `json:"processTerminated"`
	TaskReset         bool              `json:"taskReset"`
	DryRun            bool              `json:"dryRun,omitempty"`
}

// ReapStalled sweeps once: every stalled run is terminated, marked reaped,
// its worker's claims released, and optionally its task reset to ready.
// OS-level failures are best-effort and never abort the batch.
func (r *Reaper) ReapStalled(now time.Time, opts ReapOptions) ([]ReapResult, error) {
	timer := logging.StartTimer(logging.CategoryReaper, "ReapStalled")
	defer timer.Stop()

	stalled, err := r.ListStalled(now, opts.TranscriptIdle, opts.HeartbeatLag)
	if err != nil {
		return nil, err
	}

	results := make([]ReapResult, 0, len(stalled))
	for _, sr := range stalled {
		res := ReapResult{
			RunID:  sr.Run.ID,
			TaskID: sr.Run.TaskID,
			Reason: sr.Reason,
			DryRun: opts.DryRun,
		}
		if opts.DryRun {
			results = append(results, res)
			continue
		}

		res.ProcessTerminated = r.terminate(sr.Run.PID)

		msg := fmt.Sprintf("reaped: %s after %s", sr.Reason, sr.ObservedBy.Round(time.Second))
		if _, err := r.store.UpdateRun(sr.Run.ID, map[string]interface{}{
			"status":        string(types.RunReaped),
			"error_message": msg,
			"completed_at":  store.ToMillis(types.Now()),
		}); err != nil {
			logging.Get(logging.CategoryReaper).Error("Failed to mark run %s reaped: %v", sr.Run.ID, err)
			results = append(results, res)
			continue
		}

		if sr.Run.WorkerID != "" {
			if _, err := r.store.ReleaseClaimsByWorker(sr.Run.WorkerID); err != nil {
				logging.Get(logging.CategoryReaper).Error("Failed to release claims for worker %s: %v", sr.Run.WorkerID, err)
			}
		}

		if opts.ResetTask && sr.Run.TaskID != "" {
			res.TaskReset = r.resetTask(sr.Run.TaskID)
		}

		logging.Get(logging.CategoryReaper).Info(
			"Reaped run %s (reason=%s, processTerminated=%v, taskReset=%v)",
			sr.Run.ID, sr.Reason, res.ProcessTerminated, res.TaskReset)
		results = append(results, res)
	}
	return results, nil
}

// terminate sends SIGTERM, waits out the grace window, then SIGKILLs.
// Returns whether the process is believed gone.
func (r *Reaper) terminate(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := r.kill(pid, syscall.SIGTERM); err != nil {
		// ESRCH means it already exited; anything else is treated as alive.
		return err == syscall.ESRCH
	}

	grace := r.cfg.TermGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := r.kill(pid, 0); err != nil {
			return true // gone
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := r.kill(pid, syscall.SIGKILL); err != nil {
		return err == syscall.ESRCH
	}
	return true
}

// resetTask returns an active task to ready so another worker can pick it
// up. Tasks in any other status are left alone.
func (r *Reaper) resetTask(taskID string) bool {
	t, err := r.store.GetTask(taskID)
	if err != nil {
		logging.Get(logging.CategoryReaper).Warn("Reset skipped, task %s: %v", taskID, err)
		return false
	}
	if t.Status != types.StatusActive {
		return false
	}
	if _, err := r.store.UpdateTask(taskID, map[string]interface{}{
		"status": string(types.StatusReady),
	}); err != nil {
		logging.Get(logging.CategoryReaper).Error("Failed to reset task %s: %v", taskID, err)
		return false
	}
	return true
}

// Run polls on the configured interval until the context ends. Used by the
// daemon.
func (r *Reaper) Run(ctx context.Context, opts ReapOptions) {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Get(logging.CategoryReaper).Info("Reaper loop started (interval=%s)", interval)
	for {
		select {
		case <-ctx.Done():
			logging.Get(logging.CategoryReaper).Info("Reaper loop stopped")
			return
		case <-ticker.C:
			if _, err := r.ReapStalled(types.Now(), opts); err != nil {
				logging.Get(logging.CategoryReaper).Error("Reap sweep failed: %v", err)
			}
		}
	}
}
