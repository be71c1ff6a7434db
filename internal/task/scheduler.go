package task

import (
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/types"
)

// =============================================================================
// READY SCHEDULER
// =============================================================================

// Scheduler computes the ready frontier: the highest-scored workable tasks
// whose every blocker is done.
type Scheduler struct {
	store  *store.Store
	engine *Engine
}

// NewScheduler creates a scheduler sharing the engine's store.
func NewScheduler(st *store.Store, engine *Engine) *Scheduler {
	return &Scheduler{store: st, engine: engine}
}

// GetReady returns up to limit ready tasks with their dependency views,
// ordered by (score DESC, id ASC). excludeClaimed skips tasks under an
// active claim; the orchestrator path always excludes.
func (s *Scheduler) GetReady(limit int, excludeClaimed bool) ([]types.TaskWithDeps, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "GetReady")
	defer timer.Stop()

	tasks, err := s.store.ReadyTasks(limit, excludeClaimed)
	if err != nil {
		return nil, err
	}
	out := make([]types.TaskWithDeps, 0, len(tasks))
	for _, t := range tasks {
		twd, err := s.engine.GetWithDeps(t.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, twd)
	}
	logging.Get(logging.CategoryScheduler).Debug("Ready frontier: %d tasks (excludeClaimed=%v)", len(out), excludeClaimed)
	return out, nil
}

// IsReady reports whether a single task is workable with all blockers done.
func (s *Scheduler) IsReady(id string) (bool, error) {
	t, err := s.store.GetTask(id)
	if err != nil {
		return false, err
	}
	if !types.IsWorkable(t.Status) {
		return false, nil
	}
	return s.store.BlockersDone(id)
}

// GetBlocking returns the tasks that id blocks, used after a completion to
// recompute which tasks just became ready.
func (s *Scheduler) GetBlocking(id string) ([]types.Task, error) {
	if _, err := s.store.GetTask(id); err != nil {
		return nil, err
	}
	return s.store.BlockingTasks(id)
}

// Done marks a task done and returns the tasks that became ready as a
// result, so callers can notify waiting workers.
func (s *Scheduler) Done(id string) (types.Task, []types.Task, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "Done")
	defer timer.Stop()

	status := types.StatusDone
	t, err := s.engine.Update(id, UpdateParams{Status: &status})
	if err != nil {
		return types.Task{}, nil, err
	}

	blocked, err := s.store.BlockingTasks(id)
	if err != nil {
		return t, nil, err
	}
	var nowReady []types.Task
	for _, b := range blocked {
		if !types.IsWorkable(b.Status) {
			continue
		}
		done, err := s.store.BlockersDone(b.ID)
		if err != nil {
			return t, nil, err
		}
		if done {
			nowReady = append(nowReady, b)
		}
	}
	logging.Get(logging.CategoryScheduler).Info("Task %s done; %d tasks became ready", id, len(nowReady))
	return t, nowReady, nil
}
