// Package worker implements the worker registry and the claim manager:
// registration against a bounded pool, heartbeat tracking, liveness
// detection, and exclusive task leases.
package worker

import (
	"time"

	"tx/internal/config"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// WORKER REGISTRY
// =============================================================================

// Registry manages the worker pool over the store.
type Registry struct {
	store *store.Store
	cfg   config.PoolConfig
}

// NewRegistry creates a worker registry with the given pool limits.
func NewRegistry(st *store.Store, cfg config.PoolConfig) *Registry {
	return &Registry{store: st, cfg: cfg}
}

// RegisterParams are the optional hints a worker supplies at registration.
type RegisterParams struct {
	ID           string // assigned when empty
	Hostname     string
	PID          int
	Capabilities []string
	Metadata     map[string]interface{}
}

// Register admits a worker into the pool with status starting. Fails with
// PoolAtCapacity when the pool already holds the configured maximum of
// non-dead workers.
func (r *Registry) Register(p RegisterParams) (types.Worker, error) {
	timer := logging.StartTimer(logging.CategoryClaims, "Register")
	defer timer.Stop()

	alive, err := r.store.CountAliveWorkers()
	if err != nil {
		return types.Worker{}, err
	}
	if alive >= r.cfg.MaxWorkers {
		return types.Worker{}, txerr.New(txerr.KindPoolAtCapacity,
			"worker pool at capacity (%d/%d alive)", alive, r.cfg.MaxWorkers)
	}

	id := p.ID
	if id == "" {
		id = types.NewWorkerID()
	} else if !types.ValidWorkerID(id) {
		return types.Worker{}, txerr.Validation("malformed worker id %q", id)
	}

	now := types.Now()
	w := types.Worker{
		ID:              id,
		Hostname:        p.Hostname,
		PID:             p.PID,
		Capabilities:    p.Capabilities,
		Status:          types.WorkerStarting,
		Metadata:        p.Metadata,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	if err := r.store.InsertWorker(w); err != nil {
		return types.Worker{}, err
	}
	logging.Get(logging.CategoryClaims).Info("Worker %s registered (host=%s pid=%d, pool %d/%d)",
		id, p.Hostname, p.PID, alive+1, r.cfg.MaxWorkers)
	return w, nil
}

// Get fetches one worker.
func (r *Registry) Get(id string) (types.Worker, error) {
	return r.store.GetWorker(id)
}

// List returns workers, optionally filtered by status.
func (r *Registry) List(status types.WorkerStatus) ([]types.Worker, error) {
	return r.store.ListWorkers(status)
}

// Heartbeat records a worker's liveness report. Metrics land under
// metadata.lastMetrics.
func (r *Registry) Heartbeat(workerID string, at time.Time, status types.WorkerStatus, currentTaskID string, metrics map[string]interface{}) error {
	if !types.ValidWorkerStatus(status) {
		return txerr.Validation("unknown worker status %q", status)
	}
	if at.IsZero() {
		at = types.Now()
	}
	return r.store.UpdateWorkerHeartbeat(workerID, at, status, currentTaskID, metrics)
}

// Deregister releases the worker's claims and removes it from the live
// pool.
func (r *Registry) Deregister(workerID string) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryClaims, "Deregister")
	defer timer.Stop()

	if _, err := r.store.GetWorker(workerID); err != nil {
		return nil, err
	}
	released, err := r.store.ReleaseClaimsByWorker(workerID)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetWorkerStatus(workerID, types.WorkerDead, ""); err != nil {
		return released, err
	}
	logging.Get(logging.CategoryClaims).Info("Worker %s deregistered; released %d claims", workerID, len(released))
	return released, nil
}

// =============================================================================
// LIVENESS
// =============================================================================

// deadCutoff is the newest heartbeat a live worker may have.
func (r *Registry) deadCutoff(now time.Time) time.Time {
	return now.Add(-r.cfg.HeartbeatInterval * time.Duration(r.cfg.MissedThreshold))
}

// FindDead returns workers whose heartbeat lags beyond the miss threshold,
// excluding those already dead or stopping.
func (r *Registry) FindDead(now time.Time) ([]types.Worker, error) {
	return r.store.FindDeadWorkers(r.deadCutoff(now))
}

// MarkDead transitions a worker to dead and bulk-releases its claims,
// returning the freed task ids.
func (r *Registry) MarkDead(workerID string) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryClaims, "MarkDead")
	defer timer.Stop()

	if err := r.store.SetWorkerStatus(workerID, types.WorkerDead, ""); err != nil {
		return nil, err
	}
	released, err := r.store.ReleaseClaimsByWorker(workerID)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryClaims).Warn("Worker %s marked dead; released %d claims", workerID, len(released))
	return released, nil
}

// ReapDead sweeps the pool once: every lagging worker is marked dead and
// its claims released. Returns the reaped workers and all freed task ids.
func (r *Registry) ReapDead(now time.Time) ([]types.Worker, []string, error) {
	dead, err := r.FindDead(now)
	if err != nil {
		return nil, nil, err
	}
	var freed []string
	for _, w := range dead {
		released, err := r.MarkDead(w.ID)
		if err != nil {
			return dead, freed, err
		}
		freed = append(freed, released...)
	}
	return dead, freed, nil
}

// =============================================================================
// CLAIM MANAGER
// =============================================================================

// Claim atomically leases a task to a worker. The partial unique index on
// active claims guarantees at most one holder; a second caller receives
// AlreadyClaimed.
func (r *Registry) Claim(taskID, workerID string) (types.Claim, error) {
	timer := logging.StartTimer(logging.CategoryClaims, "Claim")
	defer timer.Stop()

	if _, err := r.store.GetTask(taskID); err != nil {
		return types.Claim{}, err
	}
	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return types.Claim{}, err
	}
	if w.Status == types.WorkerDead {
		return types.Claim{}, txerr.Validation("worker %s is dead and cannot claim tasks", workerID)
	}
	return r.store.AcquireClaim(taskID, workerID)
}

// Release ends a lease. Releasing an already-released or missing claim is
// a no-op.
func (r *Registry) Release(taskID, workerID string) error {
	return r.store.ReleaseClaim(taskID, workerID)
}

// ActiveClaim returns the current lease on a task, or nil.
func (r *Registry) ActiveClaim(taskID string) (*types.Claim, error) {
	return r.store.ActiveClaimForTask(taskID)
}

// ClaimsFor returns the active leases held by a worker.
func (r *Registry) ClaimsFor(workerID string) ([]types.Claim, error) {
	return r.store.ActiveClaimsForWorker(workerID)
}
