package store

import (
	"database/sql"
	"errors"
	"fmt"

	"tx/internal/logging"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// CLAIMS (exclusive task leases)
// =============================================================================

const claimColumns = `id, task_id, worker_id, status, claimed_at, released_at`

func scanClaim(row interface{ Scan(...interface{}) error }) (types.Claim, error) {
	var c types.Claim
	var claimed int64
	var released sql.NullInt64
	err := row.Scan(&c.ID, &c.TaskID, &c.WorkerID, &c.Status, &claimed, &released)
	if err != nil {
		return c, err
	}
	c.ClaimedAt = fromMillis(claimed)
	c.ReleasedAt = fromMillisPtr(released)
	return c, nil
}

// AcquireClaim atomically inserts an active claim and marks the worker busy.
// The partial unique index on claims(task_id) WHERE status='active' is the
// mutual-exclusion mechanism: the losing racer gets AlreadyClaimed.
func (s *Store) AcquireClaim(taskID, workerID string) (types.Claim, error) {
	timer := logging.StartTimer(logging.CategoryClaims, "AcquireClaim")
	defer timer.Stop()

	var out types.Claim
	err := s.withTx(func(tx *sql.Tx) error {
		now := types.Now()
		res, err := tx.Exec(`
			INSERT INTO claims (task_id, worker_id, status, claimed_at)
			VALUES (?, ?, 'active', ?)`, taskID, workerID, toMillis(now))
		if err != nil {
			if isUniqueViolation(err) {
				return txerr.New(txerr.KindAlreadyClaimed, "task %s is already claimed", taskID)
			}
			return txerr.Internal(fmt.Errorf("insert claim: %w", err))
		}
		id, err := res.LastInsertId()
		if err != nil {
			return txerr.Internal(fmt.Errorf("claim id: %w", err))
		}

		if _, err := tx.Exec(`UPDATE workers SET status = 'busy', current_task_id = ? WHERE id = ?`,
			taskID, workerID); err != nil {
			return txerr.Internal(fmt.Errorf("mark worker busy: %w", err))
		}

		out = types.Claim{ID: id, TaskID: taskID, WorkerID: workerID,
			Status: types.ClaimActive, ClaimedAt: now}
		return nil
	})
	if err == nil {
		logging.Get(logging.CategoryClaims).Info("Claim acquired: task=%s worker=%s", taskID, workerID)
	}
	return out, err
}

// ReleaseClaim transitions a claim active -> released and clears the
// worker's current task if it still points at the claimed task.
// Releasing an already-released claim is a no-op.
func (s *Store) ReleaseClaim(taskID, workerID string) error {
	timer := logging.StartTimer(logging.CategoryClaims, "ReleaseClaim")
	defer timer.Stop()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE claims SET status = 'released', released_at = ?
			WHERE task_id = ? AND worker_id = ? AND status = 'active'`,
			toMillis(types.Now()), taskID, workerID)
		if err != nil {
			return txerr.Internal(fmt.Errorf("release claim: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // idempotent
		}

		if _, err := tx.Exec(`
			UPDATE workers SET status = 'idle', current_task_id = NULL
			WHERE id = ? AND current_task_id = ?`, workerID, taskID); err != nil {
			return txerr.Internal(fmt.Errorf("clear worker task: %w", err))
		}
		logging.Get(logging.CategoryClaims).Info("Claim released: task=%s worker=%s", taskID, workerID)
		return nil
	})
}

// ReleaseClaimsByWorker bulk-releases all active claims held by a worker
// and returns it to idle if it was busy. Dead and stopping workers keep
// their status. Used during deregistration and reaping. Returns the
// released task ids.
func (s *Store) ReleaseClaimsByWorker(workerID string) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryClaims, "ReleaseClaimsByWorker")
	defer timer.Stop()

	var released []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT task_id FROM claims WHERE worker_id = ? AND status = 'active'`, workerID)
		if err != nil {
			return txerr.Internal(fmt.Errorf("list active claims: %w", err))
		}
		for rows.Next() {
			var tid string
			if err := rows.Scan(&tid); err != nil {
				rows.Close()
				return txerr.Internal(fmt.Errorf("scan claim: %w", err))
			}
			released = append(released, tid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return txerr.Internal(fmt.Errorf("iterate claims: %w", err))
		}
		if len(released) == 0 {
			return nil
		}

		if _, err := tx.Exec(`
			UPDATE claims SET status = 'released', released_at = ?
			WHERE worker_id = ? AND status = 'active'`,
			toMillis(types.Now()), workerID); err != nil {
			return txerr.Internal(fmt.Errorf("bulk release: %w", err))
		}
		if _, err := tx.Exec(`
			UPDATE workers SET current_task_id = NULL,
				status = CASE WHEN status = 'busy' THEN 'idle' ELSE status END
			WHERE id = ?`, workerID); err != nil {
			return txerr.Internal(fmt.Errorf("clear worker task: %w", err))
		}
		return nil
	})
	if err == nil && len(released) > 0 {
		logging.Get(logging.CategoryClaims).Info("Released %d claims for worker %s", len(released), workerID)
	}
	return released, err
}

// ActiveClaimForTask returns the live claim on a task, if any.
func (s *Store) ActiveClaimForTask(taskID string) (*types.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+claimColumns+` FROM claims WHERE task_id = ? AND status = 'active'`, taskID)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("active claim: %w", err))
	}
	return &c, nil
}

// ActiveClaimsForWorker returns the live claims held by a worker.
func (s *Store) ActiveClaimsForWorker(workerID string) ([]types.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+claimColumns+` FROM claims WHERE worker_id = ? AND status = 'active' ORDER BY claimed_at ASC`, workerID)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("claims for worker: %w", err))
	}
	defer rows.Close()

	var out []types.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan claim: %w", err))
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
