package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tx/internal/logging"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// WORKER REGISTRY
// =============================================================================

const workerColumns = `id, hostname, pid, capabilities, status, current_task_id,
	metadata, registered_at, last_heartbeat_at`

func scanWorker(row interface{ Scan(...interface{}) error }) (types.Worker, error) {
	var w types.Worker
	var caps, taskID, meta sql.NullString
	var registered, heartbeat int64
	err := row.Scan(&w.ID, &w.Hostname, &w.PID, &caps, &w.Status, &taskID,
		&meta, &registered, &heartbeat)
	if err != nil {
		return w, err
	}
	w.Capabilities = unmarshalStrings(caps)
	w.CurrentTaskID = taskID.String
	w.Metadata = unmarshalMap(meta)
	w.RegisteredAt = fromMillis(registered)
	w.LastHeartbeatAt = fromMillis(heartbeat)
	return w, nil
}

// InsertWorker persists a new worker row.
func (s *Store) InsertWorker(w types.Worker) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertWorker")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO workers (id, hostname, pid, capabilities, status, current_task_id, metadata, registered_at, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Hostname, w.PID, marshalJSON(w.Capabilities), string(w.Status),
		nullString(w.CurrentTaskID), marshalJSON(w.Metadata),
		toMillis(w.RegisteredAt), toMillis(w.LastHeartbeatAt))
	if err != nil {
		if isUniqueViolation(err) {
			return txerr.Wrap(txerr.KindValidation, err, "worker id %s already registered", w.ID)
		}
		return txerr.Internal(fmt.Errorf("insert worker: %w", err))
	}
	logging.Get(logging.CategoryClaims).Debug("Worker registered: %s (host=%s pid=%d)", w.ID, w.Hostname, w.PID)
	return nil
}

// GetWorker fetches one worker by id.
func (s *Store) GetWorker(id string) (types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return w, txerr.NotFound("worker", id)
	}
	if err != nil {
		return w, txerr.Internal(fmt.Errorf("get worker: %w", err))
	}
	return w, nil
}

// ListWorkers returns all workers, optionally filtered by status.
func (s *Store) ListWorkers(status types.WorkerStatus) ([]types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + workerColumns + ` FROM workers`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY registered_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("list workers: %w", err))
	}
	defer rows.Close()

	var out []types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan worker: %w", err))
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CountAliveWorkers counts workers not yet dead, for pool-capacity checks.
func (s *Store) CountAliveWorkers() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM workers WHERE status != 'dead'`).Scan(&n)
	if err != nil {
		return 0, txerr.Internal(fmt.Errorf("count workers: %w", err))
	}
	return n, nil
}

// UpdateWorkerHeartbeat overwrites heartbeat time, status, current task and
// optional metrics (stored under metadata.lastMetrics).
func (s *Store) UpdateWorkerHeartbeat(id string, at time.Time, status types.WorkerStatus, currentTaskID string, metrics map[string]interface{}) error {
	return s.withTx(func(tx *sql.Tx) error {
		var meta sql.NullString
		err := tx.QueryRow(`SELECT metadata FROM workers WHERE id = ?`, id).Scan(&meta)
		if errors.Is(err, sql.ErrNoRows) {
			return txerr.NotFound("worker", id)
		}
		if err != nil {
			return txerr.Internal(fmt.Errorf("read worker metadata: %w", err))
		}

		m := unmarshalMap(meta)
		if metrics != nil {
			if m == nil {
				m = make(map[string]interface{})
			}
			m["lastMetrics"] = metrics
		}

		_, err = tx.Exec(`
			UPDATE workers SET last_heartbeat_at = ?, status = ?, current_task_id = ?, metadata = ?
			WHERE id = ?`,
			toMillis(at), string(status), nullString(currentTaskID), marshalJSON(m), id)
		if err != nil {
			return txerr.Internal(fmt.Errorf("update heartbeat: %w", err))
		}
		return nil
	})
}

// SetWorkerStatus transitions a worker's status, optionally clearing or
// setting the current task id.
func (s *Store) SetWorkerStatus(id string, status types.WorkerStatus, currentTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE workers SET status = ?, current_task_id = ? WHERE id = ?`,
		string(status), nullString(currentTaskID), id)
	if err != nil {
		return txerr.Internal(fmt.Errorf("set worker status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return txerr.NotFound("worker", id)
	}
	return nil
}

// FindDeadWorkers returns workers whose last heartbeat is older than the
// cutoff, excluding those already dead or stopping.
func (s *Store) FindDeadWorkers(cutoff time.Time) ([]types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+workerColumns+` FROM workers
		WHERE last_heartbeat_at < ? AND status NOT IN ('dead', 'stopping')
		ORDER BY last_heartbeat_at ASC`, toMillis(cutoff))
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("find dead workers: %w", err))
	}
	defer rows.Close()

	var out []types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan worker: %w", err))
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
