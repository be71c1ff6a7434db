package store

import (
	"fmt"

	"tx/internal/logging"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// DEPENDENCY EDGES (blocker -> blocked)
// =============================================================================

// AddDep inserts the edge blocker -> blocked. Duplicate inserts are
// idempotent. Cycle and existence checks belong to the task engine.
func (s *Store) AddDep(blockerID, blockedID string) error {
	timer := logging.StartTimer(logging.CategoryStore, "AddDep")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO task_deps (blocker_id, blocked_id, created_at)
		VALUES (?, ?, ?)`, blockerID, blockedID, toMillis(types.Now()))
	if err != nil {
		return txerr.Internal(fmt.Errorf("add dep: %w", err))
	}
	logging.StoreDebug("Dep edge %s -> %s", blockerID, blockedID)
	return nil
}

// RemoveDep deletes the edge blocker -> blocked. Removing a missing edge is
// a no-op.
func (s *Store) RemoveDep(blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM task_deps WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
	if err != nil {
		return txerr.Internal(fmt.Errorf("remove dep: %w", err))
	}
	return nil
}

// Blockers returns the ids of tasks that must finish before taskID.
func (s *Store) Blockers(taskID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockersLocked(taskID)
}

func (s *Store) blockersLocked(taskID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT blocker_id FROM task_deps WHERE blocked_id = ? ORDER BY blocker_id`, taskID)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("blockers: %w", err))
	}
	defer rows.Close()
	return collectIDs(rows)
}

// Blocking returns the ids of tasks that taskID blocks.
func (s *Store) Blocking(taskID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT blocked_id FROM task_deps WHERE blocker_id = ? ORDER BY blocked_id`, taskID)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("blocking: %w", err))
	}
	defer rows.Close()
	return collectIDs(rows)
}

// BlockingTasks returns the full task rows that taskID blocks, ordered by
// score/id. Used after completion to recompute the newly-ready frontier.
func (s *Store) BlockingTasks(taskID string) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE id IN (SELECT blocked_id FROM task_deps WHERE blocker_id = ?)
		ORDER BY score DESC, id ASC`, taskID)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("blocking tasks: %w", err))
	}
	defer rows.Close()
	return collectTasks(rows)
}

// WouldCreateCycle reports whether adding blocker -> blocked would close a
// cycle: true when blocked is already (transitively) a blocker of blocker.
// One recursive traversal of the blocker closure, depth-bounded.
func (s *Store) WouldCreateCycle(blockerID, blockedID string) (bool, error) {
	timer := logging.StartTimer(logging.CategoryStore, "WouldCreateCycle")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Walk upstream from the proposed blocker; if the blocked task appears
	// among its transitive blockers, the new edge closes a loop.
	var found int
	err := s.db.QueryRow(`
		WITH RECURSIVE closure(id, depth) AS (
			SELECT blocker_id, 1 FROM task_deps WHERE blocked_id = ?
			UNION
			SELECT d.blocker_id, c.depth + 1 FROM task_deps d
			JOIN closure c ON d.blocked_id = c.id
			WHERE c.depth < ?
		)
		SELECT COUNT(*) FROM closure WHERE id = ?`,
		blockerID, types.MaxAncestorDepth, blockedID).Scan(&found)
	if err != nil {
		return false, txerr.Internal(fmt.Errorf("cycle check: %w", err))
	}
	return found > 0, nil
}

// BlockersDone reports whether every blocker of taskID has status done.
func (s *Store) BlockersDone(taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM task_deps d
		JOIN tasks b ON b.id = d.blocker_id
		WHERE d.blocked_id = ? AND b.status != 'done'`, taskID).Scan(&pending)
	if err != nil {
		return false, txerr.Internal(fmt.Errorf("blockers done: %w", err))
	}
	return pending == 0, nil
}

// =============================================================================
// READY FRONTIER
// =============================================================================

// ReadyTasks returns the highest-scored workable tasks whose every blocker
// is done, ordered by (score DESC, id ASC). excludeClaimed additionally
// skips tasks under an active claim, via the partial index on claims.
func (s *Store) ReadyTasks(limit int, excludeClaimed bool) ([]types.Task, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ReadyTasks")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status IN ('backlog', 'ready', 'planning')
		AND NOT EXISTS (
			SELECT 1 FROM task_deps d
			JOIN tasks b ON b.id = d.blocker_id
			WHERE d.blocked_id = t.id AND b.status != 'done'
		)`
	if excludeClaimed {
		query += `
		AND NOT EXISTS (
			SELECT 1 FROM claims c WHERE c.task_id = t.id AND c.status = 'active'
		)`
	}
	query += `
		ORDER BY t.score DESC, t.id ASC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("ready tasks: %w", err))
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("ReadyTasks returned %d (excludeClaimed=%v)", len(tasks), excludeClaimed)
	return tasks, nil
}

func collectIDs(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan id: %w", err))
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, txerr.Internal(fmt.Errorf("iterate ids: %w", err))
	}
	return out, nil
}
