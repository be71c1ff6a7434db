package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tx/internal/logging"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// TASK REPOSITORY
// =============================================================================

const taskColumns = `id, title, description, status, score, parent_id, metadata,
	created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...interface{}) error }) (types.Task, error) {
	var t types.Task
	var parent, meta sql.NullString
	var created, updated int64
	var completed sql.NullInt64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Score,
		&parent, &meta, &created, &updated, &completed)
	if err != nil {
		return t, err
	}
	t.ParentID = parent.String
	t.Metadata = unmarshalMap(meta)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.CompletedAt = fromMillisPtr(completed)
	return t, nil
}

// InsertTask persists a new task row. Fails with a constraint error on id
// collision; callers regenerate the id and retry.
func (s *Store) InsertTask(t types.Task) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertTask")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, description, status, score, parent_id, metadata, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Score,
		nullString(t.ParentID), marshalJSON(t.Metadata),
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt), toMillisPtr(t.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return txerr.Wrap(txerr.KindValidation, err, "task id %s already exists", t.ID)
		}
		return txerr.Internal(fmt.Errorf("insert task: %w", err))
	}
	logging.StoreDebug("Task inserted: %s (status=%s score=%d)", t.ID, t.Status, t.Score)
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(id string) (types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id string) (types.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, txerr.NotFound("task", id)
	}
	if err != nil {
		return t, txerr.Internal(fmt.Errorf("get task: %w", err))
	}
	return t, nil
}

// UpdateTask applies field updates to a task. fields maps column names to
// new values; updated_at is always stamped.
func (s *Store) UpdateTask(id string, fields map[string]interface{}) (types.Task, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UpdateTask")
	defer timer.Stop()

	var out types.Task
	err := s.withTx(func(tx *sql.Tx) error {
		sets := []string{"updated_at = ?"}
		args := []interface{}{toMillis(types.Now())}
		for col, v := range fields {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		args = append(args, id)

		res, err := tx.Exec("UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return txerr.Internal(fmt.Errorf("update task: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.NotFound("task", id)
		}
		row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		out, err = scanTask(row)
		if err != nil {
			return txerr.Internal(fmt.Errorf("reload task: %w", err))
		}
		return nil
	})
	return out, err
}

// UpdateTaskChecked is UpdateTask with optimistic locking: it aborts with
// StaleData when the stored updated_at is newer than expectedUpdatedAt.
func (s *Store) UpdateTaskChecked(id string, expectedUpdatedAt time.Time, fields map[string]interface{}) (types.Task, error) {
	var out types.Task
	err := s.withTx(func(tx *sql.Tx) error {
		var stored int64
		err := tx.QueryRow(`SELECT updated_at FROM tasks WHERE id = ?`, id).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return txerr.NotFound("task", id)
		}
		if err != nil {
			return txerr.Internal(fmt.Errorf("read updated_at: %w", err))
		}
		if stored > toMillis(expectedUpdatedAt) {
			return txerr.New(txerr.KindStaleData, "task %s was modified concurrently", id)
		}

		sets := []string{"updated_at = ?"}
		args := []interface{}{toMillis(types.Now())}
		for col, v := range fields {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		args = append(args, id)
		if _, err := tx.Exec("UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
			return txerr.Internal(fmt.Errorf("update task: %w", err))
		}
		row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		out, err = scanTask(row)
		if err != nil {
			return txerr.Internal(fmt.Errorf("reload task: %w", err))
		}
		return nil
	})
	return out, err
}

// DeleteTask removes a task and every dependency edge referencing it.
// cascade additionally deletes the descendant subtree (depth-bounded).
func (s *Store) DeleteTask(id string, cascade bool) error {
	timer := logging.StartTimer(logging.CategoryStore, "DeleteTask")
	defer timer.Stop()

	return s.withTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&exists); err != nil {
			return txerr.Internal(fmt.Errorf("check task: %w", err))
		}
		if exists == 0 {
			return txerr.NotFound("task", id)
		}

		var children int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE parent_id = ?`, id).Scan(&children); err != nil {
			return txerr.Internal(fmt.Errorf("count children: %w", err))
		}
		if children > 0 && !cascade {
			return txerr.New(txerr.KindHasChildren, "task %s has %d children; pass cascade to delete", id, children)
		}

		ids := []string{id}
		if cascade && children > 0 {
			rows, err := tx.Query(`
				WITH RECURSIVE subtree(id, depth) AS (
					SELECT id, 0 FROM tasks WHERE parent_id = ?
					UNION ALL
					SELECT t.id, st.depth + 1 FROM tasks t
					JOIN subtree st ON t.parent_id = st.id
					WHERE st.depth < ?
				)
				SELECT id FROM subtree`, id, types.MaxParentDepth)
			if err != nil {
				return txerr.Internal(fmt.Errorf("collect subtree: %w", err))
			}
			defer rows.Close()
			for rows.Next() {
				var cid string
				if err := rows.Scan(&cid); err != nil {
					return txerr.Internal(fmt.Errorf("scan subtree: %w", err))
				}
				ids = append(ids, cid)
			}
			if err := rows.Err(); err != nil {
				return txerr.Internal(fmt.Errorf("iterate subtree: %w", err))
			}
		}

		for _, tid := range ids {
			if _, err := tx.Exec(`DELETE FROM task_deps WHERE blocker_id = ? OR blocked_id = ?`, tid, tid); err != nil {
				return txerr.Internal(fmt.Errorf("delete deps: %w", err))
			}
			if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, tid); err != nil {
				return txerr.Internal(fmt.Errorf("delete task: %w", err))
			}
		}
		logging.StoreDebug("Deleted task %s (cascade=%v, %d rows)", id, cascade, len(ids))
		return nil
	})
}

// =============================================================================
// LISTING WITH CURSOR PAGINATION
// =============================================================================

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status   types.TaskStatus
	ParentID string // "" = no filter; use HasParent for explicit root filter
	RootOnly bool   // only tasks without a parent
	Search   string // case-insensitive substring over title/description
	Cursor   string // "<score>:<id>" of the last row of the previous page
	Limit    int
}

// TaskPage is one page of tasks plus continuation state.
type TaskPage struct {
	Items      []types.Task
	NextCursor string
	HasMore    bool
	Total      int
}

// EncodeCursor renders the "<score>:<id>" continuation token.
func EncodeCursor(score int, id string) string {
	return strconv.Itoa(score) + ":" + id
}

// DecodeCursor parses a continuation token.
func DecodeCursor(cursor string) (int, string, error) {
	idx := strings.IndexByte(cursor, ':')
	if idx <= 0 || idx == len(cursor)-1 {
		return 0, "", txerr.Validation("malformed cursor %q", cursor)
	}
	score, err := strconv.Atoi(cursor[:idx])
	if err != nil {
		return 0, "", txerr.Validation("malformed cursor score %q", cursor)
	}
	return score, cursor[idx+1:], nil
}

// escapeLike backslash-escapes LIKE wildcards in user search input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// ListTasks returns tasks ordered by (score DESC, id ASC) with cursor
// pagination and optional status/parent/search filters.
func (s *Store) ListTasks(f TaskFilter) (TaskPage, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListTasks")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var page TaskPage
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := []string{"1=1"}
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	} else if f.RootOnly {
		where = append(where, "parent_id IS NULL")
	}
	if f.Search != "" {
		needle := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		where = append(where, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`)
		args = append(args, needle, needle)
	}

	countQuery := "SELECT COUNT(*) FROM tasks WHERE " + strings.Join(where, " AND ")
	if err := s.db.QueryRow(countQuery, args...).Scan(&page.Total); err != nil {
		return page, txerr.Internal(fmt.Errorf("count tasks: %w", err))
	}

	if f.Cursor != "" {
		score, id, err := DecodeCursor(f.Cursor)
		if err != nil {
			return page, err
		}
		where = append(where, "(score < ? OR (score = ? AND id > ?))")
		args = append(args, score, score, id)
	}

	query := "SELECT " + taskColumns + " FROM tasks WHERE " + strings.Join(where, " AND ") +
		" ORDER BY score DESC, id ASC LIMIT ?"
	args = append(args, limit+1) // one extra row decides hasMore

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return page, txerr.Internal(fmt.Errorf("list tasks: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return page, txerr.Internal(fmt.Errorf("scan task: %w", err))
		}
		page.Items = append(page.Items, t)
	}
	if err := rows.Err(); err != nil {
		return page, txerr.Internal(fmt.Errorf("iterate tasks: %w", err))
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1]
		page.NextCursor = EncodeCursor(last.Score, last.ID)
	}
	logging.StoreDebug("ListTasks returned %d/%d (hasMore=%v)", len(page.Items), page.Total, page.HasMore)
	return page, nil
}

// =============================================================================
// HIERARCHY TRAVERSALS
// =============================================================================

// GetChildren returns the direct children of a task ordered by score/id.
func (s *Store) GetChildren(id string) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY score DESC, id ASC`, id)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("get children: %w", err))
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetAncestors walks the parent chain upward, nearest first, bounded by
// MaxAncestorDepth.
func (s *Store) GetAncestors(id string) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		WITH RECURSIVE ancestors(id, title, description, status, score, parent_id, metadata, created_at, updated_at, completed_at, depth) AS (
			SELECT `+taskColumns+`, 0 FROM tasks WHERE id = (SELECT parent_id FROM tasks WHERE id = ?)
			UNION ALL
			SELECT t.id, t.title, t.description, t.status, t.score, t.parent_id, t.metadata, t.created_at, t.updated_at, t.completed_at, a.depth + 1
			FROM tasks t JOIN ancestors a ON t.id = a.parent_id
			WHERE a.depth < ?
		)
		SELECT id, title, description, status, score, parent_id, metadata, created_at, updated_at, completed_at
		FROM ancestors ORDER BY depth ASC`, id, types.MaxAncestorDepth)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("get ancestors: %w", err))
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetDescendants returns the full subtree below a task (excluding the task
// itself), bounded by MaxParentDepth.
func (s *Store) GetDescendants(id string) ([]types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		WITH RECURSIVE subtree(id, title, description, status, score, parent_id, metadata, created_at, updated_at, completed_at, depth) AS (
			SELECT `+taskColumns+`, 0 FROM tasks WHERE parent_id = ?
			UNION ALL
			SELECT t.id, t.title, t.description, t.status, t.score, t.parent_id, t.metadata, t.created_at, t.updated_at, t.completed_at, st.depth + 1
			FROM tasks t JOIN subtree st ON t.parent_id = st.id
			WHERE st.depth < ?
		)
		SELECT id, title, description, status, score, parent_id, metadata, created_at, updated_at, completed_at
		FROM subtree ORDER BY depth ASC, score DESC, id ASC`, id, types.MaxParentDepth)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("get descendants: %w", err))
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]types.Task, error) {
	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan task: %w", err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, txerr.Internal(fmt.Errorf("iterate tasks: %w", err))
	}
	return out, nil
}

// =============================================================================
// SMALL HELPERS
// =============================================================================

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports UNIQUE violations with this prefix; matching
	// the string avoids importing the driver's cgo error types everywhere.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
