package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tx/internal/logging"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// RUNS (execution sessions)
// =============================================================================

const runColumns = `id, agent, task_id, worker_id, pid, transcript_path,
	stdout_bytes, stderr_bytes, transcript_bytes, status, exit_code, summary,
	error_message, last_activity_at, last_check_at, created_at, updated_at, completed_at`

func scanRun(row interface{ Scan(...interface{}) error }) (types.Run, error) {
	var r types.Run
	var taskID, workerID sql.NullString
	var exitCode sql.NullInt64
	var lastActivity, lastCheck, created, updated int64
	var completed sql.NullInt64
	err := row.Scan(&r.ID, &r.Agent, &taskID, &workerID, &r.PID, &r.TranscriptPath,
		&r.StdoutBytes, &r.StderrBytes, &r.TranscriptBytes, &r.Status, &exitCode,
		&r.Summary, &r.ErrorMessage, &lastActivity, &lastCheck, &created, &updated, &completed)
	if err != nil {
		return r, err
	}
	r.TaskID = taskID.String
	r.WorkerID = workerID.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	r.LastActivityAt = fromMillis(lastActivity)
	r.LastCheckAt = fromMillis(lastCheck)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.CompletedAt = fromMillisPtr(completed)
	return r, nil
}

// InsertRun persists a new run row.
func (s *Store) InsertRun(r types.Run) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertRun")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	var exitCode interface{}
	if r.ExitCode != nil {
		exitCode = *r.ExitCode
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, agent, task_id, worker_id, pid, transcript_path,
			stdout_bytes, stderr_bytes, transcript_bytes, status, exit_code, summary,
			error_message, last_activity_at, last_check_at, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Agent, nullString(r.TaskID), nullString(r.WorkerID), r.PID, r.TranscriptPath,
		r.StdoutBytes, r.StderrBytes, r.TranscriptBytes, string(r.Status), exitCode, r.Summary,
		r.ErrorMessage, toMillis(r.LastActivityAt), toMillis(r.LastCheckAt),
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt), toMillisPtr(r.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return txerr.Wrap(txerr.KindValidation, err, "run id %s already exists", r.ID)
		}
		return txerr.Internal(fmt.Errorf("insert run: %w", err))
	}
	logging.Get(logging.CategoryRuns).Debug("Run created: %s (agent=%s task=%s pid=%d)", r.ID, r.Agent, r.TaskID, r.PID)
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(id string) (types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, txerr.NotFound("run", id)
	}
	if err != nil {
		return r, txerr.Internal(fmt.Errorf("get run: %w", err))
	}
	return r, nil
}

// UpdateRun applies field updates to a run; updated_at is always stamped.
func (s *Store) UpdateRun(id string, fields map[string]interface{}) (types.Run, error) {
	var out types.Run
	err := s.withTx(func(tx *sql.Tx) error {
		sets := []string{"updated_at = ?"}
		args := []interface{}{toMillis(types.Now())}
		for col, v := range fields {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		args = append(args, id)

		res, err := tx.Exec("UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return txerr.Internal(fmt.Errorf("update run: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.NotFound("run", id)
		}
		row := tx.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
		out, err = scanRun(row)
		if err != nil {
			return txerr.Internal(fmt.Errorf("reload run: %w", err))
		}
		return nil
	})
	return out, err
}

// RunHeartbeat advances activity counters and timestamps on a running run.
func (s *Store) RunHeartbeat(id string, at time.Time, stdoutBytes, stderrBytes, transcriptBytes int64, activity bool) (types.Run, error) {
	fields := map[string]interface{}{
		"last_check_at": toMillis(at),
	}
	if stdoutBytes >= 0 {
		fields["stdout_bytes"] = stdoutBytes
	}
	if stderrBytes >= 0 {
		fields["stderr_bytes"] = stderrBytes
	}
	if transcriptBytes >= 0 {
		fields["transcript_bytes"] = transcriptBytes
	}
	if activity {
		fields["last_activity_at"] = toMillis(at)
	}
	return s.UpdateRun(id, fields)
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Agent  string
	Status types.RunStatus
	TaskID string
	Cursor string // run id of the last row of the previous page
	Limit  int
}

// RunPage is one page of runs plus continuation state.
type RunPage struct {
	Items      []types.Run
	NextCursor string
	HasMore    bool
	Total      int
}

// ListRuns returns runs newest-first with keyset pagination on created_at/id.
func (s *Store) ListRuns(f RunFilter) (RunPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var page RunPage
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := []string{"1=1"}
	var args []interface{}
	if f.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM runs WHERE "+strings.Join(where, " AND "), args...).Scan(&page.Total); err != nil {
		return page, txerr.Internal(fmt.Errorf("count runs: %w", err))
	}

	if f.Cursor != "" {
		where = append(where, `(created_at, id) < (SELECT created_at, id FROM runs WHERE id = ?)`)
		args = append(args, f.Cursor)
	}

	query := "SELECT " + runColumns + " FROM runs WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return page, txerr.Internal(fmt.Errorf("list runs: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return page, txerr.Internal(fmt.Errorf("scan run: %w", err))
		}
		page.Items = append(page.Items, r)
	}
	if err := rows.Err(); err != nil {
		return page, txerr.Internal(fmt.Errorf("iterate runs: %w", err))
	}

	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.HasMore = true
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

// ListRunningRuns returns every run still in status running.
func (s *Store) ListRunningRuns() ([]types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs WHERE status = 'running' ORDER BY created_at ASC`)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("list running: %w", err))
	}
	defer rows.Close()

	var out []types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan run: %w", err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
