package store

import (
	"fmt"

	"tx/internal/logging"
)

// schemaStatements create every table and index the repositories rely on.
// The vec0 virtual table is created lazily once embedding dimensions are
// known (see EnsureVectorIndex).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'backlog',
		score         INTEGER NOT NULL DEFAULT 500,
		parent_id     TEXT,
		metadata      TEXT,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		completed_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_order ON tasks(score DESC, id ASC)`,

	`CREATE TABLE IF NOT EXISTS task_deps (
		blocker_id  TEXT NOT NULL,
		blocked_id  TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (blocker_id, blocked_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deps_blocked ON task_deps(blocked_id)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id                 TEXT PRIMARY KEY,
		hostname           TEXT NOT NULL DEFAULT '',
		pid                INTEGER NOT NULL DEFAULT 0,
		capabilities       TEXT,
		status             TEXT NOT NULL DEFAULT 'starting',
		current_task_id    TEXT,
		metadata           TEXT,
		registered_at      INTEGER NOT NULL,
		last_heartbeat_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status)`,

	`CREATE TABLE IF NOT EXISTS claims (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      TEXT NOT NULL,
		worker_id    TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'active',
		claimed_at   INTEGER NOT NULL,
		released_at  INTEGER
	)`,
	// The at-most-one-active-claim invariant lives in the database, not in
	// application code: concurrent acquirers race on this index.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_active
		ON claims(task_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_claims_worker ON claims(worker_id, status)`,

	`CREATE TABLE IF NOT EXISTS runs (
		id                TEXT PRIMARY KEY,
		agent             TEXT NOT NULL DEFAULT '',
		task_id           TEXT,
		worker_id         TEXT,
		pid               INTEGER NOT NULL DEFAULT 0,
		transcript_path   TEXT NOT NULL DEFAULT '',
		stdout_bytes      INTEGER NOT NULL DEFAULT 0,
		stderr_bytes      INTEGER NOT NULL DEFAULT 0,
		transcript_bytes  INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'running',
		exit_code         INTEGER,
		summary           TEXT NOT NULL DEFAULT '',
		error_message     TEXT NOT NULL DEFAULT '',
		last_activity_at  INTEGER NOT NULL,
		last_check_at     INTEGER NOT NULL,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL,
		completed_at      INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,

	`CREATE TABLE IF NOT EXISTS learnings (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		content        TEXT NOT NULL,
		content_hash   TEXT NOT NULL DEFAULT '',
		source_type    TEXT NOT NULL DEFAULT 'manual',
		source_ref     TEXT NOT NULL DEFAULT '',
		keywords       TEXT,
		category       TEXT NOT NULL DEFAULT '',
		usage_count    INTEGER NOT NULL DEFAULT 0,
		last_used_at   INTEGER,
		outcome_score  REAL,
		embedding      BLOB,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		deleted_at     INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_learnings_category ON learnings(category)`,
	`CREATE INDEX IF NOT EXISTS idx_learnings_hash ON learnings(content_hash)`,

	// Contentless-delete FTS index kept in sync manually, inside the same
	// transaction as the learnings row (invariant: the index contains
	// exactly the non-deleted learnings).
	`CREATE VIRTUAL TABLE IF NOT EXISTS learnings_fts USING fts5(
		content, keywords, category UNINDEXED
	)`,

	`CREATE TABLE IF NOT EXISTS anchors (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		learning_id      INTEGER NOT NULL,
		anchor_type      TEXT NOT NULL,
		file_path        TEXT NOT NULL,
		anchor_value     TEXT NOT NULL DEFAULT '',
		content_hash     TEXT NOT NULL DEFAULT '',
		content_preview  TEXT NOT NULL DEFAULT '',
		symbol_name      TEXT NOT NULL DEFAULT '',
		line_start       INTEGER NOT NULL DEFAULT 0,
		line_end         INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'valid',
		pinned           INTEGER NOT NULL DEFAULT 0,
		verified_at      INTEGER,
		created_at       INTEGER NOT NULL,
		deleted_at       INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anchors_learning ON anchors(learning_id)`,
	`CREATE INDEX IF NOT EXISTS idx_anchors_path ON anchors(file_path)`,
	`CREATE INDEX IF NOT EXISTS idx_anchors_status ON anchors(status)`,

	`CREATE TABLE IF NOT EXISTS anchor_invalidations (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		anchor_id         INTEGER NOT NULL,
		old_status        TEXT NOT NULL,
		new_status        TEXT NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		detected_by       TEXT NOT NULL DEFAULT 'manual',
		old_content_hash  TEXT NOT NULL DEFAULT '',
		new_content_hash  TEXT NOT NULL DEFAULT '',
		similarity_score  REAL,
		created_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invalidations_anchor
		ON anchor_invalidations(anchor_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS edges (
		id              TEXT PRIMARY KEY,
		source_type     TEXT NOT NULL,
		source_id       TEXT NOT NULL,
		edge_type       TEXT NOT NULL,
		target_type     TEXT NOT NULL,
		target_id       TEXT NOT NULL,
		weight          REAL NOT NULL DEFAULT 1.0,
		metadata        TEXT,
		created_at      INTEGER NOT NULL,
		invalidated_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_type, target_id, edge_type)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_type, source_id, edge_type)`,
}

func (s *Store) initSchema() error {
	timer := logging.StartTimer(logging.CategoryStore, "store.initSchema")
	defer timer.Stop()

	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w\n%s", err, stmt)
		}
	}
	logging.StoreDebug("Schema initialized (%d statements)", len(schemaStatements))
	return nil
}

// EnsureVectorIndex creates the vec0 virtual table for learning embeddings
// once the embedding dimensionality is known. A no-op without sqlite-vec.
func (s *Store) EnsureVectorIndex(dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.vectorExt || dims <= 0 {
		return nil
	}
	if s.vecDims == dims {
		return nil
	}

	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_learnings USING vec0(
		embedding float[%d]
	)`, dims)
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create vec_learnings table: %w", err)
	}
	s.vecDims = dims
	logging.StoreDebug("vec_learnings index ready (%d dimensions)", dims)
	return nil
}
