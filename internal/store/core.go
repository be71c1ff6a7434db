// Package store implements the embedded SQLite storage engine and the typed
// repositories over it: tasks and dependency edges, workers and claims, runs,
// learnings (with FTS5 full-text index and optional sqlite-vec dense index),
// anchors with their invalidation log, and the knowledge graph edges.
//
// The database is opened in WAL mode with a single connection; a RWMutex
// serializes access on top of SQLite's own locking. Multi-statement writes
// run inside BEGIN IMMEDIATE transactions.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// Store is the shared handle over the tx database.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec vec0 module available
	vecDims   int  // dimensions of the vec0 table, 0 until created
}

// Open initializes the SQLite database at the given path.
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}

	// _txlock=immediate makes every transaction take the write lock at
	// BEGIN, which is what the multi-statement write paths rely on.
	dsn := path + "?_txlock=immediate"
	if path == ":memory:" {
		dsn = "file::memory:?_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set journal_mode=WAL: %v", err)
	}
	// NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected; dense retrieval enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec not available; dense retrieval falls back to linear cosine scan")
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// VectorIndexAvailable reports whether the vec0 ANN index is usable.
func (s *Store) VectorIndexAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

// detectVecExtension probes for the vec0 virtual table module.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

// withTx runs fn inside a BEGIN IMMEDIATE transaction, holding the write
// lock for its duration. The transaction is rolled back when fn errors.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTxLocked(fn)
}

func (s *Store) withTxLocked(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return txerr.Internal(fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return txerr.Internal(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// TIME AND JSON HELPERS
// =============================================================================

// Timestamps persist as UTC unix milliseconds.

// ToMillis is the storage encoding of a timestamp, exported for callers
// that build UpdateTask field maps.
func ToMillis(t time.Time) int64 { return toMillis(t) }

// MarshalMetadata is the storage encoding of a JSON metadata column,
// exported for callers that build UpdateTask field maps.
func MarshalMetadata(m map[string]interface{}) string { return marshalJSON(m) }

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toMillisPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromMillisPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func marshalJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("JSON marshal failed: %v", err)
		return ""
	}
	return string(data)
}

func unmarshalMap(raw sql.NullString) map[string]interface{} {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		logging.Get(logging.CategoryStore).Warn("JSON unmarshal failed: %v", err)
		return nil
	}
	return m
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		logging.Get(logging.CategoryStore).Warn("JSON unmarshal failed: %v", err)
		return nil
	}
	return out
}
