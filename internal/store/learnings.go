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
// LEARNINGS
// =============================================================================

const learningColumns = `id, content, content_hash, source_type, source_ref,
	keywords, category, usage_count, last_used_at, outcome_score, embedding,
	created_at, updated_at`

func scanLearning(row interface{ Scan(...interface{}) error }) (types.Learning, error) {
	var l types.Learning
	var keywords sql.NullString
	var lastUsed sql.NullInt64
	var outcome sql.NullFloat64
	var embedding []byte
	var created, updated int64
	err := row.Scan(&l.ID, &l.Content, &l.ContentHash, &l.SourceType, &l.SourceRef,
		&keywords, &l.Category, &l.UsageCount, &lastUsed, &outcome, &embedding,
		&created, &updated)
	if err != nil {
		return l, err
	}
	l.Keywords = unmarshalStrings(keywords)
	l.LastUsedAt = fromMillisPtr(lastUsed)
	if outcome.Valid {
		v := outcome.Float64
		l.OutcomeScore = &v
	}
	l.Embedding = decodeVector(embedding)
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return l, nil
}

// InsertLearning persists a learning and updates the full-text index in the
// same transaction, keeping the FTS invariant intact.
func (s *Store) InsertLearning(l types.Learning) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "InsertLearning")
	defer timer.Stop()

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		var outcome interface{}
		if l.OutcomeScore != nil {
			outcome = *l.OutcomeScore
		}
		res, err := tx.Exec(`
			INSERT INTO learnings (content, content_hash, source_type, source_ref, keywords,
				category, usage_count, last_used_at, outcome_score, embedding, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.Content, l.ContentHash, string(l.SourceType), l.SourceRef, marshalJSON(l.Keywords),
			l.Category, l.UsageCount, toMillisPtr(l.LastUsedAt), outcome, encodeVector(l.Embedding),
			toMillis(l.CreatedAt), toMillis(l.UpdatedAt))
		if err != nil {
			return txerr.Internal(fmt.Errorf("insert learning: %w", err))
		}
		id, err = res.LastInsertId()
		if err != nil {
			return txerr.Internal(fmt.Errorf("learning id: %w", err))
		}

		if _, err := tx.Exec(`
			INSERT INTO learnings_fts (rowid, content, keywords, category)
			VALUES (?, ?, ?, ?)`,
			id, l.Content, strings.Join(l.Keywords, " "), l.Category); err != nil {
			return txerr.Internal(fmt.Errorf("index learning: %w", err))
		}
		return nil
	})
	if err == nil {
		logging.Get(logging.CategoryLearnings).Debug("Learning %d created (source=%s category=%q)", id, l.SourceType, l.Category)
	}
	return id, err
}

// GetLearning fetches one non-deleted learning by id.
func (s *Store) GetLearning(id int64) (types.Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+learningColumns+` FROM learnings WHERE id = ? AND deleted_at IS NULL`, id)
	l, err := scanLearning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return l, txerr.NotFound("learning", fmt.Sprint(id))
	}
	if err != nil {
		return l, txerr.Internal(fmt.Errorf("get learning: %w", err))
	}
	return l, nil
}

// GetLearnings fetches several learnings at once, skipping missing ids.
func (s *Store) GetLearnings(ids []int64) (map[int64]types.Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]types.Learning, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(`SELECT `+learningColumns+` FROM learnings
		WHERE id IN (`+placeholders+`) AND deleted_at IS NULL`, args...)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("get learnings: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan learning: %w", err))
		}
		out[l.ID] = l
	}
	return out, rows.Err()
}

// DeleteLearning soft-deletes a learning, removes it from the full-text
// index, and invalidates its anchors plus live graph edges — all in one
// transaction.
func (s *Store) DeleteLearning(id int64) error {
	timer := logging.StartTimer(logging.CategoryStore, "DeleteLearning")
	defer timer.Stop()

	return s.withTx(func(tx *sql.Tx) error {
		now := toMillis(types.Now())
		res, err := tx.Exec(`UPDATE learnings SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
		if err != nil {
			return txerr.Internal(fmt.Errorf("delete learning: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.NotFound("learning", fmt.Sprint(id))
		}

		if _, err := tx.Exec(`DELETE FROM learnings_fts WHERE rowid = ?`, id); err != nil {
			return txerr.Internal(fmt.Errorf("unindex learning: %w", err))
		}
		if _, err := tx.Exec(`UPDATE anchors SET deleted_at = ? WHERE learning_id = ? AND deleted_at IS NULL`, now, id); err != nil {
			return txerr.Internal(fmt.Errorf("invalidate anchors: %w", err))
		}
		if _, err := tx.Exec(`
			UPDATE edges SET invalidated_at = ?
			WHERE invalidated_at IS NULL
			AND ((source_type = 'learning' AND source_id = ?) OR (target_type = 'learning' AND target_id = ?))`,
			now, fmt.Sprint(id), fmt.Sprint(id)); err != nil {
			return txerr.Internal(fmt.Errorf("invalidate edges: %w", err))
		}
		return nil
	})
}

// UpdateLearningOutcome sets the outcome score in [0,1].
func (s *Store) UpdateLearningOutcome(id int64, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE learnings SET outcome_score = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		score, toMillis(types.Now()), id)
	if err != nil {
		return txerr.Internal(fmt.Errorf("update outcome: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return txerr.NotFound("learning", fmt.Sprint(id))
	}
	return nil
}

// TouchLearningUsage bumps usage_count and last_used_at for retrieved rows.
func (s *Store) TouchLearningUsage(ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []interface{}{toMillis(at)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(`UPDATE learnings SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return txerr.Internal(fmt.Errorf("touch usage: %w", err))
	}
	return nil
}

// SetLearningEmbedding stores the dense vector for a learning and mirrors
// it into the vec0 index when available.
func (s *Store) SetLearningEmbedding(id int64, vec []float32) error {
	if err := s.EnsureVectorIndex(len(vec)); err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE learnings SET embedding = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			encodeVector(vec), toMillis(types.Now()), id)
		if err != nil {
			return txerr.Internal(fmt.Errorf("set embedding: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return txerr.NotFound("learning", fmt.Sprint(id))
		}

		if s.vectorExt && s.vecDims == len(vec) {
			if _, err := tx.Exec(`DELETE FROM vec_learnings WHERE rowid = ?`, id); err != nil {
				return txerr.Internal(fmt.Errorf("clear vec row: %w", err))
			}
			if _, err := tx.Exec(`INSERT INTO vec_learnings (rowid, embedding) VALUES (?, ?)`,
				id, encodeVector(vec)); err != nil {
				return txerr.Internal(fmt.Errorf("insert vec row: %w", err))
			}
		}
		return nil
	})
}

// ListLearningsMissingEmbeddings returns ids of live learnings without a
// dense vector, for backfill.
func (s *Store) ListLearningsMissingEmbeddings(limit int) ([]types.Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+learningColumns+` FROM learnings
		WHERE embedding IS NULL AND deleted_at IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("missing embeddings: %w", err))
	}
	defer rows.Close()
	return collectLearnings(rows)
}

// RecentLearnings returns live learnings newest-first, used for empty-query
// searches.
func (s *Store) RecentLearnings(limit int, category string) ([]types.Learning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + learningColumns + ` FROM learnings WHERE deleted_at IS NULL`
	var args []interface{}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("recent learnings: %w", err))
	}
	defer rows.Close()
	return collectLearnings(rows)
}

func collectLearnings(rows *sql.Rows) ([]types.Learning, error) {
	var out []types.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan learning: %w", err))
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// =============================================================================
// LEXICAL SEARCH (BM25 over FTS5)
// =============================================================================

// BM25Hit is one lexical retrieval candidate.
type BM25Hit struct {
	LearningID int64
	Score      float64 // positive; higher is better
}

// SearchBM25 runs an FTS5 match and returns the top candidates. Query terms
// are sanitized into a quoted OR query so user input can't inject FTS syntax.
func (s *Store) SearchBM25(query string, limit int) ([]BM25Hit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchBM25")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	match := buildFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	// bm25() is smaller-is-better; negate so callers see higher-is-better.
	rows, err := s.db.Query(`
		SELECT rowid, -bm25(learnings_fts) AS score
		FROM learnings_fts WHERE learnings_fts MATCH ?
		ORDER BY score DESC LIMIT ?`, match, limit)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("bm25 search: %w", err))
	}
	defer rows.Close()

	var hits []BM25Hit
	for rows.Next() {
		var h BM25Hit
		if err := rows.Scan(&h.LearningID, &h.Score); err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan hit: %w", err))
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, txerr.Internal(fmt.Errorf("iterate hits: %w", err))
	}
	logging.StoreDebug("BM25 %q returned %d hits", query, len(hits))
	return hits, rows.Err()
}

// buildFTSQuery turns free text into a safe FTS5 OR query of quoted terms.
func buildFTSQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}
