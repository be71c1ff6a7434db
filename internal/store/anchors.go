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
// ANCHORS
// =============================================================================

const anchorColumns = `id, learning_id, anchor_type, file_path, anchor_value,
	content_hash, content_preview, symbol_name, line_start, line_end, status,
	pinned, verified_at, created_at, deleted_at`

func scanAnchor(row interface{ Scan(...interface{}) error }) (types.Anchor, error) {
	var a types.Anchor
	var pinned int
	var verified, deleted sql.NullInt64
	var created int64
	err := row.Scan(&a.ID, &a.LearningID, &a.AnchorType, &a.FilePath, &a.AnchorValue,
		&a.ContentHash, &a.ContentPreview, &a.SymbolName, &a.LineStart, &a.LineEnd,
		&a.Status, &pinned, &verified, &created, &deleted)
	if err != nil {
		return a, err
	}
	a.Pinned = pinned != 0
	a.VerifiedAt = fromMillisPtr(verified)
	a.CreatedAt = fromMillis(created)
	a.DeletedAt = fromMillisPtr(deleted)
	return a, nil
}

// InsertAnchor persists a new anchor and its ANCHORED_AT graph edge in one
// transaction.
func (s *Store) InsertAnchor(a types.Anchor) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "InsertAnchor")
	defer timer.Stop()

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO anchors (learning_id, anchor_type, file_path, anchor_value,
				content_hash, content_preview, symbol_name, line_start, line_end,
				status, pinned, verified_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.LearningID, string(a.AnchorType), a.FilePath, a.AnchorValue,
			a.ContentHash, a.ContentPreview, a.SymbolName, a.LineStart, a.LineEnd,
			string(a.Status), boolToInt(a.Pinned), toMillisPtr(a.VerifiedAt), toMillis(a.CreatedAt))
		if err != nil {
			return txerr.Internal(fmt.Errorf("insert anchor: %w", err))
		}
		id, err = res.LastInsertId()
		if err != nil {
			return txerr.Internal(fmt.Errorf("anchor id: %w", err))
		}

		if err := insertEdgeTx(tx, types.Edge{
			SourceType: types.NodeLearning,
			SourceID:   fmt.Sprint(a.LearningID),
			EdgeType:   types.EdgeAnchoredAt,
			TargetType: types.NodeAnchor,
			TargetID:   fmt.Sprint(id),
			Weight:     1.0,
			CreatedAt:  a.CreatedAt,
		}); err != nil {
			return err
		}
		return nil
	})
	if err == nil {
		logging.AnchorsDebug("Anchor %d created (type=%s path=%s learning=%d)", id, a.AnchorType, a.FilePath, a.LearningID)
	}
	return id, err
}

// GetAnchor fetches one non-deleted anchor by id.
func (s *Store) GetAnchor(id int64) (types.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+anchorColumns+` FROM anchors WHERE id = ? AND deleted_at IS NULL`, id)
	a, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, txerr.NotFound("anchor", fmt.Sprint(id))
	}
	if err != nil {
		return a, txerr.Internal(fmt.Errorf("get anchor: %w", err))
	}
	return a, nil
}

// ListAnchorsByLearning returns the live anchors of a learning.
func (s *Store) ListAnchorsByLearning(learningID int64) ([]types.Anchor, error) {
	return s.listAnchors(`learning_id = ?`, learningID)
}

// ListAnchorsByPath returns the live anchors attached to a file path.
func (s *Store) ListAnchorsByPath(path string) ([]types.Anchor, error) {
	return s.listAnchors(`file_path = ?`, path)
}

// ListStaleAnchors returns live, unpinned anchors never verified or last
// verified before the cutoff.
func (s *Store) ListStaleAnchors(cutoff time.Time, limit int) ([]types.Anchor, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listAnchors(`pinned = 0 AND (verified_at IS NULL OR verified_at < ?) LIMIT `+fmt.Sprint(limit), toMillis(cutoff))
}

func (s *Store) listAnchors(where string, args ...interface{}) ([]types.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+anchorColumns+` FROM anchors WHERE deleted_at IS NULL AND `+where, args...)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("list anchors: %w", err))
	}
	defer rows.Close()

	var out []types.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan anchor: %w", err))
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AnchorTransition records one anchor status change: the anchor row update
// and the append-only invalidation entry commit together, so every change
// produces exactly one audit row.
type AnchorTransition struct {
	AnchorID        int64
	NewStatus       types.AnchorStatus
	Reason          string
	DetectedBy      types.DetectedBy
	NewContentHash  string // "" = keep current
	NewPreview      string // "" = keep current
	SimilarityScore *float64
	VerifiedAt      time.Time
}

// ApplyAnchorTransition updates an anchor's verification state and logs the
// transition. Also used for "still valid" re-verifications, which bump
// verified_at without an audit row when the status did not change.
func (s *Store) ApplyAnchorTransition(t AnchorTransition) (types.InvalidationEntry, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ApplyAnchorTransition")
	defer timer.Stop()

	var entry types.InvalidationEntry
	err := s.withTx(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+anchorColumns+` FROM anchors WHERE id = ? AND deleted_at IS NULL`, t.AnchorID)
		a, err := scanAnchor(row)
		if errors.Is(err, sql.ErrNoRows) {
			return txerr.NotFound("anchor", fmt.Sprint(t.AnchorID))
		}
		if err != nil {
			return txerr.Internal(fmt.Errorf("load anchor: %w", err))
		}

		newHash := a.ContentHash
		if t.NewContentHash != "" {
			newHash = t.NewContentHash
		}
		newPreview := a.ContentPreview
		if t.NewPreview != "" {
			newPreview = t.NewPreview
		}

		if _, err := tx.Exec(`
			UPDATE anchors SET status = ?, content_hash = ?, content_preview = ?, verified_at = ?
			WHERE id = ?`,
			string(t.NewStatus), newHash, newPreview, toMillis(t.VerifiedAt), t.AnchorID); err != nil {
			return txerr.Internal(fmt.Errorf("update anchor: %w", err))
		}

		// A re-verification that confirms the current status is not a
		// transition; only real changes and self-heals are audited.
		statusChanged := a.Status != t.NewStatus
		hashChanged := t.NewContentHash != "" && t.NewContentHash != a.ContentHash
		if !statusChanged && !hashChanged {
			return nil
		}

		var sim interface{}
		if t.SimilarityScore != nil {
			sim = *t.SimilarityScore
		}
		now := types.Now()
		res, err := tx.Exec(`
			INSERT INTO anchor_invalidations (anchor_id, old_status, new_status, reason,
				detected_by, old_content_hash, new_content_hash, similarity_score, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.AnchorID, string(a.Status), string(t.NewStatus), t.Reason,
			string(t.DetectedBy), a.ContentHash, newHash, sim, toMillis(now))
		if err != nil {
			return txerr.Internal(fmt.Errorf("log invalidation: %w", err))
		}
		entryID, err := res.LastInsertId()
		if err != nil {
			return txerr.Internal(fmt.Errorf("invalidation id: %w", err))
		}

		entry = types.InvalidationEntry{
			ID: entryID, AnchorID: t.AnchorID,
			OldStatus: a.Status, NewStatus: t.NewStatus,
			Reason: t.Reason, DetectedBy: t.DetectedBy,
			OldContentHash: a.ContentHash, NewContentHash: newHash,
			SimilarityScore: t.SimilarityScore, CreatedAt: now,
		}
		logging.Anchors("Anchor %d: %s -> %s (%s, by=%s)", t.AnchorID, a.Status, t.NewStatus, t.Reason, t.DetectedBy)
		return nil
	})
	return entry, err
}

// SetAnchorPinned toggles the pinned flag.
func (s *Store) SetAnchorPinned(id int64, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE anchors SET pinned = ? WHERE id = ? AND deleted_at IS NULL`, boolToInt(pinned), id)
	if err != nil {
		return txerr.Internal(fmt.Errorf("pin anchor: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return txerr.NotFound("anchor", fmt.Sprint(id))
	}
	return nil
}

// SoftDeleteAnchor marks an anchor deleted without touching its audit log.
func (s *Store) SoftDeleteAnchor(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE anchors SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, toMillis(types.Now()), id)
	if err != nil {
		return txerr.Internal(fmt.Errorf("delete anchor: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return txerr.NotFound("anchor", fmt.Sprint(id))
	}
	return nil
}

// LatestInvalidation returns the most recent audit entry for an anchor.
func (s *Store) LatestInvalidation(anchorID int64) (types.InvalidationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, anchor_id, old_status, new_status, reason, detected_by,
			old_content_hash, new_content_hash, similarity_score, created_at
		FROM anchor_invalidations WHERE anchor_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, anchorID)
	return scanInvalidation(row)
}

// ListInvalidations returns the audit trail of an anchor, newest first.
func (s *Store) ListInvalidations(anchorID int64) ([]types.InvalidationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, anchor_id, old_status, new_status, reason, detected_by,
			old_content_hash, new_content_hash, similarity_score, created_at
		FROM anchor_invalidations WHERE anchor_id = ?
		ORDER BY created_at DESC, id DESC`, anchorID)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("list invalidations: %w", err))
	}
	defer rows.Close()

	var out []types.InvalidationEntry
	for rows.Next() {
		e, err := scanInvalidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanInvalidation(row interface{ Scan(...interface{}) error }) (types.InvalidationEntry, error) {
	var e types.InvalidationEntry
	var sim sql.NullFloat64
	var created int64
	err := row.Scan(&e.ID, &e.AnchorID, &e.OldStatus, &e.NewStatus, &e.Reason,
		&e.DetectedBy, &e.OldContentHash, &e.NewContentHash, &sim, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return e, txerr.NotFound("invalidation entry for anchor", fmt.Sprint(e.AnchorID))
	}
	if err != nil {
		return e, txerr.Internal(fmt.Errorf("scan invalidation: %w", err))
	}
	if sim.Valid {
		v := sim.Float64
		e.SimilarityScore = &v
	}
	e.CreatedAt = fromMillis(created)
	return e, nil
}

// PruneInvalidAnchors hard-deletes invalid anchors older than the cutoff.
// Valid and drifted anchors are never pruned, nor are pinned ones.
func (s *Store) PruneInvalidAnchors(cutoff time.Time) (int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "PruneInvalidAnchors")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM anchors
		WHERE status = 'invalid' AND pinned = 0 AND created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, txerr.Internal(fmt.Errorf("prune anchors: %w", err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Anchors("Pruned %d invalid anchors older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
