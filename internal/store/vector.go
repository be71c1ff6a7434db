package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// =============================================================================
// DENSE RETRIEVAL (sqlite-vec with linear-scan fallback)
// =============================================================================

// VectorHit is one dense retrieval candidate.
type VectorHit struct {
	LearningID int64
	Similarity float64 // cosine similarity, higher is better
}

// SearchVector returns the learnings nearest to the query embedding by
// cosine similarity. Uses the vec0 ANN index when available, otherwise a
// linear scan over stored embeddings.
func (s *Store) SearchVector(query []float32, limit int) ([]VectorHit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchVector")
	defer timer.Stop()

	if len(query) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt && s.vecDims == len(query) {
		return s.searchVecIndexLocked(query, limit)
	}
	return s.scanVectorsLocked(query, limit)
}

func (s *Store) searchVecIndexLocked(query []float32, limit int) ([]VectorHit, error) {
	// vec0 KNN returns a distance; for normalized embeddings
	// cosine_sim = 1 - distance^2/2 for L2, but vec0 supports cosine
	// distance directly: similarity = 1 - distance.
	rows, err := s.db.Query(`
		SELECT rowid, distance FROM vec_learnings
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, encodeVector(query), limit)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("vec search: %w", err))
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		var dist float64
		if err := rows.Scan(&h.LearningID, &dist); err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan vec hit: %w", err))
		}
		h.Similarity = 1 - dist
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, txerr.Internal(fmt.Errorf("iterate vec hits: %w", err))
	}

	// Drop rows whose learning was soft-deleted after indexing.
	hits, err = s.filterLiveLocked(hits)
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("vec0 search returned %d hits", len(hits))
	return hits, nil
}

func (s *Store) filterLiveLocked(hits []VectorHit) ([]VectorHit, error) {
	live := hits[:0]
	for _, h := range hits {
		var alive int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM learnings WHERE id = ? AND deleted_at IS NULL`, h.LearningID).Scan(&alive)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("liveness check: %w", err))
		}
		if alive > 0 {
			live = append(live, h)
		}
	}
	return live, nil
}

// scanVectorsLocked is the brute-force fallback: cosine similarity against
// every stored embedding. Fine at the scale of a single project store.
func (s *Store) scanVectorsLocked(query []float32, limit int) ([]VectorHit, error) {
	rows, err := s.db.Query(`SELECT id, embedding FROM learnings WHERE embedding IS NOT NULL AND deleted_at IS NULL`)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("scan vectors: %w", err))
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan vector row: %w", err))
		}
		vec := decodeVector(blob)
		if len(vec) != len(query) {
			continue // stale row from a different embedding model
		}
		sim := cosineSimilarity(query, vec)
		hits = append(hits, VectorHit{LearningID: id, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, txerr.Internal(fmt.Errorf("iterate vectors: %w", err))
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].LearningID < hits[j].LearningID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	logging.StoreDebug("Linear vector scan returned %d hits", len(hits))
	return hits, nil
}

// =============================================================================
// VECTOR ENCODING
// =============================================================================

// Vectors persist as little-endian float32 blobs, the layout sqlite-vec
// expects for float[] columns.

func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
