package store

import (
	"database/sql"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"tx/internal/logging"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// KNOWLEDGE GRAPH EDGES
// =============================================================================

const edgeColumns = `id, source_type, source_id, edge_type, target_type, target_id,
	weight, metadata, created_at, invalidated_at`

func newEdgeID(at time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(at.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

func scanEdge(row interface{ Scan(...interface{}) error }) (types.Edge, error) {
	var e types.Edge
	var meta sql.NullString
	var created int64
	var invalidated sql.NullInt64
	err := row.Scan(&e.ID, &e.SourceType, &e.SourceID, &e.EdgeType, &e.TargetType,
		&e.TargetID, &e.Weight, &meta, &created, &invalidated)
	if err != nil {
		return e, err
	}
	e.Metadata = unmarshalMap(meta)
	e.CreatedAt = fromMillis(created)
	e.InvalidatedAt = fromMillisPtr(invalidated)
	return e, nil
}

func insertEdgeTx(tx *sql.Tx, e types.Edge) error {
	if e.SourceID == "" || e.TargetID == "" || e.EdgeType == "" {
		return txerr.Validation("edge endpoints and type must be non-empty")
	}
	if math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0) {
		return txerr.Validation("edge weight must be finite, got %v", e.Weight)
	}
	if e.ID == "" {
		e.ID = newEdgeID(e.CreatedAt)
	}
	_, err := tx.Exec(`
		INSERT INTO edges (id, source_type, source_id, edge_type, target_type, target_id, weight, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.SourceType), e.SourceID, string(e.EdgeType),
		string(e.TargetType), e.TargetID, e.Weight, marshalJSON(e.Metadata), toMillis(e.CreatedAt))
	if err != nil {
		return txerr.Internal(fmt.Errorf("insert edge: %w", err))
	}
	return nil
}

// InsertEdge stores a typed weighted edge between two nodes.
func (s *Store) InsertEdge(e types.Edge) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertEdge")
	defer timer.Stop()

	return s.withTx(func(tx *sql.Tx) error {
		return insertEdgeTx(tx, e)
	})
}

// InsertEdges stores several edges atomically.
func (s *Store) InsertEdges(edges []types.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		for _, e := range edges {
			if err := insertEdgeTx(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// LiveEdges returns non-invalidated edges matching the given endpoint.
// direction is "incoming" (target match), "outgoing" (source match), or
// "both".
func (s *Store) LiveEdges(nodeType types.NodeType, nodeID string, edgeType types.EdgeType, direction string) ([]types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where string
	var args []interface{}
	switch direction {
	case "outgoing":
		where = `source_type = ? AND source_id = ?`
		args = append(args, string(nodeType), nodeID)
	case "incoming":
		where = `target_type = ? AND target_id = ?`
		args = append(args, string(nodeType), nodeID)
	default:
		where = `((source_type = ? AND source_id = ?) OR (target_type = ? AND target_id = ?))`
		args = append(args, string(nodeType), nodeID, string(nodeType), nodeID)
	}
	if edgeType != "" {
		where += ` AND edge_type = ?`
		args = append(args, string(edgeType))
	}
	where += ` AND invalidated_at IS NULL`

	rows, err := s.db.Query(`SELECT `+edgeColumns+` FROM edges WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, txerr.Internal(fmt.Errorf("live edges: %w", err))
	}
	defer rows.Close()

	var out []types.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, txerr.Internal(fmt.Errorf("scan edge: %w", err))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InvalidateEdge soft-deletes an edge; it leaves the live view but stays in
// the table.
func (s *Store) InvalidateEdge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE edges SET invalidated_at = ? WHERE id = ? AND invalidated_at IS NULL`,
		toMillis(types.Now()), id)
	if err != nil {
		return txerr.Internal(fmt.Errorf("invalidate edge: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return txerr.NotFound("edge", id)
	}
	return nil
}

// FeedbackCounts aggregates live USED_IN_RUN edges for a learning:
// total count and how many carried a helpful weight.
func (s *Store) FeedbackCounts(learningID int64) (total, helpful int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN weight >= 0.5 THEN 1 ELSE 0 END), 0)
		FROM edges
		WHERE edge_type = 'USED_IN_RUN'
		AND source_type = 'learning' AND source_id = ?
		AND invalidated_at IS NULL`, fmt.Sprint(learningID)).Scan(&total, &helpful)
	if err != nil {
		return 0, 0, txerr.Internal(fmt.Errorf("feedback counts: %w", err))
	}
	return total, helpful, nil
}
