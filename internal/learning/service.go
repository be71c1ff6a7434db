// Package learning implements the durable knowledge layer: the learning
// store, the usage-feedback tracker, and the per-task context assembler.
package learning

import (
	"context"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"

	"tx/internal/embedding"
	"tx/internal/logging"
	"tx/internal/retrieval"
	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/types"
)

// =============================================================================
// LEARNING SERVICE
// =============================================================================

// maxKeywords caps auto-tokenized keywords per learning.
const maxKeywords = 12

// Service exposes learning CRUD and search over the store.
type Service struct {
	store    *store.Store
	engine   embedding.Engine
	pipeline *retrieval.Pipeline
}

// NewService creates a learning service. The pipeline handles search; the
// engine computes embeddings at create time and during backfill.
func NewService(st *store.Store, eng embedding.Engine, pipeline *retrieval.Pipeline) *Service {
	if eng == nil {
		eng = embedding.Noop{}
	}
	return &Service{store: st, engine: eng, pipeline: pipeline}
}

// CreateParams are the caller-supplied fields for a new learning.
type CreateParams struct {
	Content    string
	SourceType types.LearningSource // default manual
	SourceRef  string
	Keywords   []string // tokenized from content when empty
	Category   string
	Outcome    *float64
}

// Create persists a learning, indexes it for full-text search, and
// best-effort computes its embedding when a provider is configured.
func (s *Service) Create(ctx context.Context, p CreateParams) (types.Learning, error) {
	timer := logging.StartTimer(logging.CategoryLearnings, "Create")
	defer timer.Stop()

	content := strings.TrimSpace(p.Content)
	if content == "" {
		return types.Learning{}, txerr.Validation("learning content must be non-empty")
	}
	source := p.SourceType
	if source == "" {
		source = types.SourceManual
	}
	if p.Outcome != nil && (*p.Outcome < 0 || *p.Outcome > 1) {
		return types.Learning{}, txerr.Validation("outcome score %v out of range [0,1]", *p.Outcome)
	}
	keywords := p.Keywords
	if len(keywords) == 0 {
		keywords = TokenizeKeywords(content)
	}

	sum := blake3.Sum256([]byte(content))
	now := types.Now()
	l := types.Learning{
		Content:      content,
		ContentHash:  hex.EncodeToString(sum[:]),
		SourceType:   source,
		SourceRef:    p.SourceRef,
		Keywords:     keywords,
		Category:     p.Category,
		OutcomeScore: p.Outcome,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	id, err := s.store.InsertLearning(l)
	if err != nil {
		return types.Learning{}, err
	}
	l.ID = id

	if s.engine.Available() {
		if vec, err := s.engine.Embed(ctx, content); err != nil {
			logging.Get(logging.CategoryLearnings).Warn("Embedding learning %d failed: %v", id, err)
		} else if len(vec) > 0 {
			if err := s.store.SetLearningEmbedding(id, vec); err != nil {
				logging.Get(logging.CategoryLearnings).Warn("Storing embedding for learning %d failed: %v", id, err)
			} else {
				l.Embedding = vec
			}
		}
	}

	logging.Get(logging.CategoryLearnings).Info("Learning %d created (source=%s, %d keywords)", id, source, len(keywords))
	return l, nil
}

// Get fetches one live learning.
func (s *Service) Get(id int64) (types.Learning, error) {
	return s.store.GetLearning(id)
}

// Delete soft-deletes a learning, its FTS row, its anchors, and its live
// graph edges.
func (s *Service) Delete(id int64) error {
	return s.store.DeleteLearning(id)
}

// SetOutcome records how a learning worked out, in [0,1].
func (s *Service) SetOutcome(id int64, score float64) error {
	if score < 0 || score > 1 {
		return txerr.Validation("outcome score %v out of range [0,1]", score)
	}
	return s.store.UpdateLearningOutcome(id, score)
}

// Search runs the retrieval pipeline and bumps usage counters on the
// returned rows.
func (s *Service) Search(ctx context.Context, query string, opts retrieval.Options) ([]types.ScoredLearning, error) {
	results, err := s.pipeline.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		ids := make([]int64, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		if err := s.store.TouchLearningUsage(ids, types.Now()); err != nil {
			logging.Get(logging.CategoryLearnings).Warn("Usage touch failed: %v", err)
		}
	}
	return results, nil
}

// Recent returns the newest live learnings, optionally by category.
func (s *Service) Recent(limit int, category string) ([]types.Learning, error) {
	return s.store.RecentLearnings(limit, category)
}

// ReembedAll backfills embeddings for every live learning missing one.
// Returns how many were embedded.
func (s *Service) ReembedAll(ctx context.Context, batchSize int) (int, error) {
	timer := logging.StartTimer(logging.CategoryLearnings, "ReembedAll")
	defer timer.Stop()

	if !s.engine.Available() {
		return 0, txerr.New(txerr.KindServiceUnavailable, "no embedding provider configured")
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	total := 0
	for {
		missing, err := s.store.ListLearningsMissingEmbeddings(batchSize)
		if err != nil {
			return total, err
		}
		if len(missing) == 0 {
			return total, nil
		}

		texts := make([]string, len(missing))
		for i, l := range missing {
			texts[i] = l.Content
		}
		vecs, err := s.engine.EmbedBatch(ctx, texts)
		if err != nil {
			return total, txerr.Wrap(txerr.KindServiceUnavailable, err, "batch embed failed")
		}
		for i, l := range missing {
			if len(vecs[i]) == 0 {
				continue
			}
			if err := s.store.SetLearningEmbedding(l.ID, vecs[i]); err != nil {
				return total, err
			}
			total++
		}
		logging.Get(logging.CategoryLearnings).Info("Reembedded %d learnings (running total %d)", len(missing), total)
		if len(missing) < batchSize {
			return total, nil
		}
	}
}

// TokenizeKeywords extracts search keywords from free text: lowercase
// alphanumeric runs, three or more characters, deduplicated in order.
func TokenizeKeywords(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
