// Package retrieval implements hybrid search over the learning store:
// query expansion, parallel lexical (BM25) and dense (cosine) retrieval,
// reciprocal rank fusion, weighted relevance scoring, optional reranking,
// and MMR diversification. Every optional collaborator has a noop fallback
// so the pipeline never hard-fails when one is absent.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"tx/internal/embedding"
	"tx/internal/logging"
	"tx/internal/store"
	"tx/internal/types"
)

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline wires the search stages together over a single store.
type Pipeline struct {
	store    *store.Store
	engine   embedding.Engine
	expander QueryExpander
	reranker Reranker
	feedback FeedbackScorer
}

// NewPipeline creates a search pipeline. Nil expander, reranker, or feedback
// scorer fall back to noop behavior.
func NewPipeline(st *store.Store, eng embedding.Engine, expander QueryExpander, reranker Reranker, feedback FeedbackScorer) *Pipeline {
	if eng == nil {
		eng = embedding.Noop{}
	}
	if expander == nil {
		expander = NoopExpander{}
	}
	if reranker == nil {
		reranker = NoopReranker{}
	}
	return &Pipeline{
		store:    st,
		engine:   eng,
		expander: expander,
		reranker: reranker,
		feedback: feedback,
	}
}

// Options narrows a search.
type Options struct {
	Limit    int
	MinScore *float64
	Category string
}

// rankedList is one modality's result for one variant, best first.
type rankedList struct {
	ids    []int64
	scores []float64
	dense  bool
}

// candidate accumulates fused signals for one learning across all lists.
type candidate struct {
	rrfScore  float64
	bm25Score float64
	bm25Rank  int // best rank across variants, 0 = absent
	vecScore  float64
	vecRank   int
}

// Search runs the full pipeline for a query. An empty query returns recent
// learnings instead of searching.
func (p *Pipeline) Search(ctx context.Context, query string, opts Options) ([]types.ScoredLearning, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return p.recent(opts)
	}

	variants := p.expand(ctx, query)
	lists, err := p.retrieve(ctx, variants)
	if err != nil {
		return nil, err
	}

	candidates := fuse(lists)
	if len(candidates) == 0 {
		return nil, nil
	}

	scored, err := p.score(candidates, opts.Category)
	if err != nil {
		return nil, err
	}

	// Rerank a 3xN window, then diversify down to N.
	window := 3 * opts.Limit
	if window > len(scored) {
		window = len(scored)
	}
	reranked, err := p.reranker.Rerank(ctx, query, scored[:window])
	if err != nil {
		logging.Retrieval("Reranker failed, keeping fused order: %v", err)
		reranked = scored[:window]
	}

	results := finish(reranked, opts)

	logging.Retrieval("Search %q: %d variants, %d candidates, %d results", query, len(variants), len(candidates), len(results))
	return results, nil
}

// recent serves the empty-query path: newest learnings, scored by recency
// only.
func (p *Pipeline) recent(opts Options) ([]types.ScoredLearning, error) {
	learnings, err := p.store.RecentLearnings(opts.Limit, opts.Category)
	if err != nil {
		return nil, err
	}
	now := types.Now()
	out := make([]types.ScoredLearning, 0, len(learnings))
	for _, l := range learnings {
		rec := recencyScore(l.CreatedAt, now)
		out = append(out, types.ScoredLearning{
			Learning:       l,
			RelevanceScore: rec,
			RecencyScore:   rec,
		})
	}
	return applyMinScore(out, opts.MinScore), nil
}

// expand runs the query expander and normalizes its output. Any failure
// degrades to the original query alone.
func (p *Pipeline) expand(ctx context.Context, query string) []string {
	expanded, err := p.expander.Expand(ctx, query)
	if err != nil {
		logging.RetrievalDebug("Expansion failed, using original only: %v", err)
		expanded = nil
	}
	return NormalizeVariants(query, expanded)
}

// retrieve runs lexical and dense retrieval for every variant in parallel.
func (p *Pipeline) retrieve(ctx context.Context, variants []string) ([]rankedList, error) {
	var mu sync.Mutex
	var lists []rankedList

	g, gctx := errgroup.WithContext(ctx)
	for _, variant := range variants {
		variant := variant

		g.Go(func() error {
			hits, err := p.store.SearchBM25(variant, CandidatesPerVariant)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				return nil
			}
			list := rankedList{dense: false}
			for _, h := range hits {
				list.ids = append(list.ids, h.LearningID)
				list.scores = append(list.scores, h.Score)
			}
			mu.Lock()
			lists = append(lists, list)
			mu.Unlock()
			return nil
		})

		if p.engine.Available() {
			g.Go(func() error {
				vec, err := p.engine.Embed(gctx, variant)
				if err != nil {
					// Dense retrieval is best-effort; lexical results stand.
					logging.RetrievalDebug("Embed variant failed: %v", err)
					return nil
				}
				hits, err := p.store.SearchVector(vec, CandidatesPerVariant)
				if err != nil {
					return err
				}
				if len(hits) == 0 {
					return nil
				}
				list := rankedList{dense: true}
				for _, h := range hits {
					list.ids = append(list.ids, h.LearningID)
					list.scores = append(list.scores, h.Similarity)
				}
				mu.Lock()
				lists = append(lists, list)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lists, nil
}

// fuse merges ranked lists with reciprocal rank fusion, keeping each
// candidate's best raw score and rank per modality.
func fuse(lists []rankedList) map[int64]*candidate {
	candidates := make(map[int64]*candidate)
	for _, list := range lists {
		for i, id := range list.ids {
			rank := i + 1
			c := candidates[id]
			if c == nil {
				c = &candidate{}
				candidates[id] = c
			}
			c.rrfScore += 1.0 / float64(RRFConstant+rank)
			if list.dense {
				if c.vecRank == 0 || rank < c.vecRank {
					c.vecRank = rank
					c.vecScore = list.scores[i]
				}
			} else {
				if c.bm25Rank == 0 || rank < c.bm25Rank {
					c.bm25Rank = rank
					c.bm25Score = list.scores[i]
				}
			}
		}
	}
	return candidates
}

// score loads candidate learnings and assembles the weighted relevance
// score, sorted best first.
func (p *Pipeline) score(candidates map[int64]*candidate, category string) ([]types.ScoredLearning, error) {
	ids := make([]int64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	learnings, err := p.store.GetLearnings(ids)
	if err != nil {
		return nil, err
	}

	var rrfMax float64
	for id := range learnings {
		if c := candidates[id]; c.rrfScore > rrfMax {
			rrfMax = c.rrfScore
		}
	}

	now := types.Now()
	scored := make([]types.ScoredLearning, 0, len(learnings))
	for id, l := range learnings {
		if category != "" && l.Category != category {
			continue
		}
		c := candidates[id]

		rrfNorm := 0.0
		if rrfMax > 0 {
			rrfNorm = c.rrfScore / rrfMax
		}
		rec := recencyScore(l.CreatedAt, now)
		fb := NeutralFeedback
		if p.feedback != nil {
			if v, err := p.feedback.FeedbackScore(id); err == nil {
				fb = v
			}
		}

		scored = append(scored, types.ScoredLearning{
			Learning:       l,
			RelevanceScore: relevance(rrfNorm, rec, outcomeBoost(l.OutcomeScore), fb),
			BM25Score:      c.bm25Score,
			VectorScore:    c.vecScore,
			RecencyScore:   rec,
			RRFScore:       c.rrfScore,
			BM25Rank:       c.bm25Rank,
			VectorRank:     c.vecRank,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].RelevanceScore != scored[j].RelevanceScore {
			return scored[i].RelevanceScore > scored[j].RelevanceScore
		}
		return scored[i].ID < scored[j].ID
	})
	return scored, nil
}

// finish applies the score floor and then diversifies down to the limit.
// Filtering before truncation keeps candidates that clear the floor from
// being crowded out of the final window by ones that do not.
func finish(results []types.ScoredLearning, opts Options) []types.ScoredLearning {
	return diversify(applyMinScore(results, opts.MinScore), opts.Limit)
}

func applyMinScore(results []types.ScoredLearning, minScore *float64) []types.ScoredLearning {
	if minScore == nil {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if r.RelevanceScore >= *minScore {
			kept = append(kept, r)
		}
	}
	return kept
}
