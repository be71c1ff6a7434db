package retrieval

import (
	"math"
	"testing"
	"time"

	"tx/internal/types"
)

func TestRecencyScoreDecay(t *testing.T) {
	now := time.Now()

	if got := recencyScore(now, now); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("fresh learning recency = %v, want 1.0", got)
	}
	// One tau (14 days) of age decays to 1/e.
	tau := now.Add(-14 * 24 * time.Hour)
	if got := recencyScore(tau, now); math.Abs(got-math.Exp(-1)) > 1e-9 {
		t.Errorf("recency at tau = %v, want 1/e", got)
	}
	// Clock skew never yields a score above 1.
	future := now.Add(time.Hour)
	if got := recencyScore(future, now); got > 1.0 {
		t.Errorf("future createdAt recency = %v, want <= 1.0", got)
	}
	if recencyScore(now.Add(-24*time.Hour), now) <= recencyScore(now.Add(-48*time.Hour), now) {
		t.Errorf("recency is not monotonically decreasing with age")
	}
}

func TestRelevanceWeights(t *testing.T) {
	if got := relevance(1, 1, 1, 1); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("all-ones relevance = %v, want 1.0 (weights must sum to 1)", got)
	}
	if got := relevance(0, 0, 0, 0); got != 0 {
		t.Errorf("all-zero relevance = %v, want 0", got)
	}

	// A better outcome strictly improves the total, everything else equal.
	low := relevance(0.5, 0.5, 0.2, 0.5)
	high := relevance(0.5, 0.5, 0.9, 0.5)
	if high <= low {
		t.Errorf("outcome 0.9 scored %v, not above outcome 0.2 at %v", high, low)
	}
}

func TestOutcomeBoost(t *testing.T) {
	if got := outcomeBoost(nil); got != 0 {
		t.Errorf("nil outcome boost = %v, want 0", got)
	}
	v := 0.8
	if got := outcomeBoost(&v); got != 0.8 {
		t.Errorf("outcome boost = %v, want 0.8", got)
	}
}

func TestFuseKeepsBestRankPerModality(t *testing.T) {
	lists := []rankedList{
		{dense: false, ids: []int64{1, 2}, scores: []float64{9.0, 5.0}},
		{dense: false, ids: []int64{2, 1}, scores: []float64{8.0, 3.0}},
		{dense: true, ids: []int64{2}, scores: []float64{0.91}},
	}
	candidates := fuse(lists)

	// Learning 1: rank 1 and rank 2 lexical, no dense.
	c1 := candidates[1]
	if c1.bm25Rank != 1 || c1.bm25Score != 9.0 {
		t.Errorf("learning 1 best lexical = rank %d score %v, want rank 1 score 9.0", c1.bm25Rank, c1.bm25Score)
	}
	if c1.vecRank != 0 {
		t.Errorf("learning 1 has dense rank %d, want 0", c1.vecRank)
	}
	wantRRF := 1.0/float64(RRFConstant+1) + 1.0/float64(RRFConstant+2)
	if math.Abs(c1.rrfScore-wantRRF) > 1e-12 {
		t.Errorf("learning 1 rrf = %v, want %v", c1.rrfScore, wantRRF)
	}

	// Learning 2 appears in all three lists; rank 1 in two of them.
	c2 := candidates[2]
	if c2.bm25Rank != 1 || c2.vecRank != 1 {
		t.Errorf("learning 2 ranks = lexical %d dense %d, want 1/1", c2.bm25Rank, c2.vecRank)
	}
	if c2.rrfScore <= c1.rrfScore {
		t.Errorf("learning 2 rrf %v not above learning 1 rrf %v", c2.rrfScore, c1.rrfScore)
	}
}

func TestApplyMinScore(t *testing.T) {
	results := []types.ScoredLearning{
		{Learning: types.Learning{ID: 1}, RelevanceScore: 0.9},
		{Learning: types.Learning{ID: 2}, RelevanceScore: 0.4},
		{Learning: types.Learning{ID: 3}, RelevanceScore: 0.6},
	}
	if got := applyMinScore(results, nil); len(got) != 3 {
		t.Errorf("nil floor kept %d results, want 3", len(got))
	}

	floor := 0.5
	kept := applyMinScore(results, &floor)
	if len(kept) != 2 {
		t.Fatalf("floor 0.5 kept %d results, want 2", len(kept))
	}
	for _, r := range kept {
		if r.RelevanceScore < floor {
			t.Errorf("result %d below floor: %v", r.ID, r.RelevanceScore)
		}
	}
}
