package retrieval

import (
	"context"
	"strings"
	"testing"

	"tx/internal/store"
	"tx/internal/types"
)

func newTestPipeline(t *testing.T) (*store.Store, *Pipeline) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, NewPipeline(st, nil, nil, nil, nil)
}

func insertLearning(t *testing.T, st *store.Store, content, category string) int64 {
	t.Helper()
	now := types.Now()
	id, err := st.InsertLearning(types.Learning{
		Content:    content,
		SourceType: types.SourceManual,
		Category:   category,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("InsertLearning(%q) failed: %v", content, err)
	}
	return id
}

func TestNormalizeVariants(t *testing.T) {
	variants := NormalizeVariants("sqlite busy timeout", []string{
		"  SQLite busy timeout  ", // dup of the original, case/space folded
		"sqlite lock contention",
		"",
		strings.Repeat("x", VariantMaxLen+1),
		"database is locked",
		"wal mode",
		"busy handler",
		"retry on busy", // over the cap, dropped
		"one more",
	})

	if variants[0] != "sqlite busy timeout" {
		t.Errorf("original not first: %q", variants[0])
	}
	if len(variants) != 1+MaxExpansions {
		t.Fatalf("got %d variants, want %d", len(variants), 1+MaxExpansions)
	}
	for _, v := range variants[1:] {
		if strings.EqualFold(v, variants[0]) {
			t.Errorf("duplicate of the original survived: %q", v)
		}
	}
}

func TestSearchLexical(t *testing.T) {
	st, p := newTestPipeline(t)

	match := insertLearning(t, st, "Use WAL mode to avoid sqlite database is locked errors", "sql")
	insertLearning(t, st, "Prefer table-driven tests for parser edge cases", "testing")

	results, err := p.Search(context.Background(), "sqlite locked", Options{Limit: 5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("no results for a matching query")
	}
	if results[0].ID != match {
		t.Errorf("top result = %d, want %d", results[0].ID, match)
	}
	if results[0].BM25Rank == 0 {
		t.Errorf("lexical hit has no BM25 rank")
	}
	// No embedding engine, so the dense modality must stay empty.
	if results[0].VectorRank != 0 {
		t.Errorf("dense rank %d without an engine", results[0].VectorRank)
	}
}

func TestSearchNoMatches(t *testing.T) {
	st, p := newTestPipeline(t)
	insertLearning(t, st, "Use WAL mode for concurrent readers", "sql")

	results, err := p.Search(context.Background(), "kubernetes ingress", Options{Limit: 5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("unrelated query returned %d results", len(results))
	}
}

func TestEmptyQueryReturnsRecent(t *testing.T) {
	st, p := newTestPipeline(t)

	first := insertLearning(t, st, "oldest entry", "")
	second := insertLearning(t, st, "newest entry", "")

	results, err := p.Search(context.Background(), "   ", Options{Limit: 5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Newest first, scored by recency alone.
	if results[0].ID != second || results[1].ID != first {
		t.Errorf("order = [%d %d], want [%d %d]", results[0].ID, results[1].ID, second, first)
	}
	for _, r := range results {
		if r.RelevanceScore != r.RecencyScore {
			t.Errorf("recent result %d scored beyond recency: %v != %v", r.ID, r.RelevanceScore, r.RecencyScore)
		}
	}
}

func TestSearchCategoryFilter(t *testing.T) {
	st, p := newTestPipeline(t)

	insertLearning(t, st, "sqlite index covering queries", "sql")
	other := insertLearning(t, st, "sqlite pragma journal_mode tuning", "ops")

	results, err := p.Search(context.Background(), "sqlite", Options{Limit: 5, Category: "ops"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != other {
		t.Fatalf("category filter returned %v, want just %d", resultIDs(results), other)
	}
}

func TestScoreFloorAppliedBeforeTruncation(t *testing.T) {
	near := []float32{1, 0, 0}
	far := []float32{0, 1, 0}

	a := scored(1, "", 0.90)
	a.Embedding = near
	b := scored(2, "", 0.80) // redundant with a, but clears the floor
	b.Embedding = near
	c := scored(3, "", 0.40) // distinct, below the floor
	c.Embedding = far

	// Diversifying first would spend a window slot on c for its novelty
	// and return a single result after filtering.
	floor := 0.5
	out := finish([]types.ScoredLearning{a, b, c}, Options{Limit: 2, MinScore: &floor})
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	for _, r := range out {
		if r.RelevanceScore < floor {
			t.Errorf("result %d scored %.2f, below the floor", r.ID, r.RelevanceScore)
		}
	}
}

func resultIDs(results []types.ScoredLearning) []int64 {
	ids := make([]int64, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids
}
