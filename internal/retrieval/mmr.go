package retrieval

import (
	"sort"

	"tx/internal/embedding"
	"tx/internal/types"
)

// =============================================================================
// DIVERSIFICATION (MMR + CATEGORY CAP)
// =============================================================================

// diversify orders candidates by maximal marginal relevance, penalizing
// similarity to already-selected items, while keeping at most CategoryCapMax
// items of any one category in the first CategoryCapWindow positions.
// Candidates without embeddings carry zero redundancy penalty, so with no
// embeddings at all this reduces to relevance order plus the category cap.
func diversify(candidates []types.ScoredLearning, limit int) []types.ScoredLearning {
	if len(candidates) == 0 {
		return candidates
	}
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	// Stable starting order so equal MMR scores resolve by relevance.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RelevanceScore > candidates[j].RelevanceScore
	})

	remaining := append([]types.ScoredLearning(nil), candidates...)
	selected := make([]types.ScoredLearning, 0, limit)
	categoryCount := make(map[string]int)
	var deferred []types.ScoredLearning

	for len(selected) < limit && (len(remaining) > 0 || len(deferred) > 0) {
		// Past the capped window, capped-out candidates become eligible again.
		if len(selected) >= CategoryCapWindow && len(deferred) > 0 {
			remaining = append(remaining, deferred...)
			deferred = nil
			sort.SliceStable(remaining, func(i, j int) bool {
				return remaining[i].RelevanceScore > remaining[j].RelevanceScore
			})
		}
		if len(remaining) == 0 {
			break
		}

		bestIdx := -1
		bestScore := 0.0
		for i, c := range remaining {
			score := MMRLambda*c.RelevanceScore - (1-MMRLambda)*maxSimilarity(c, selected)
			if bestIdx == -1 || score > bestScore {
				bestIdx, bestScore = i, score
			}
		}

		pick := remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)

		if len(selected) < CategoryCapWindow && pick.Category != "" && categoryCount[pick.Category] >= CategoryCapMax {
			deferred = append(deferred, pick)
			continue
		}

		selected = append(selected, pick)
		if pick.Category != "" {
			categoryCount[pick.Category]++
		}
	}
	return selected
}

// maxSimilarity is the highest cosine similarity between a candidate and any
// already-selected item. No comparable embeddings means no penalty.
func maxSimilarity(c types.ScoredLearning, selected []types.ScoredLearning) float64 {
	if len(c.Embedding) == 0 {
		return 0
	}
	var max float64
	for _, s := range selected {
		if len(s.Embedding) != len(c.Embedding) {
			continue
		}
		sim, err := embedding.CosineSimilarity(c.Embedding, s.Embedding)
		if err == nil && sim > max {
			max = sim
		}
	}
	return max
}
