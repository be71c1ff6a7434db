package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tx/internal/logging"
	"tx/internal/types"
)

// =============================================================================
// RERANKER
// =============================================================================

// Reranker re-orders a candidate window with a cross-encoder style model.
// It receives up to 3xN candidates and returns them re-ordered; a failing
// reranker leaves the order unchanged.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []types.ScoredLearning) ([]types.ScoredLearning, error)
}

// NoopReranker leaves the order unchanged.
type NoopReranker struct{}

func (NoopReranker) Rerank(ctx context.Context, query string, candidates []types.ScoredLearning) ([]types.ScoredLearning, error) {
	return candidates, nil
}

// =============================================================================
// HTTP-BACKED RERANKER
// =============================================================================

// HTTPReranker calls an external reranking service. Errors and timeouts
// degrade to the incoming order.
type HTTPReranker struct {
	endpoint string
	client   *http.Client
}

func NewHTTPReranker(endpoint string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReranker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rerankDocument struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

type rerankRequest struct {
	Query     string           `json:"query"`
	Documents []rerankDocument `json:"documents"`
}

type rerankResult struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []types.ScoredLearning) ([]types.ScoredLearning, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	docs := make([]rerankDocument, len(candidates))
	for i, c := range candidates {
		docs[i] = rerankDocument{ID: c.ID, Content: c.Content}
	}
	body, err := json.Marshal(rerankRequest{Query: query, Documents: docs})
	if err != nil {
		return candidates, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return candidates, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		logging.RetrievalDebug("Reranker unavailable, keeping fused order: %v", err)
		return candidates, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.RetrievalDebug("Reranker returned status %d, keeping fused order", resp.StatusCode)
		return candidates, nil
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return candidates, nil
	}
	if len(result.Results) == 0 {
		return candidates, nil
	}

	byID := make(map[int64]types.ScoredLearning, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	reordered := make([]types.ScoredLearning, 0, len(candidates))
	taken := make(map[int64]bool, len(result.Results))
	for _, res := range result.Results {
		c, ok := byID[res.ID]
		if !ok || taken[res.ID] {
			continue
		}
		score := res.Score
		c.RerankerScore = &score
		reordered = append(reordered, c)
		taken[res.ID] = true
	}
	// Preserve any candidates the service dropped.
	for _, c := range candidates {
		if !taken[c.ID] {
			reordered = append(reordered, c)
		}
	}
	return reordered, nil
}

var _ Reranker = (*HTTPReranker)(nil)
