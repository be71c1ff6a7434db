package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tx/internal/logging"
)

// =============================================================================
// QUERY EXPANSION
// =============================================================================

// QueryExpander proposes alternative phrasings of a search query. Expansion
// is best-effort; a failing expander never fails the search.
type QueryExpander interface {
	Expand(ctx context.Context, query string) ([]string, error)
}

// NoopExpander returns the query unchanged.
type NoopExpander struct{}

func (NoopExpander) Expand(ctx context.Context, query string) ([]string, error) {
	return []string{query}, nil
}

// NormalizeVariants merges the original query with expander output into the
// final variant list: the exact original first, then up to MaxExpansions
// extras, each trimmed, non-empty, capped at VariantMaxLen characters, and
// deduplicated case-insensitively.
func NormalizeVariants(original string, expanded []string) []string {
	variants := []string{original}
	seen := map[string]bool{strings.ToLower(original): true}

	for _, v := range expanded {
		v = strings.TrimSpace(v)
		if v == "" || len(v) > VariantMaxLen {
			continue
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		variants = append(variants, v)
		if len(variants) == 1+MaxExpansions {
			break
		}
	}
	return variants
}

// =============================================================================
// HTTP-BACKED EXPANDER
// =============================================================================

// HTTPExpander calls an external expansion service. Errors and timeouts
// degrade to the original query alone.
type HTTPExpander struct {
	endpoint string
	client   *http.Client
}

func NewHTTPExpander(endpoint string, timeout time.Duration) *HTTPExpander {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExpander{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type expandRequest struct {
	Query string `json:"query"`
	Max   int    `json:"max"`
}

type expandResponse struct {
	Variants []string `json:"variants"`
}

func (e *HTTPExpander) Expand(ctx context.Context, query string) ([]string, error) {
	body, err := json.Marshal(expandRequest{Query: query, Max: MaxExpansions})
	if err != nil {
		return []string{query}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return []string{query}, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		logging.RetrievalDebug("Query expansion unavailable, using original only: %v", err)
		return []string{query}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.RetrievalDebug("Query expansion returned status %d, using original only", resp.StatusCode)
		return []string{query}, nil
	}

	var result expandResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return []string{query}, nil
	}

	out := append([]string{query}, result.Variants...)
	logging.RetrievalDebug("Expanded %q into %d variants", query, len(out))
	return out, nil
}

var _ QueryExpander = (*HTTPExpander)(nil)
