package embedding

import "context"

// Noop is the engine used when no embedding provider is configured.
// It produces no vectors; retrieval degrades to the lexical path.
type Noop struct{}

func (Noop) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }

func (Noop) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func (Noop) Dimensions() int { return 0 }

func (Noop) Name() string { return "noop" }

func (Noop) Available() bool { return false }
