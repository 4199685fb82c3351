package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	// embedConcurrency bounds parallel embedding requests per batch.
	embedConcurrency = 4
	// embedBatchSize is how many chunks go into one batched request.
	embedBatchSize = 16
)

// EmbedClient is the embedding subset of the Ollama client.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// BatchEmbedClient embeds several texts per request.
type BatchEmbedClient interface {
	EmbedClient
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Embedder generates text embeddings with a fixed model.
type Embedder struct {
	client EmbedClient
	model  string
}

// NewEmbedder creates an Embedder using the given client and model name.
func NewEmbedder(client EmbedClient, model string) *Embedder {
	return &Embedder{client: client, model: model}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for texts in input order. Clients
// that implement BatchEmbedClient get slices of embedBatchSize texts per
// request; others get one request per text. Returns nil for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	if bc, ok := e.client.(BatchEmbedClient); ok {
		for start := 0; start < len(texts); start += embedBatchSize {
			end := min(start+embedBatchSize, len(texts))
			g.Go(func() error {
				vecs, err := bc.EmbedBatch(gCtx, e.model, texts[start:end])
				if err != nil {
					return fmt.Errorf("embedding chunks %d-%d: %w", start, end-1, err)
				}
				copy(results[start:end], vecs)
				return nil
			})
		}
	} else {
		for i, text := range texts {
			g.Go(func() error {
				vec, err := e.client.Embed(gCtx, e.model, text)
				if err != nil {
					return fmt.Errorf("embedding chunk %d: %w", i, err)
				}
				results[i] = vec
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
