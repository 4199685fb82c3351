package retrieval

import "context"

// Hit is one search result.
type Hit struct {
	DocumentID string  `json:"document_id"`
	ItemID     string  `json:"item_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// Retriever combines embedding and vector search.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the topK most similar chunks of the
// store.
func (r *Retriever) Retrieve(ctx context.Context, storeID, query string, topK int) ([]Hit, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	scored, err := r.store.Search(ctx, storeID, vec, topK)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, len(scored))
	for i, s := range scored {
		hits[i] = Hit{
			DocumentID: s.DocumentID,
			ItemID:     s.ItemID,
			ChunkIndex: s.ChunkIndex,
			Text:       s.TextChunk,
			Score:      s.Score,
		}
	}
	return hits, nil
}
