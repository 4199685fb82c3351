package retrieval

import (
	"context"
	"time"
)

// VectorStore stores chunk embeddings and answers similarity queries scoped
// to one search store. SQLiteStore is the only implementation; a backend with
// ANN indexes can replace it behind this interface.
type VectorStore interface {
	// Insert adds records in one transaction.
	Insert(ctx context.Context, records []Record) error

	// Search returns the topK records of storeID most similar to vector.
	Search(ctx context.Context, storeID string, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteItem removes every chunk of an item.
	DeleteItem(ctx context.Context, itemID string) error

	// Count returns the number of chunks held for storeID.
	Count(ctx context.Context, storeID string) (int, error)
}

// Record is one embedded chunk of a search item.
type Record struct {
	ID         string
	StoreID    string
	ItemID     string
	DocumentID string
	ChunkIndex int
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
