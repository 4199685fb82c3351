// Package retrieval is the semantic search store: one store per case,
// items indexed asynchronously into chunk embeddings, and similarity search
// over a store's chunks.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/docket/internal/storage"
)

// JobIndexItem is the job type the ingest worker claims.
const JobIndexItem = "index_item"

// ErrStoreExists is returned by CreateStore when the case already owns a
// store. The existing store id is returned alongside it.
var ErrStoreExists = errors.New("search store already exists")

// ErrInvalidURI is returned for an item reference this store did not issue.
var ErrInvalidURI = errors.New("invalid item uri")

// IndexPayload is the payload of an index_item job.
type IndexPayload struct {
	ItemID string `json:"item_id"`
}

// Reranker re-scores search hits for a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []Hit) ([]Hit, error)
}

// rerankPool is how many candidates per requested hit go to the reranker.
const rerankPool = 3

// Service implements the semantic store contract on top of the document
// database, the job queue and the vector table.
type Service struct {
	db        *storage.Store
	retriever *Retriever
	vectors   VectorStore
	reranker  Reranker
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(db *storage.Store, vectors VectorStore, embedder *Embedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:        db,
		retriever: NewRetriever(embedder, vectors),
		vectors:   vectors,
		logger:    logger,
	}
}

// WithReranker makes Search re-score a wider candidate set with r.
func (s *Service) WithReranker(r Reranker) *Service {
	s.reranker = r
	return s
}

// CreateStore creates the search store of a case.
func (s *Service) CreateStore(ctx context.Context, caseID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	st, err := s.db.CreateSearchStore(storage.SearchStore{ID: "store-" + uuid.NewString(), CaseID: caseID})
	if errors.Is(err, storage.ErrConflict) {
		return st.ID, ErrStoreExists
	}
	if err != nil {
		return "", err
	}
	s.logger.Info("search store created", "case_id", caseID, "store_id", st.ID)
	return st.ID, nil
}

// Upload adds a text item to a store and schedules it for indexing. The
// returned URI identifies the item in ItemState.
func (s *Service) Upload(ctx context.Context, storeID, documentID, name, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := s.db.GetSearchStore(storeID); err != nil {
		return "", fmt.Errorf("looking up store %s: %w", storeID, err)
	}

	itemID := uuid.NewString()
	if err := s.db.CreateSearchItem(storage.SearchItem{
		ID:         itemID,
		StoreID:    storeID,
		DocumentID: documentID,
		Name:       name,
		Content:    text,
	}); err != nil {
		return "", err
	}

	payload, err := json.Marshal(IndexPayload{ItemID: itemID})
	if err != nil {
		return "", err
	}
	if err := s.db.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        JobIndexItem,
		PayloadJSON: string(payload),
	}); err != nil {
		return "", fmt.Errorf("enqueueing index job: %w", err)
	}
	return ItemURI(storeID, itemID), nil
}

// ItemState returns pending, active or failed for an uploaded item.
func (s *Service) ItemState(ctx context.Context, uri string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, itemID, err := ParseItemURI(uri)
	if err != nil {
		return "", err
	}
	it, err := s.db.GetSearchItem(itemID)
	if err != nil {
		return "", err
	}
	return it.State, nil
}

// Search returns the topK chunks of the store most similar to query.
func (s *Service) Search(ctx context.Context, storeID, query string, topK int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if s.reranker == nil {
		return s.retriever.Retrieve(ctx, storeID, query, topK)
	}

	hits, err := s.retriever.Retrieve(ctx, storeID, query, topK*rerankPool)
	if err != nil {
		return nil, err
	}
	hits, err = s.reranker.Rerank(ctx, query, hits)
	if err != nil {
		return nil, err
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteDocument drops every item and chunk of a document.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DeleteSearchItemsByDocument(documentID)
}

// ItemURI formats the reference returned by Upload.
func ItemURI(storeID, itemID string) string {
	return "stores/" + storeID + "/items/" + itemID
}

// ParseItemURI splits an ItemURI into its store and item ids.
func ParseItemURI(uri string) (storeID, itemID string, err error) {
	parts := strings.Split(uri, "/")
	if len(parts) != 4 || parts[0] != "stores" || parts[2] != "items" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return parts[1], parts[3], nil
}
