// Package ingest runs the background worker that turns uploaded search
// items into chunk embeddings.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docket/internal/retrieval"
	"github.com/kalambet/docket/internal/storage"
)

// JobStore abstracts the job queue and search item operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (bool, error)
	GetSearchItem(id string) (storage.SearchItem, error)
	SetSearchItemState(id, state, lastError string) error
}

// BatchEmbedder generates embeddings for a batch of texts.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter stores chunk vectors.
type VectorWriter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteItem(ctx context.Context, itemID string) error
}

// Worker processes index_item jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder BatchEmbedder
	vectors  VectorWriter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder BatchEmbedder, vectors VectorWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// WithLogger replaces the worker's logger.
func (w *Worker) WithLogger(l *slog.Logger) *Worker {
	if l != nil {
		w.logger = l
	}
	return w
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_item job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{retrieval.JobIndexItem})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	itemID, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("index job failed", "job_id", job.ID, "item_id", itemID, "attempt", job.Attempts+1, "error", err)
		exhausted, failErr := w.store.FailJob(job.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		if exhausted && itemID != "" {
			if err := w.store.SetSearchItemState(itemID, storage.ItemFailed, err.Error()); err != nil {
				w.logger.Error("failed to mark item as failed", "item_id", itemID, "error", err)
			}
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var payload retrieval.IndexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}

	item, err := w.store.GetSearchItem(payload.ItemID)
	if err != nil {
		return payload.ItemID, fmt.Errorf("loading search item %s: %w", payload.ItemID, err)
	}

	chunks := retrieval.Chunk(item.Content, retrieval.DefaultChunkSize, retrieval.DefaultChunkOverlap)
	if len(chunks) == 0 {
		return item.ID, fmt.Errorf("search item %s has no text", item.ID)
	}

	vecs, err := w.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return item.ID, fmt.Errorf("embedding chunks: %w", err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         uuid.New().String(),
			StoreID:    item.StoreID,
			ItemID:     item.ID,
			DocumentID: item.DocumentID,
			ChunkIndex: i,
			TextChunk:  c,
			Embedding:  vecs[i],
			CreatedAt:  now,
		}
	}

	// A previous attempt may have written some chunks before failing.
	if err := w.vectors.DeleteItem(ctx, item.ID); err != nil {
		return item.ID, err
	}
	if err := w.vectors.Insert(ctx, records); err != nil {
		return item.ID, fmt.Errorf("inserting vectors: %w", err)
	}

	if err := w.store.SetSearchItemState(item.ID, storage.ItemActive, ""); err != nil {
		return item.ID, fmt.Errorf("activating item: %w", err)
	}
	w.logger.Debug("search item indexed", "item_id", item.ID, "document_id", item.DocumentID, "chunks", len(records))
	return item.ID, nil
}
