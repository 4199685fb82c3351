// Package indexer puts a document's text into its case's semantic search
// store and waits until the store can answer queries about it.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/docket/internal/resilience"
	"github.com/kalambet/docket/internal/retrieval"
	"github.com/kalambet/docket/internal/storage"
)

// Defaults for the wait-until-queryable loop.
const (
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// ErrTimeout is returned when the item is not queryable within the timeout.
var ErrTimeout = errors.New("indexing timed out")

// ErrItemFailed is returned when the store reports the item as failed.
var ErrItemFailed = errors.New("search store failed to index item")

// ErrNothingToIndex is returned when neither text nor a textual original
// is available.
var ErrNothingToIndex = errors.New("no text to index")

// SearchStore is the semantic store contract.
type SearchStore interface {
	CreateStore(ctx context.Context, caseID string) (string, error)
	Upload(ctx context.Context, storeID, documentID, name, text string) (string, error)
	ItemState(ctx context.Context, uri string) (string, error)
}

// CaseStores records which store belongs to which case.
type CaseStores interface {
	GetCaseStore(caseID string) (string, error)
	SaveCaseStore(caseID, storeID string) (string, error)
}

// Request is one document to index.
type Request struct {
	DocumentID string
	CaseID     string
	Name       string
	Text       string
	Original   []byte
}

// Result identifies the indexed document inside the store.
type Result struct {
	StoreID     string
	DocumentURI string
}

// Config tunes an Indexer. Zero values take the defaults.
type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Indexer uploads documents into per-case search stores.
type Indexer struct {
	store   SearchStore
	cases   CaseStores
	guard   *resilience.Guard
	group   singleflight.Group
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// New creates an Indexer. guard may be nil.
func New(store SearchStore, cases CaseStores, guard *resilience.Guard, cfg Config) *Indexer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Indexer{
		store:   store,
		cases:   cases,
		guard:   guard,
		timeout: cfg.Timeout,
		poll:    cfg.PollInterval,
		logger:  cfg.Logger,
	}
}

// Index ensures the case's store exists, uploads the document and waits
// until it is queryable.
func (ix *Indexer) Index(ctx context.Context, req Request) (Result, error) {
	storeID, err := ix.EnsureStore(ctx, req.CaseID)
	if err != nil {
		return Result{}, fmt.Errorf("ensuring search store: %w", err)
	}

	text, err := indexableText(req)
	if err != nil {
		return Result{}, err
	}

	uri, err := run(ctx, ix.guard, func(ctx context.Context) (string, error) {
		return ix.store.Upload(ctx, storeID, req.DocumentID, req.Name, text)
	})
	if err != nil {
		return Result{}, fmt.Errorf("uploading to search store: %w", err)
	}

	if err := ix.waitActive(ctx, uri); err != nil {
		return Result{StoreID: storeID}, err
	}
	return Result{StoreID: storeID, DocumentURI: uri}, nil
}

// EnsureStore returns the case's store id, creating the store on first use.
// Concurrent callers for the same case share one creation.
func (ix *Indexer) EnsureStore(ctx context.Context, caseID string) (string, error) {
	if id, err := ix.cases.GetCaseStore(caseID); err == nil {
		return id, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	v, err, _ := ix.group.Do(caseID, func() (interface{}, error) {
		if id, err := ix.cases.GetCaseStore(caseID); err == nil {
			return id, nil
		}
		created, err := run(ctx, ix.guard, func(ctx context.Context) (string, error) {
			id, err := ix.store.CreateStore(ctx, caseID)
			if errors.Is(err, retrieval.ErrStoreExists) && id != "" {
				return id, nil
			}
			return id, err
		})
		if err != nil {
			return "", err
		}
		recorded, err := ix.cases.SaveCaseStore(caseID, created)
		if err != nil {
			return "", err
		}
		ix.logger.Info("search store ready", "case_id", caseID, "store_id", recorded)
		return recorded, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// waitActive polls the item state until it is active, failed, or the
// indexer's own timer fires.
func (ix *Indexer) waitActive(ctx context.Context, uri string) error {
	deadline := time.NewTimer(ix.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(ix.poll)
	defer ticker.Stop()

	for {
		state, err := run(ctx, ix.guard, func(ctx context.Context) (string, error) {
			return ix.store.ItemState(ctx, uri)
		})
		if err != nil {
			return fmt.Errorf("checking item state: %w", err)
		}
		switch state {
		case storage.ItemActive:
			return nil
		case storage.ItemFailed:
			return fmt.Errorf("%w: %s", ErrItemFailed, uri)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrTimeout, ix.timeout)
		case <-ticker.C:
		}
	}
}

func indexableText(req Request) (string, error) {
	if strings.TrimSpace(req.Text) != "" {
		return req.Text, nil
	}
	if len(req.Original) > 0 && utf8.Valid(req.Original) && strings.TrimSpace(string(req.Original)) != "" {
		return string(req.Original), nil
	}
	return "", ErrNothingToIndex
}

func run[T any](ctx context.Context, g *resilience.Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	return resilience.Run(ctx, g, fn)
}
