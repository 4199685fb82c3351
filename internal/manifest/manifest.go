// Package manifest derives the per-case manifest.json from the document
// store. The manifest is a disposable projection: every build rewrites it
// wholesale from current rows.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/docket/internal/artifact"
	"github.com/kalambet/docket/internal/storage"
)

// ErrNotGenerated is returned by Read when no manifest exists yet.
var ErrNotGenerated = errors.New("manifest not generated")

// Manifest is the serialized case snapshot.
type Manifest struct {
	CaseID         string    `json:"case_id"`
	GeneratedAt    time.Time `json:"generated_at"`
	TotalDocuments int       `json:"total_documents"`
	Documents      []Entry   `json:"documents"`
}

// Entry describes one document.
type Entry struct {
	ID               string         `json:"id"`
	Filename         string         `json:"filename"`
	DocumentType     *string        `json:"document_type"`
	PageCount        *int           `json:"page_count"`
	ProcessingStatus storage.Status `json:"processing_status"`
	Paths            Paths          `json:"paths"`
}

// Paths are relative to the case root. Extraction and Metadata are empty
// until the corresponding stage has produced them.
type Paths struct {
	Original   string `json:"original"`
	Extraction string `json:"extraction"`
	Metadata   string `json:"metadata"`
}

// DocumentLister reads the documents of a case.
type DocumentLister interface {
	ListDocumentsByCase(caseID string) ([]storage.Document, error)
}

// Builder writes manifests.
type Builder struct {
	docs      DocumentLister
	artifacts *artifact.Store
	now       func() time.Time
	logger    *slog.Logger

	// Builds for one case are serialized so an older snapshot never lands
	// after a newer one.
	locks sync.Map
}

// NewBuilder creates a Builder.
func NewBuilder(docs DocumentLister, artifacts *artifact.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{docs: docs, artifacts: artifacts, now: time.Now, logger: logger}
}

// Build regenerates and writes the manifest of caseID.
func (b *Builder) Build(ctx context.Context, caseID string) (Manifest, error) {
	c, err := b.artifacts.Case(caseID)
	if err != nil {
		return Manifest{}, err
	}

	mu := b.lock(caseID)
	mu.Lock()
	defer mu.Unlock()

	docs, err := b.docs.ListDocumentsByCase(caseID)
	if err != nil {
		return Manifest{}, fmt.Errorf("listing documents of %s: %w", caseID, err)
	}

	m := Manifest{
		CaseID:         caseID,
		GeneratedAt:    b.now().UTC(),
		TotalDocuments: len(docs),
		Documents:      make([]Entry, 0, len(docs)),
	}
	for _, d := range docs {
		m.Documents = append(m.Documents, entryFor(d))
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if err := c.Write(ctx, artifact.ManifestFile, data); err != nil {
		return Manifest{}, fmt.Errorf("writing manifest: %w", err)
	}
	b.logger.Debug("manifest written", "case_id", caseID, "documents", m.TotalDocuments)
	return m, nil
}

// Read returns the last written manifest of caseID.
func (b *Builder) Read(ctx context.Context, caseID string) (Manifest, error) {
	c, err := b.artifacts.Case(caseID)
	if err != nil {
		return Manifest{}, err
	}
	data, err := c.Read(ctx, artifact.ManifestFile)
	if errors.Is(err, artifact.ErrNotFound) {
		return Manifest{}, ErrNotGenerated
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}

// ReadOrBuild returns the stored manifest, building it first when absent.
func (b *Builder) ReadOrBuild(ctx context.Context, caseID string) (Manifest, error) {
	m, err := b.Read(ctx, caseID)
	if errors.Is(err, ErrNotGenerated) {
		return b.Build(ctx, caseID)
	}
	return m, err
}

func (b *Builder) lock(caseID string) *sync.Mutex {
	v, _ := b.locks.LoadOrStore(caseID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func entryFor(d storage.Document) Entry {
	e := Entry{
		ID:               d.ID,
		Filename:         d.OriginalFilename,
		DocumentType:     d.DocumentType,
		PageCount:        d.PageCount,
		ProcessingStatus: d.Status,
		Paths: Paths{
			Original: artifact.OriginalPath(d.FolderName, d.OriginalFilename),
		},
	}
	if d.HasTextExtraction {
		e.Paths.Extraction = artifact.ExtractionPath(d.FolderName)
	}
	if d.HasStructuredMetadata {
		e.Paths.Metadata = artifact.MetadataPath(d.FolderName)
	}
	return e
}
