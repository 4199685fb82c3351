// Package intake accepts uploaded case documents and drives each one
// through extraction, analysis and indexing.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docket/internal/analysis"
	"github.com/kalambet/docket/internal/artifact"
	"github.com/kalambet/docket/internal/extract"
	"github.com/kalambet/docket/internal/indexer"
	"github.com/kalambet/docket/internal/manifest"
	"github.com/kalambet/docket/internal/progress"
	"github.com/kalambet/docket/internal/storage"
)

// MaxUploadBytes is the upload size ceiling.
const MaxUploadBytes = 50 << 20

// DefaultStageTimeout bounds extraction and analysis of one document.
const DefaultStageTimeout = 10 * time.Minute

// Upload validation errors.
var (
	ErrMissingCase     = errors.New("case id is required")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file exceeds the upload size limit")
	ErrEmptyFile       = errors.New("file is empty")
)

// ErrInterrupted prefixes the error of a document whose processing was cut
// short by Shutdown. Such documents can be uploaded again.
var ErrInterrupted = errors.New("interrupted by shutdown")

// DocumentStore is the subset of the document database the pipeline uses.
type DocumentStore interface {
	CreateDocument(d storage.Document) error
	GetDocument(id string) (storage.Document, error)
	DocumentExists(id string) (bool, error)
	UpdateStatus(id string, to storage.Status) error
	MarkFailed(id, errMsg string) error
	UpdateFlags(id string, u storage.DocumentUpdate) error
	DeleteDocument(id string) error
}

// Extractor produces page-marked text.
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) (extract.Result, error)
}

// Analyzer produces the structured record. It never fails.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) analysis.Outcome
}

// Indexer puts text into the case's search store.
type Indexer interface {
	Index(ctx context.Context, req indexer.Request) (indexer.Result, error)
}

// ManifestBuilder regenerates the case manifest.
type ManifestBuilder interface {
	Build(ctx context.Context, caseID string) (manifest.Manifest, error)
}

// SearchCleaner drops a document from the search store.
type SearchCleaner interface {
	DeleteDocument(ctx context.Context, documentID string) error
}

// Deps wires an Orchestrator.
type Deps struct {
	Documents DocumentStore
	Artifacts *artifact.Store
	Extractor Extractor
	Analyzer  Analyzer
	Indexer   Indexer
	Manifests ManifestBuilder
	Search    SearchCleaner
	Notifier  progress.Notifier
	Logger    *slog.Logger

	MaxUploadBytes int64
	StageTimeout   time.Duration
}

// UploadRequest is one file received for a case.
type UploadRequest struct {
	CaseID   string
	Filename string
	Data     []byte
}

// Orchestrator owns the per-document processing tasks.
type Orchestrator struct {
	docs      DocumentStore
	artifacts *artifact.Store
	extractor Extractor
	analyzer  Analyzer
	indexer   Indexer
	manifests ManifestBuilder
	search    SearchCleaner
	notifier  progress.Notifier
	logger    *slog.Logger

	maxUpload    int64
	stageTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator. Tasks run on a context that Shutdown
// cancels, not on the caller's request context.
func New(d Deps) *Orchestrator {
	if d.Notifier == nil {
		d.Notifier = progress.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = MaxUploadBytes
	}
	if d.StageTimeout <= 0 {
		d.StageTimeout = DefaultStageTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		docs:         d.Documents,
		artifacts:    d.Artifacts,
		extractor:    d.Extractor,
		analyzer:     d.Analyzer,
		indexer:      d.Indexer,
		manifests:    d.Manifests,
		search:       d.Search,
		notifier:     d.Notifier,
		logger:       d.Logger,
		maxUpload:    d.MaxUploadBytes,
		stageTimeout: d.StageTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Validate checks an upload without storing anything.
func (o *Orchestrator) Validate(req UploadRequest) (extract.FileType, error) {
	if strings.TrimSpace(req.CaseID) == "" {
		return extract.Unsupported, ErrMissingCase
	}
	ft := extract.DetectFileType(req.Filename)
	if ft == extract.Unsupported {
		return ft, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedType, req.Filename, strings.Join(extract.SupportedExtensions(), ", "))
	}
	if int64(len(req.Data)) > o.maxUpload {
		return ft, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(req.Data), o.maxUpload)
	}
	if len(req.Data) == 0 {
		return ft, ErrEmptyFile
	}
	return ft, nil
}

// Upload stores the original, creates the pending row and starts
// processing in the background. It returns as soon as the row exists.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (storage.Document, error) {
	ft, err := o.Validate(req)
	if err != nil {
		return storage.Document{}, err
	}
	c, err := o.artifacts.Case(req.CaseID)
	if err != nil {
		return storage.Document{}, err
	}

	id := uuid.NewString()
	filename := artifact.SafeFilename(req.Filename)
	doc := storage.Document{
		ID:               id,
		CaseID:           req.CaseID,
		OriginalFilename: filename,
		FolderName:       artifact.FolderName(filename, id),
		FileType:         ft.String(),
		SizeBytes:        int64(len(req.Data)),
		UploadedAt:       time.Now().UTC(),
	}

	if err := c.Write(ctx, artifact.OriginalPath(doc.FolderName, filename), req.Data); err != nil {
		return storage.Document{}, fmt.Errorf("storing original: %w", err)
	}
	if err := o.docs.CreateDocument(doc); err != nil {
		_ = c.RemoveAll(ctx, artifact.DocumentDir(doc.FolderName))
		return storage.Document{}, err
	}
	created, err := o.docs.GetDocument(id)
	if err != nil {
		return storage.Document{}, err
	}

	o.logger.Info("document received", "document_id", id, "case_id", req.CaseID, "filename", filename, "file_type", doc.FileType, "size_bytes", doc.SizeBytes)
	o.notifier.Publish(progress.NewEvent(created, storage.StatusPending, "Upload received", nil))

	o.wg.Add(1)
	go o.run(created)
	return created, nil
}

// Delete removes a document's row, search entries and artifacts, then
// refreshes the case manifest. An in-flight task notices the missing row
// at its next checkpoint and stops.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	doc, err := o.docs.GetDocument(id)
	if err != nil {
		return err
	}
	if err := o.docs.DeleteDocument(id); err != nil {
		return err
	}
	log := o.logger.With("document_id", id, "case_id", doc.CaseID)

	if o.search != nil {
		if err := o.search.DeleteDocument(ctx, id); err != nil {
			log.Warn("removing document from search store", "error", err)
		}
	}
	if c, err := o.artifacts.Case(doc.CaseID); err == nil {
		if err := c.RemoveAll(ctx, artifact.DocumentDir(doc.FolderName)); err != nil {
			log.Warn("removing document artifacts", "error", err)
		}
	}
	o.rebuildManifest(ctx, doc.CaseID)
	log.Info("document deleted")
	return nil
}

// Wait blocks until every in-flight task has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels in-flight tasks and waits for them, or until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(doc storage.Document) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("document task panicked", "document_id", doc.ID, "case_id", doc.CaseID, "panic", r)
			o.fail(o.ctx, doc, "Processing failed", fmt.Errorf("internal error: %v", r))
		}
	}()
	o.process(o.ctx, doc)
}

// errDeleted stops a task whose row disappeared.
var errDeleted = errors.New("document deleted")

func (o *Orchestrator) process(ctx context.Context, doc storage.Document) {
	log := o.logger.With("document_id", doc.ID, "case_id", doc.CaseID)

	if err := o.advance(ctx, doc, storage.StatusExtracting, "Extracting text"); err != nil {
		o.stop(ctx, doc, log, "Processing failed", err)
		return
	}
	text, err := o.extractStage(ctx, doc, log)
	if err != nil {
		o.stop(ctx, doc, log, "Extraction failed", err)
		return
	}
	if err := o.advance(ctx, doc, storage.StatusAnalyzing, "Analyzing document"); err != nil {
		o.stop(ctx, doc, log, "Processing failed", err)
		return
	}

	// Only storage errors come back here; the model's own failures are soft.
	if err := o.analysisStage(ctx, doc, log); err != nil {
		o.stop(ctx, doc, log, "Analysis failed", err)
		return
	}
	if err := o.advance(ctx, doc, storage.StatusIndexing, "Indexing for search"); err != nil {
		o.stop(ctx, doc, log, "Processing failed", err)
		return
	}

	if err := o.indexStage(ctx, doc, text, log); err != nil {
		o.stop(ctx, doc, log, "Indexing failed", err)
		return
	}
	if err := o.advance(ctx, doc, storage.StatusComplete, "Processing complete"); err != nil {
		o.stop(ctx, doc, log, "Processing failed", err)
		return
	}
	log.Info("document processed")
}

func (o *Orchestrator) extractStage(ctx context.Context, doc storage.Document, log *slog.Logger) (string, error) {
	c, err := o.artifacts.Case(doc.CaseID)
	if err != nil {
		return "", err
	}
	original, err := c.Read(ctx, artifact.OriginalPath(doc.FolderName, doc.OriginalFilename))
	if err != nil {
		return "", fmt.Errorf("reading original: %w", err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	res, err := o.extractor.Extract(stageCtx, extract.Input{
		DocumentID: doc.ID,
		CaseID:     doc.CaseID,
		Filename:   doc.OriginalFilename,
		FileType:   extract.ParseFileType(doc.FileType),
		Data:       original,
	})
	if err != nil {
		return "", err
	}

	if err := o.checkExists(doc.ID); err != nil {
		return "", err
	}
	if err := c.Write(ctx, artifact.ExtractionPath(doc.FolderName), []byte(res.Text)); err != nil {
		return "", fmt.Errorf("storing extracted text: %w", err)
	}
	if err := o.docs.UpdateFlags(doc.ID, storage.DocumentUpdate{
		PageCount:          storage.Ptr(res.PageCount),
		WordCount:          storage.Ptr(res.WordCount),
		ExtractionStrategy: storage.Ptr(res.Strategy.String()),
		HasTextExtraction:  storage.Ptr(true),
	}); err != nil {
		return "", o.deletedOr(err)
	}
	log.Info("text extracted", "stage", "extraction", "strategy", res.Strategy.String(), "pages", res.PageCount, "words", res.WordCount)
	return res.Text, nil
}

func (o *Orchestrator) analysisStage(ctx context.Context, doc storage.Document, log *slog.Logger) error {
	c, err := o.artifacts.Case(doc.CaseID)
	if err != nil {
		return err
	}
	text, err := c.Read(ctx, artifact.ExtractionPath(doc.FolderName))
	if err != nil {
		return fmt.Errorf("reading extracted text: %w", err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	out := o.analyzer.Analyze(stageCtx, analysis.Request{
		DocumentID: doc.ID,
		CaseID:     doc.CaseID,
		Filename:   doc.OriginalFilename,
		Text:       string(text),
	})

	if err := o.checkExists(doc.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(out.Record, "", "  ")
	if err != nil {
		return err
	}
	if err := c.Write(ctx, artifact.MetadataPath(doc.FolderName), data); err != nil {
		return fmt.Errorf("storing analysis record: %w", err)
	}
	if err := o.docs.UpdateFlags(doc.ID, storage.DocumentUpdate{
		DocumentType:          storage.Ptr(out.Record.DocumentType),
		HasStructuredMetadata: storage.Ptr(true),
		AnalysisDegraded:      storage.Ptr(out.Degraded),
	}); err != nil {
		return o.deletedOr(err)
	}
	if out.Degraded {
		log.Warn("analysis degraded to default record", "stage", "analysis", "reason", out.Reason)
	} else {
		log.Info("document analyzed", "stage", "analysis", "document_type", out.Record.DocumentType, "confidence", out.Record.Confidence)
	}
	return nil
}

func (o *Orchestrator) indexStage(ctx context.Context, doc storage.Document, text string, log *slog.Logger) error {
	req := indexer.Request{
		DocumentID: doc.ID,
		CaseID:     doc.CaseID,
		Name:       doc.OriginalFilename,
		Text:       text,
	}
	if strings.TrimSpace(text) == "" {
		c, err := o.artifacts.Case(doc.CaseID)
		if err != nil {
			return err
		}
		original, err := c.Read(ctx, artifact.OriginalPath(doc.FolderName, doc.OriginalFilename))
		if err != nil {
			return fmt.Errorf("reading original for indexing: %w", err)
		}
		req.Original = original
	}

	res, err := o.indexer.Index(ctx, req)
	if err != nil {
		return err
	}
	if err := o.checkExists(doc.ID); err != nil {
		return err
	}
	if err := o.docs.UpdateFlags(doc.ID, storage.DocumentUpdate{
		SearchStoreID:         storage.Ptr(res.StoreID),
		SearchDocumentURI:     storage.Ptr(res.DocumentURI),
		IsSemanticallyIndexed: storage.Ptr(true),
	}); err != nil {
		return o.deletedOr(err)
	}
	log.Info("document indexed", "stage", "indexing", "store_id", res.StoreID)
	return nil
}

// advance moves the document to status after confirming the row still
// exists, announces it, and refreshes the manifest on terminal states.
func (o *Orchestrator) advance(ctx context.Context, doc storage.Document, to storage.Status, message string) error {
	if err := o.checkExists(doc.ID); err != nil {
		return err
	}
	if err := o.docs.UpdateStatus(doc.ID, to); err != nil {
		return o.deletedOr(err)
	}
	o.notifier.Publish(progress.NewEvent(doc, to, message, nil))
	if to.Terminal() {
		o.rebuildManifest(ctx, doc.CaseID)
	}
	return nil
}

// fail records a stage failure. Earlier artifacts and flags are kept.
// Failures caused by Shutdown are recorded as ErrInterrupted.
func (o *Orchestrator) fail(ctx context.Context, doc storage.Document, message string, cause error) {
	log := o.logger.With("document_id", doc.ID, "case_id", doc.CaseID)
	if o.ctx.Err() != nil && errors.Is(cause, context.Canceled) {
		message = "Processing interrupted by shutdown"
		cause = fmt.Errorf("%w: %v", ErrInterrupted, cause)
	}

	err := o.docs.MarkFailed(doc.ID, cause.Error())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Info("document deleted during processing, stopping")
		return
	case err != nil:
		log.Error("recording document failure", "error", err, "cause", cause)
		return
	}
	log.Error(strings.ToLower(message), "error", cause)
	o.notifier.Publish(progress.NewEvent(doc, storage.StatusFailed, message, cause))
	o.rebuildManifest(ctx, doc.CaseID)
}

func (o *Orchestrator) checkExists(id string) error {
	ok, err := o.docs.DocumentExists(id)
	if err != nil {
		return err
	}
	if !ok {
		return errDeleted
	}
	return nil
}

func (o *Orchestrator) deletedOr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errDeleted
	}
	return err
}

// stop ends a task early. A deleted row needs nothing more; any other
// error marks the document failed so it never stays mid-pipeline.
func (o *Orchestrator) stop(ctx context.Context, doc storage.Document, log *slog.Logger, message string, err error) {
	if errors.Is(err, errDeleted) {
		log.Info("document deleted during processing, stopping")
		return
	}
	o.fail(ctx, doc, message, err)
}

func (o *Orchestrator) rebuildManifest(ctx context.Context, caseID string) {
	if o.manifests == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := o.manifests.Build(ctx, caseID); err != nil {
		o.logger.Warn("manifest rebuild failed", "case_id", caseID, "error", err)
	}
}
