package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/docket/internal/analysis"
	"github.com/kalambet/docket/internal/artifact"
	"github.com/kalambet/docket/internal/extract"
	"github.com/kalambet/docket/internal/extract/extracttest"
	"github.com/kalambet/docket/internal/indexer"
	"github.com/kalambet/docket/internal/ingest"
	"github.com/kalambet/docket/internal/manifest"
	"github.com/kalambet/docket/internal/progress"
	"github.com/kalambet/docket/internal/resilience"
	"github.com/kalambet/docket/internal/retrieval"
	"github.com/kalambet/docket/internal/storage"
)

const motionJSON = `{"document_type":"Motion","confidence":0.9,"summary":"Motion to dismiss.","key_parties":["Acme"],"important_dates":[],"main_arguments":["no standing"],"jurisdiction":"D. Del.","authorities":[],"critical_facts":[],"requested_relief":"Dismissal"}`

// Both pages carry enough text for the PDF to count as text-native.
const (
	motionPage1 = "Defendant Acme Corp moves to dismiss the complaint for lack of standing under Rule 12(b)(1)."
	motionPage2 = "The plaintiff alleges no concrete injury, and the authorities cited below require dismissal."
)

type fakeOCR struct {
	mu    sync.Mutex
	calls int
	pages []string
	err   error
}

func (f *fakeOCR) Process(ctx context.Context, filename string, data []byte) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type fakeModel struct {
	mu     sync.Mutex
	out    string
	err    error
	inputs []string
}

func (m *fakeModel) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, prompt)
	return m.out, m.err
}

type fakeEmbed struct{}

func (fakeEmbed) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return []float32{1, float32(len(text) % 7), 0.5}, nil
}

// countingStore counts CreateStore calls on the way to the real service.
type countingStore struct {
	*retrieval.Service
	creates atomic.Int32
}

func (c *countingStore) CreateStore(ctx context.Context, caseID string) (string, error) {
	c.creates.Add(1)
	return c.Service.CreateStore(ctx, caseID)
}

type harness struct {
	orch      *Orchestrator
	db        *storage.Store
	artifacts *artifact.Store
	manifests *manifest.Builder
	events    *progress.Recorder
	ocr       *fakeOCR
	model     *fakeModel
	search    *countingStore
}

func fastGuard(name string) *resilience.Guard {
	p := resilience.DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return resilience.NewGuard(name, resilience.GuardConfig{Policy: p})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fs, err := artifact.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.NewFS: %v", err)
	}
	artifacts := artifact.New(fs)

	vectors := retrieval.NewSQLiteStore(db.DB())
	embedder := retrieval.NewEmbedder(fakeEmbed{}, "test-embed")
	search := &countingStore{Service: retrieval.NewService(db, vectors, embedder, nil)}

	ctx, cancel := context.WithCancel(context.Background())
	worker := ingest.NewWorker(db, embedder, vectors, 5*time.Millisecond)
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{
		db:        db,
		artifacts: artifacts,
		manifests: manifest.NewBuilder(db, artifacts, nil),
		events:    &progress.Recorder{},
		ocr:       &fakeOCR{pages: []string{"scanned page"}},
		model:     &fakeModel{out: motionJSON},
		search:    search,
	}
	ix := indexer.New(search, db, fastGuard(resilience.DepSearch), indexer.Config{
		Timeout:      5 * time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	h.orch = New(Deps{
		Documents: db,
		Artifacts: artifacts,
		Extractor: extract.NewRouter(h.ocr, fastGuard(resilience.DepOCR), nil),
		Analyzer:  analysis.NewService(h.model, fastGuard(resilience.DepSummarization), nil),
		Indexer:   ix,
		Manifests: h.manifests,
		Search:    search,
		Notifier:  h.events,
	})
	return h
}

func (h *harness) upload(t *testing.T, caseID, name string, data []byte) storage.Document {
	t.Helper()
	doc, err := h.orch.Upload(context.Background(), UploadRequest{CaseID: caseID, Filename: name, Data: data})
	if err != nil {
		t.Fatalf("Upload(%s): %v", name, err)
	}
	return doc
}

func (h *harness) read(t *testing.T, caseID, rel string) []byte {
	t.Helper()
	c, err := h.artifacts.Case(caseID)
	if err != nil {
		t.Fatal(err)
	}
	data, err := c.Read(context.Background(), rel)
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}
	return data
}

func (h *harness) eventTypes(docID string) []progress.EventType {
	var out []progress.EventType
	for _, ev := range h.events.Events() {
		if ev.DocumentID == docID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestUpload_TextPDFCompletes(t *testing.T) {
	h := newHarness(t)
	doc := h.upload(t, "case-1", "Motion to Dismiss.pdf", extracttest.TextPDF(motionPage1, motionPage2))
	if doc.Status != storage.StatusPending {
		t.Errorf("returned status = %s, want pending", doc.Status)
	}
	h.orch.Wait()

	got, err := h.db.GetDocument(doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusComplete {
		t.Fatalf("status = %s (%s), want complete", got.Status, got.ErrorMessage)
	}
	if !got.HasTextExtraction || !got.HasStructuredMetadata || !got.IsSemanticallyIndexed {
		t.Errorf("flags = text:%v meta:%v indexed:%v, want all true", got.HasTextExtraction, got.HasStructuredMetadata, got.IsSemanticallyIndexed)
	}
	if got.AnalysisDegraded {
		t.Error("analysis unexpectedly degraded")
	}
	if got.PageCount == nil || *got.PageCount != 2 {
		t.Errorf("page count = %v, want 2", got.PageCount)
	}
	if got.DocumentType == nil || *got.DocumentType != "Motion" {
		t.Errorf("document type = %v, want Motion", got.DocumentType)
	}
	if got.SearchStoreID == nil || got.SearchDocumentURI == nil {
		t.Error("search store id or document uri not recorded")
	}
	if h.ocr.calls != 0 {
		t.Errorf("OCR called %d times for a text PDF", h.ocr.calls)
	}

	text := string(h.read(t, "case-1", artifact.ExtractionPath(got.FolderName)))
	p1 := strings.Index(text, "--- Page 1 ---")
	p2 := strings.Index(text, "--- Page 2 ---")
	if p1 < 0 || p2 < p1 {
		t.Errorf("page markers missing or out of order:\n%s", text)
	}

	wantTypes := []progress.EventType{
		progress.EventUpload, progress.EventExtracting, progress.EventAnalyzing,
		progress.EventIndexing, progress.EventComplete,
	}
	if gotTypes := h.eventTypes(doc.ID); fmt.Sprint(gotTypes) != fmt.Sprint(wantTypes) {
		t.Errorf("events = %v, want %v", gotTypes, wantTypes)
	}

	m, err := h.manifests.Read(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m.TotalDocuments != 1 || m.Documents[0].ProcessingStatus != storage.StatusComplete {
		t.Errorf("manifest = %+v", m)
	}

	hits, err := h.search.Search(context.Background(), *got.SearchStoreID, "page text", 5)
	if err != nil || len(hits) == 0 {
		t.Errorf("Search = %v, %v; want hits", hits, err)
	}
}

func TestUpload_OCRFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.ocr.err = &resilience.StatusError{Dependency: resilience.DepOCR, Code: 503}

	doc := h.upload(t, "case-1", "scan.png", []byte("\x89PNG fake image"))
	h.orch.Wait()

	got, err := h.db.GetDocument(doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.HasTextExtraction {
		t.Error("has_text_extraction = true after failed extraction")
	}
	if got.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	if h.ocr.calls != 3 {
		t.Errorf("OCR calls = %d, want 3", h.ocr.calls)
	}

	types := h.eventTypes(doc.ID)
	if len(types) == 0 || types[len(types)-1] != progress.EventError {
		t.Errorf("events = %v, want trailing error event", types)
	}

	m, err := h.manifests.Read(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m.Documents[0].ProcessingStatus != storage.StatusFailed {
		t.Errorf("manifest status = %s, want failed", m.Documents[0].ProcessingStatus)
	}
	if m.Documents[0].Paths.Extraction != "" {
		t.Errorf("manifest lists extraction path %q for failed extraction", m.Documents[0].Paths.Extraction)
	}
}

func TestUpload_UnparsableAnalysisUsesDefaultRecord(t *testing.T) {
	h := newHarness(t)
	h.model.out = "I am not JSON at all"

	doc := h.upload(t, "case-1", "notes.txt", []byte("Plain witness notes about the incident."))
	h.orch.Wait()

	got, err := h.db.GetDocument(doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusComplete {
		t.Fatalf("status = %s (%s), want complete", got.Status, got.ErrorMessage)
	}
	if !got.AnalysisDegraded {
		t.Error("analysis_degraded = false, want true")
	}

	var rec analysis.Record
	if err := json.Unmarshal(h.read(t, "case-1", artifact.MetadataPath(got.FolderName)), &rec); err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	want := analysis.DefaultRecord()
	if rec.DocumentType != want.DocumentType || rec.Confidence != want.Confidence || rec.Summary != want.Summary {
		t.Errorf("record = %+v, want default %+v", rec, want)
	}
}

func TestUpload_ConcurrentUploadsShareOneStore(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("exhibit-%d.txt", i)
			if _, err := h.orch.Upload(context.Background(), UploadRequest{CaseID: "case-1", Filename: name, Data: []byte("exhibit body " + name)}); err != nil {
				t.Errorf("Upload(%s): %v", name, err)
			}
		}()
	}
	wg.Wait()
	h.orch.Wait()

	if n := h.search.creates.Load(); n != 1 {
		t.Errorf("CreateStore calls = %d, want 1", n)
	}
	docs, err := h.db.ListDocumentsByCase("case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 10 {
		t.Fatalf("documents = %d, want 10", len(docs))
	}
	storeID := ""
	for _, d := range docs {
		if d.Status != storage.StatusComplete {
			t.Errorf("%s status = %s (%s)", d.OriginalFilename, d.Status, d.ErrorMessage)
			continue
		}
		if storeID == "" {
			storeID = *d.SearchStoreID
		} else if *d.SearchStoreID != storeID {
			t.Errorf("%s indexed into %s, want %s", d.OriginalFilename, *d.SearchStoreID, storeID)
		}
	}

	m, err := h.manifests.Read(context.Background(), "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalDocuments != 10 {
		t.Errorf("manifest total = %d, want 10", m.TotalDocuments)
	}
}

func TestUpload_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		req  UploadRequest
		want error
	}{
		{"missing case", UploadRequest{Filename: "a.pdf", Data: []byte("x")}, ErrMissingCase},
		{"unsupported", UploadRequest{CaseID: "c", Filename: "a.exe", Data: []byte("x")}, ErrUnsupportedType},
		{"empty", UploadRequest{CaseID: "c", Filename: "a.txt"}, ErrEmptyFile},
		{"too large", UploadRequest{CaseID: "c", Filename: "a.txt", Data: make([]byte, MaxUploadBytes+1)}, ErrTooLarge},
		{"bad case id", UploadRequest{CaseID: "../etc", Filename: "a.txt", Data: []byte("x")}, artifact.ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Upload(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	h.orch.Wait()
	if stats, _ := h.db.CaseStats("c"); stats.Total != 0 {
		t.Errorf("rejected uploads created %d rows", stats.Total)
	}
}

// blockingExtractor holds extraction until released.
type blockingExtractor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingExtractor) Extract(ctx context.Context, in extract.Input) (extract.Result, error) {
	close(b.started)
	<-b.release
	return extract.Result{Text: "--- Page 1 ---\nbody\n", PageCount: 1, WordCount: 1, Strategy: extract.StrategyPassThrough}, nil
}

type countingAnalyzer struct{ calls atomic.Int32 }

func (c *countingAnalyzer) Analyze(ctx context.Context, req analysis.Request) analysis.Outcome {
	c.calls.Add(1)
	return analysis.Outcome{Record: analysis.DefaultRecord()}
}

func TestDelete_StopsInFlightTask(t *testing.T) {
	h := newHarness(t)
	ext := &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})}
	an := &countingAnalyzer{}
	h.orch.extractor = ext
	h.orch.analyzer = an

	doc := h.upload(t, "case-1", "brief.txt", []byte("body"))
	<-ext.started

	if err := h.orch.Delete(context.Background(), doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(ext.release)
	h.orch.Wait()

	if ok, _ := h.db.DocumentExists(doc.ID); ok {
		t.Error("document row still present")
	}
	if n := an.calls.Load(); n != 0 {
		t.Errorf("analysis ran %d times after delete", n)
	}
	c, _ := h.artifacts.Case("case-1")
	if _, err := c.Read(context.Background(), artifact.ExtractionPath(doc.FolderName)); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("extraction artifact written after delete: %v", err)
	}
	for _, ev := range h.events.Events() {
		if ev.DocumentID == doc.ID && ev.Type != progress.EventUpload && ev.Type != progress.EventExtracting {
			t.Errorf("unexpected %s event after delete", ev.Type)
		}
	}

	m, err := h.manifests.Read(context.Background(), "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.TotalDocuments != 0 {
		t.Errorf("manifest total = %d, want 0", m.TotalDocuments)
	}
}

func TestDelete_Missing(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Delete(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

type panickingAnalyzer struct{}

func (panickingAnalyzer) Analyze(ctx context.Context, req analysis.Request) analysis.Outcome {
	panic("boom")
}

func TestProcess_PanicMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.orch.analyzer = panickingAnalyzer{}

	doc := h.upload(t, "case-1", "a.md", []byte("# Heading"))
	h.orch.Wait()

	got, err := h.db.GetDocument(doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusFailed || !strings.Contains(got.ErrorMessage, "boom") {
		t.Errorf("status = %s, error = %q", got.Status, got.ErrorMessage)
	}
	if !got.HasTextExtraction {
		t.Error("extraction flag lost on later failure")
	}
}

func TestShutdown_WaitsForTasks(t *testing.T) {
	h := newHarness(t)
	ext := &cancelAwareExtractor{started: make(chan struct{})}
	h.orch.extractor = ext
	doc := h.upload(t, "case-1", "a.txt", []byte("text"))
	<-ext.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, err := h.db.GetDocument(doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.HasPrefix(got.ErrorMessage, ErrInterrupted.Error()) {
		t.Errorf("error message = %q, want interrupted prefix", got.ErrorMessage)
	}
	evs := h.events.Events()
	last := evs[len(evs)-1]
	if last.Type != progress.EventError || last.Message != "Processing interrupted by shutdown" {
		t.Errorf("last event = %s %q", last.Type, last.Message)
	}
}

// cancelAwareExtractor blocks until its context ends.
type cancelAwareExtractor struct {
	started chan struct{}
}

func (c *cancelAwareExtractor) Extract(ctx context.Context, in extract.Input) (extract.Result, error) {
	close(c.started)
	<-ctx.Done()
	return extract.Result{}, ctx.Err()
}

// flakyStatusStore fails every move into one status.
type flakyStatusStore struct {
	*storage.Store
	failOn storage.Status
}

func (f *flakyStatusStore) UpdateStatus(id string, to storage.Status) error {
	if to == f.failOn {
		return errors.New("disk I/O error")
	}
	return f.Store.UpdateStatus(id, to)
}

func TestProcess_StatusWriteErrorMarksFailed(t *testing.T) {
	for _, status := range []storage.Status{storage.StatusAnalyzing, storage.StatusComplete} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			h.orch.docs = &flakyStatusStore{Store: h.db, failOn: status}

			doc := h.upload(t, "case-1", "notes.txt", []byte("Witness notes taken after the hearing."))
			h.orch.Wait()

			got, err := h.db.GetDocument(doc.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != storage.StatusFailed || !strings.Contains(got.ErrorMessage, "disk I/O error") {
				t.Errorf("status = %s, error = %q; want failed with cause", got.Status, got.ErrorMessage)
			}
			types := h.eventTypes(doc.ID)
			if len(types) == 0 || types[len(types)-1] != progress.EventError {
				t.Errorf("events = %v, want trailing error event", types)
			}
			m, err := h.manifests.Read(context.Background(), "case-1")
			if err != nil {
				t.Fatalf("manifest: %v", err)
			}
			if m.Documents[0].ProcessingStatus != storage.StatusFailed {
				t.Errorf("manifest status = %s, want failed", m.Documents[0].ProcessingStatus)
			}
		})
	}
}

// emptyExtractor yields no text and runs onExtract first.
type emptyExtractor struct {
	onExtract func(in extract.Input)
}

func (e emptyExtractor) Extract(ctx context.Context, in extract.Input) (extract.Result, error) {
	e.onExtract(in)
	return extract.Result{PageCount: 1, Strategy: extract.StrategyPassThrough}, nil
}

func TestIndex_OriginalReadErrorIsReported(t *testing.T) {
	h := newHarness(t)
	h.orch.extractor = emptyExtractor{onExtract: func(in extract.Input) {
		d, err := h.db.GetDocument(in.DocumentID)
		if err != nil {
			t.Error(err)
			return
		}
		c, _ := h.artifacts.Case(in.CaseID)
		if err := c.RemoveAll(context.Background(), artifact.DocumentDir(d.FolderName)+"/"+artifact.OriginalDir); err != nil {
			t.Error(err)
		}
	}}

	doc := h.upload(t, "case-1", "blank.txt", []byte("   "))
	h.orch.Wait()

	got, err := h.db.GetDocument(doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "reading original for indexing") {
		t.Errorf("error message = %q, want original read failure", got.ErrorMessage)
	}
	if strings.Contains(got.ErrorMessage, indexer.ErrNothingToIndex.Error()) {
		t.Errorf("read failure reported as %q", got.ErrorMessage)
	}
}

func TestUpload_OriginalNamedLikeExtractionIsPreserved(t *testing.T) {
	h := newHarness(t)
	raw := []byte("raw witness notes, original bytes")

	doc := h.upload(t, "case-1", artifact.ExtractionFile, raw)
	h.orch.Wait()

	got, err := h.db.GetDocument(doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusComplete {
		t.Fatalf("status = %s (%s), want complete", got.Status, got.ErrorMessage)
	}
	if orig := h.read(t, "case-1", artifact.OriginalPath(got.FolderName, got.OriginalFilename)); string(orig) != string(raw) {
		t.Errorf("original = %q, want untouched upload", orig)
	}
	if text := string(h.read(t, "case-1", artifact.ExtractionPath(got.FolderName))); !strings.HasPrefix(text, "--- Page 1 ---") {
		t.Errorf("extraction = %q", text)
	}
}
