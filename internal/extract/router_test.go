package extract

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/docket/internal/extract/extracttest"
	"github.com/kalambet/docket/internal/resilience"
)

type mockOCR struct {
	calls   atomic.Int32
	process func(ctx context.Context, filename string, data []byte) ([]string, error)
}

func (m *mockOCR) Process(ctx context.Context, filename string, data []byte) ([]string, error) {
	m.calls.Add(1)
	return m.process(ctx, filename, data)
}

func noSleepGuard() *resilience.Guard {
	return resilience.NewGuard(resilience.DepOCR, resilience.GuardConfig{
		Policy: resilience.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
		},
	})
}

const (
	page1 = "This is the first page of the motion to dismiss filed in the district court."
	page2 = "The second page lists the authorities relied upon by the moving party."
)

func TestExtractTextPDFUsesStructuredParser(t *testing.T) {
	ocr := &mockOCR{process: func(ctx context.Context, filename string, data []byte) ([]string, error) {
		t.Fatal("ocr must not be called for a text-native pdf")
		return nil, nil
	}}
	r := NewRouter(ocr, noSleepGuard(), nil)

	res, err := r.Extract(context.Background(), Input{Filename: "motion.pdf", FileType: PDF, Data: extracttest.TextPDF(page1, page2)})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Strategy != StrategyStructured {
		t.Errorf("Strategy = %v, want structured", res.Strategy)
	}
	if res.PageCount != 2 {
		t.Errorf("PageCount = %d, want 2", res.PageCount)
	}
	for _, want := range []string{"--- Page 1 ---", "--- Page 2 ---", "first page", "authorities"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("text missing %q:\n%s", want, res.Text)
		}
	}
	if res.WordCount < 20 {
		t.Errorf("WordCount = %d, want at least 20", res.WordCount)
	}
}

func TestExtractScannedPDFUsesOCR(t *testing.T) {
	ocr := &mockOCR{process: func(ctx context.Context, filename string, data []byte) ([]string, error) {
		return []string{"scanned page one", "scanned page two"}, nil
	}}
	r := NewRouter(ocr, noSleepGuard(), nil)

	// A blank text layer looks like a scan.
	res, err := r.Extract(context.Background(), Input{Filename: "scan.pdf", FileType: PDF, Data: extracttest.TextPDF("", "")})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Strategy != StrategyOCR {
		t.Errorf("Strategy = %v, want ocr", res.Strategy)
	}
	if ocr.calls.Load() != 1 {
		t.Errorf("ocr calls = %d, want 1", ocr.calls.Load())
	}
	if !strings.Contains(res.Text, "--- Page 2 ---\nscanned page two") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractImageRetriesTransientOCRFailures(t *testing.T) {
	ocr := &mockOCR{}
	ocr.process = func(ctx context.Context, filename string, data []byte) ([]string, error) {
		if ocr.calls.Load() < 3 {
			return nil, &resilience.StatusError{Dependency: resilience.DepOCR, Code: 503}
		}
		return []string{"receipt total 42"}, nil
	}
	r := NewRouter(ocr, noSleepGuard(), nil)

	res, err := r.Extract(context.Background(), Input{Filename: "receipt.jpg", FileType: Image, Data: []byte{0xff, 0xd8}})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ocr.calls.Load() != 3 {
		t.Errorf("ocr calls = %d, want 3", ocr.calls.Load())
	}
	if res.PageCount != 1 || res.WordCount != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestExtractOCRExhausted(t *testing.T) {
	ocr := &mockOCR{process: func(ctx context.Context, filename string, data []byte) ([]string, error) {
		return nil, &resilience.StatusError{Dependency: resilience.DepOCR, Code: 500}
	}}
	r := NewRouter(ocr, noSleepGuard(), nil)

	_, err := r.Extract(context.Background(), Input{Filename: "photo.png", FileType: Image, Data: []byte{1}})
	var ex *resilience.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if ocr.calls.Load() != 3 {
		t.Errorf("ocr calls = %d, want 3", ocr.calls.Load())
	}
}

func TestExtractOCRFatalNotRetried(t *testing.T) {
	ocr := &mockOCR{process: func(ctx context.Context, filename string, data []byte) ([]string, error) {
		return nil, &resilience.StatusError{Dependency: resilience.DepOCR, Code: 401}
	}}
	r := NewRouter(ocr, noSleepGuard(), nil)

	if _, err := r.Extract(context.Background(), Input{Filename: "deck.pptx", FileType: PPTX, Data: []byte("PK")}); err == nil {
		t.Fatal("expected error")
	}
	if ocr.calls.Load() != 1 {
		t.Errorf("ocr calls = %d, want 1", ocr.calls.Load())
	}
}

func TestExtractDOCX(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	data := extracttest.DOCX([]string{"Complaint for damages", "Count one"}, []string{"Prayer for relief"})

	res, err := r.Extract(context.Background(), Input{Filename: "complaint.docx", FileType: DOCX, Data: data})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.PageCount != 2 {
		t.Errorf("PageCount = %d, want 2", res.PageCount)
	}
	if res.Pages[0] != "Complaint for damages\nCount one" || res.Pages[1] != "Prayer for relief" {
		t.Errorf("pages = %q", res.Pages)
	}
}

func TestExtractCSV(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	data := []byte("date,amount\n2024-01-02,10\n2024-02-03,\"1|5\"\n")

	res, err := r.Extract(context.Background(), Input{Filename: "ledger.csv", FileType: CSV, Data: data})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, want := range []string{"# CSV Data: ledger.csv", "**Rows:** 2", "**Columns:** 2", "| date | amount |", `| 2024-02-03 | 1\|5 |`} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("text missing %q:\n%s", want, res.Text)
		}
	}
}

func TestExtractHTMLSanitises(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	data := []byte(`<html><body><h1>Notice</h1><script>alert(1)</script><p>Hearing on <b>May 2</b>.</p></body></html>`)

	res, err := r.Extract(context.Background(), Input{Filename: "notice.html", FileType: HTML, Data: data})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if strings.Contains(res.Text, "alert") {
		t.Errorf("script survived sanitising: %q", res.Text)
	}
	if !strings.Contains(res.Text, "# Notice") || !strings.Contains(res.Text, "**May 2**") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExtractPassThroughSplitsFormFeeds(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	res, err := r.Extract(context.Background(), Input{Filename: "notes.txt", FileType: Text, Data: []byte("first\fsecond")})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Strategy != StrategyPassThrough || res.PageCount != 2 {
		t.Errorf("result = %+v", res)
	}
	want := "--- Page 1 ---\nfirst\n\n--- Page 2 ---\nsecond\n\n"
	if res.Text != want {
		t.Errorf("Text = %q, want %q", res.Text, want)
	}
}

func TestExtractUnsupported(t *testing.T) {
	r := NewRouter(nil, nil, nil)
	_, err := r.Extract(context.Background(), Input{Filename: "a.exe", FileType: Unsupported})
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestDetectFileType(t *testing.T) {
	tests := map[string]FileType{
		"Motion.PDF":   PDF,
		"brief.docx":   DOCX,
		"deck.pptx":    PPTX,
		"scan.TIFF":    Image,
		"photo.jpeg":   Image,
		"ledger.csv":   CSV,
		"page.htm":     HTML,
		"notes.txt":    Text,
		"readme.md":    Markdown,
		"archive.zip":  Unsupported,
		"no-extension": Unsupported,
	}
	for name, want := range tests {
		if got := DetectFileType(name); got != want {
			t.Errorf("DetectFileType(%q) = %v, want %v", name, got, want)
		}
		if want != Unsupported && ParseFileType(want.String()) != want {
			t.Errorf("ParseFileType(%q) did not round-trip", want.String())
		}
	}
}

func TestSplitPagesInvertsFormatPages(t *testing.T) {
	pages := []string{"alpha", "beta\ngamma"}
	got := SplitPages(FormatPages(pages))
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta\ngamma" {
		t.Errorf("SplitPages = %q", got)
	}
}
