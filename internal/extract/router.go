// Package extract turns uploaded files into page-marked text. A Router
// picks exactly one strategy per file: the OCR provider, a local
// structured parser, or pass-through.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/docket/internal/resilience"
)

// Strategy is how a file's text is obtained.
type Strategy int

const (
	StrategyOCR Strategy = iota + 1
	StrategyStructured
	StrategyPassThrough
)

func (s Strategy) String() string {
	switch s {
	case StrategyOCR:
		return "ocr"
	case StrategyStructured:
		return "structured"
	case StrategyPassThrough:
		return "passthrough"
	}
	return "unknown"
}

// ErrUnsupported is returned for files outside the known formats.
var ErrUnsupported = errors.New("unsupported file type")

// OCR converts a scanned document or image into page markdown.
type OCR interface {
	Process(ctx context.Context, filename string, data []byte) ([]string, error)
}

// Input is one file to extract.
type Input struct {
	DocumentID string
	CaseID     string
	Filename   string
	FileType   FileType
	Data       []byte
}

// Router chooses and runs an extraction strategy.
type Router struct {
	ocr    OCR
	guard  *resilience.Guard
	html   *htmlConverter
	logger *slog.Logger
}

// NewRouter builds a Router. OCR calls go through guard, which holds the
// OCR provider's breaker and retry policy.
func NewRouter(ocr OCR, guard *resilience.Guard, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		ocr:    ocr,
		guard:  guard,
		html:   newHTMLConverter(),
		logger: logger,
	}
}

// Extract runs the strategy chosen for in and returns page-marked text.
// Structured and pass-through strategies never touch the network and are
// not retried.
func (r *Router) Extract(ctx context.Context, in Input) (Result, error) {
	log := r.logger.With("document_id", in.DocumentID, "case_id", in.CaseID, "file_type", in.FileType.String())

	switch in.FileType {
	case PDF:
		return r.extractPDF(ctx, in, log)
	case Image, PPTX:
		return r.runOCR(ctx, in)
	case DOCX:
		pages, err := docxPages(in.Data)
		if err != nil {
			return Result{}, resilience.Permanent(fmt.Errorf("docx: %w", err))
		}
		return newResult(pages, StrategyStructured), nil
	case CSV:
		md, err := csvMarkdown(in.Filename, in.Data)
		if err != nil {
			return Result{}, resilience.Permanent(err)
		}
		return newResult([]string{md}, StrategyStructured), nil
	case HTML:
		md, err := r.html.markdown(in.Data)
		if err != nil {
			return Result{}, resilience.Permanent(err)
		}
		return newResult([]string{md}, StrategyStructured), nil
	case Text, Markdown:
		return newResult(splitFormFeeds(string(in.Data)), StrategyPassThrough), nil
	case Unsupported:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, in.Filename)
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, in.Filename)
}

func (r *Router) extractPDF(ctx context.Context, in Input, log *slog.Logger) (Result, error) {
	layout, err := inspectPDF(in.Data)
	if err != nil {
		log.Debug("pdf inspection failed", "error", err)
	}

	pages, err := pdfTextPages(in.Data)
	if err != nil {
		log.Info("no readable text layer, using ocr", "error", err)
		return r.runOCR(ctx, in)
	}
	if !isTextNative(pages, layout) {
		log.Info("scanned or image-dominated pdf, using ocr", "pages", len(pages), "has_images", layout.HasImages)
		return r.runOCR(ctx, in)
	}

	res := newResult(pages, StrategyStructured)
	if layout.PageCount > res.PageCount {
		res.PageCount = layout.PageCount
	}
	return res, nil
}

func (r *Router) runOCR(ctx context.Context, in Input) (Result, error) {
	if r.ocr == nil {
		return Result{}, resilience.Permanent(errors.New("ocr provider not configured"))
	}
	call := func(ctx context.Context) ([]string, error) {
		return r.ocr.Process(ctx, in.Filename, in.Data)
	}

	var pages []string
	var err error
	if r.guard != nil {
		pages, err = resilience.Run(ctx, r.guard, call)
	} else {
		pages, err = call(ctx)
	}
	if err != nil {
		return Result{}, fmt.Errorf("ocr: %w", err)
	}

	for i, p := range pages {
		pages[i] = strings.TrimSpace(p)
	}
	return newResult(pages, StrategyOCR), nil
}
