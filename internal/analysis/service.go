// Package analysis turns extracted document text into a structured metadata
// record using a summarization model.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/docket/internal/resilience"
)

// maxInputChars caps the text sent to the model.
const maxInputChars = 200_000

// Model produces a raw JSON answer for a prompt.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Request is one document to analyze.
type Request struct {
	DocumentID string
	CaseID     string
	Filename   string
	Text       string
}

// Outcome is the result of an analysis. When Degraded is set, Record is
// DefaultRecord and Reason explains why.
type Outcome struct {
	Record   Record
	Degraded bool
	Reason   string
}

// Service runs analyses through the summarization guard.
type Service struct {
	model  Model
	guard  *resilience.Guard
	logger *slog.Logger
}

// NewService creates a Service. A nil guard runs the model unguarded.
func NewService(model Model, guard *resilience.Guard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{model: model, guard: guard, logger: logger}
}

// Analyze never fails: any model error or unusable answer yields the
// default record with Degraded set.
func (s *Service) Analyze(ctx context.Context, req Request) Outcome {
	log := s.logger.With("document_id", req.DocumentID, "case_id", req.CaseID, "stage", "analysis")

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return degraded("no extracted text")
	}
	prompt := BuildPrompt(req.Filename, truncate(text, maxInputChars))

	raw, err := s.generate(ctx, prompt)
	if err != nil {
		log.Warn("summarization failed, using default record", "error", err)
		return degraded(reason(err))
	}

	rec, err := ParseRecord(raw)
	if err != nil {
		log.Warn("summarization output rejected, using default record", "error", err)
		return degraded("malformed model output: " + err.Error())
	}
	return Outcome{Record: rec}
}

func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	if s.guard == nil {
		return s.model.Generate(ctx, prompt)
	}
	return resilience.Run(ctx, s.guard, func(ctx context.Context) (string, error) {
		return s.model.Generate(ctx, prompt)
	})
}

func degraded(why string) Outcome {
	return Outcome{Record: DefaultRecord(), Degraded: true, Reason: why}
}

func reason(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "summarization model unavailable (circuit open)"
	default:
		return err.Error()
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
