package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// UnknownType is the document type of the default record.
const UnknownType = "Unknown"

// DocumentTypes is the closed set of classifications the model may return.
var DocumentTypes = []string{
	"Motion", "Response", "Complaint", "Order", "Notice",
	"Evidence", "Research", "Correspondence", "Contract", "Other",
}

// Record is the structured metadata produced for one document.
type Record struct {
	DocumentType    string   `json:"document_type"`
	Confidence      float64  `json:"confidence"`
	Summary         string   `json:"summary"`
	KeyParties      []string `json:"key_parties"`
	ImportantDates  []string `json:"important_dates"`
	MainArguments   []string `json:"main_arguments"`
	Jurisdiction    string   `json:"jurisdiction"`
	Authorities     []string `json:"authorities"`
	CriticalFacts   []string `json:"critical_facts"`
	RequestedRelief string   `json:"requested_relief"`
}

// DefaultRecord is substituted whenever the model's answer is unusable.
func DefaultRecord() Record {
	return Record{
		DocumentType:   UnknownType,
		Confidence:     0,
		Summary:        "",
		KeyParties:     []string{},
		ImportantDates: []string{},
		MainArguments:  []string{},
		Authorities:    []string{},
		CriticalFacts:  []string{},
	}
}

// Validate checks the record's shape.
func (r Record) Validate() error {
	if strings.TrimSpace(r.DocumentType) == "" {
		return errors.New("document_type is empty")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	if strings.TrimSpace(r.Summary) == "" {
		return errors.New("summary is empty")
	}
	return nil
}

// wireRecord accepts both the current field names and the older
// executive_summary spelling.
type wireRecord struct {
	DocumentType     string          `json:"document_type"`
	Confidence       *float64        `json:"confidence"`
	Summary          string          `json:"summary"`
	ExecutiveSummary string          `json:"executive_summary"`
	KeyParties       []string        `json:"key_parties"`
	KeyEntities      []string        `json:"key_entities"`
	ImportantDates   []string        `json:"important_dates"`
	MainArguments    []string        `json:"main_arguments"`
	Jurisdiction     string          `json:"jurisdiction"`
	Authorities      []string        `json:"authorities"`
	CriticalFacts    []string        `json:"critical_facts"`
	RequestedRelief  string          `json:"requested_relief"`
	DocumentSummary  json.RawMessage `json:"document_summary"`
}

// ParseRecord extracts and validates a Record from raw model output. It
// tolerates markdown code fences, text around the JSON object, and a
// top-level "document_summary" wrapper.
func ParseRecord(raw string) (Record, error) {
	obj := jsonObject(raw)
	if obj == "" {
		return Record{}, errors.New("no json object in model output")
	}

	var w wireRecord
	dec := json.NewDecoder(strings.NewReader(obj))
	if err := dec.Decode(&w); err != nil {
		return Record{}, fmt.Errorf("decoding model output: %w", err)
	}
	if len(w.DocumentSummary) > 0 && !bytes.Equal(w.DocumentSummary, []byte("null")) {
		inner := wireRecord{}
		if err := json.Unmarshal(w.DocumentSummary, &inner); err != nil {
			return Record{}, fmt.Errorf("decoding document_summary: %w", err)
		}
		if inner.Confidence == nil {
			inner.Confidence = w.Confidence
		}
		w = inner
	}

	if w.Confidence == nil {
		return Record{}, errors.New("confidence missing")
	}

	r := Record{
		DocumentType:    normalizeType(w.DocumentType),
		Confidence:      *w.Confidence,
		Summary:         strings.TrimSpace(firstNonEmpty(w.Summary, w.ExecutiveSummary)),
		KeyParties:      nonNil(append(w.KeyParties, w.KeyEntities...)),
		ImportantDates:  nonNil(w.ImportantDates),
		MainArguments:   nonNil(w.MainArguments),
		Jurisdiction:    strings.TrimSpace(w.Jurisdiction),
		Authorities:     nonNil(w.Authorities),
		CriticalFacts:   nonNil(w.CriticalFacts),
		RequestedRelief: strings.TrimSpace(w.RequestedRelief),
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// jsonObject returns the outermost {...} span of s, or "".
func jsonObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// normalizeType maps a free-form type onto DocumentTypes. A non-empty
// value that matches nothing becomes "Other".
func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	for _, known := range DocumentTypes {
		if strings.EqualFold(t, known) {
			return known
		}
	}
	return "Other"
}

// filenameTypePatterns hints the model with a classification guessed from
// the file name.
var filenameTypePatterns = []struct {
	docType  string
	patterns []string
}{
	{"Motion", []string{"motion", "mtd", "mtc", "mts", "mtv"}},
	{"Response", []string{"response", "opposition", "reply", "answer"}},
	{"Complaint", []string{"complaint", "petition"}},
	{"Order", []string{"order", "ruling", "judgment", "decree"}},
	{"Notice", []string{"notice", "notification", "noa"}},
	{"Evidence", []string{"exhibit", "evidence", "attachment", "affidavit"}},
	{"Research", []string{"memo", "research", "analysis", "brief"}},
}

// TypeFromFilename guesses a document type from name patterns, or "".
func TypeFromFilename(name string) string {
	lower := strings.ToLower(name)
	for _, p := range filenameTypePatterns {
		for _, pat := range p.patterns {
			if strings.Contains(lower, pat) {
				return p.docType
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func nonNil(s []string) []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
