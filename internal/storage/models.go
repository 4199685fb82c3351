package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update would move a document
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrConflict is returned when a unique record already exists.
var ErrConflict = errors.New("already exists")

// Status is the processing state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusAnalyzing  Status = "analyzing"
	StatusIndexing   Status = "indexing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusExtracting, StatusAnalyzing, StatusIndexing, StatusComplete, StatusFailed,
}

// Terminal reports whether no further automatic transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusExtracting, StatusAnalyzing, StatusIndexing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// predecessors returns the statuses a document may be in to move to s.
func predecessors(s Status) []Status {
	switch s {
	case StatusExtracting:
		return []Status{StatusPending}
	case StatusAnalyzing:
		return []Status{StatusExtracting}
	case StatusIndexing:
		return []Status{StatusAnalyzing}
	case StatusComplete:
		return []Status{StatusIndexing}
	case StatusFailed:
		return []Status{StatusPending, StatusExtracting, StatusAnalyzing, StatusIndexing}
	case StatusPending:
		return nil
	}
	return nil
}

// CanTransition reports whether a document in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors(to) {
		if p == from {
			return true
		}
	}
	return false
}

// Document is one uploaded file belonging to a case.
type Document struct {
	ID                    string     `json:"id"`
	CaseID                string     `json:"case_id"`
	OriginalFilename      string     `json:"original_filename"`
	FolderName            string     `json:"folder_name"`
	FileType              string     `json:"file_type"`
	SizeBytes             int64      `json:"size_bytes"`
	DocumentType          *string    `json:"document_type"`
	PageCount             *int       `json:"page_count"`
	WordCount             *int       `json:"word_count"`
	Status                Status     `json:"processing_status"`
	ExtractionStrategy    string     `json:"extraction_strategy,omitempty"`
	HasTextExtraction     bool       `json:"has_text_extraction"`
	HasStructuredMetadata bool       `json:"has_structured_metadata"`
	IsSemanticallyIndexed bool       `json:"is_semantically_indexed"`
	AnalysisDegraded      bool       `json:"analysis_degraded"`
	SearchStoreID         *string    `json:"search_store_id"`
	SearchDocumentURI     *string    `json:"search_document_uri"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	UploadedAt            time.Time  `json:"uploaded_at"`
	ProcessedAt           *time.Time `json:"processed_at"`
}

// DocumentUpdate is a sparse set of column changes. Nil fields are left
// untouched. Boolean flags can only be raised.
type DocumentUpdate struct {
	DocumentType          *string
	PageCount             *int
	WordCount             *int
	ExtractionStrategy    *string
	HasTextExtraction     *bool
	HasStructuredMetadata *bool
	IsSemanticallyIndexed *bool
	AnalysisDegraded      *bool
	SearchStoreID         *string
	SearchDocumentURI     *string
}

// CaseStats counts the documents of one case per status.
type CaseStats struct {
	CaseID   string         `json:"case_id"`
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// SearchStore is a per-case semantic index.
type SearchStore struct {
	ID        string
	CaseID    string
	CreatedAt time.Time
}

// Search item states.
const (
	ItemPending = "pending"
	ItemActive  = "active"
	ItemFailed  = "failed"
)

// SearchItem is one uploaded text inside a search store.
type SearchItem struct {
	ID         string
	StoreID    string
	DocumentID string
	Name       string
	Content    string
	State      string
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Ptr returns a pointer to v. Handy for building DocumentUpdate values.
func Ptr[T any](v T) *T {
	return &v
}
