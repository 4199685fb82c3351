// Package progress carries document stage events from the intake pipeline
// to connected clients. Delivery is best-effort: the document store stays
// authoritative and clients can always poll it.
package progress

import (
	"time"

	"github.com/kalambet/docket/internal/storage"
)

// EventType names a pipeline event on the wire.
type EventType string

const (
	EventUpload     EventType = "document:upload"
	EventExtracting EventType = "document:extracting"
	EventAnalyzing  EventType = "document:analyzing"
	EventIndexing   EventType = "document:indexing"
	EventComplete   EventType = "document:complete"
	EventError      EventType = "document:error"
)

// Event is one stage transition of one document.
type Event struct {
	Type       EventType `json:"type"`
	DocumentID string    `json:"documentId"`
	CaseID     string    `json:"caseFileId"`
	Filename   string    `json:"filename"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventTypeFor maps a status to the event announcing it. The pending
// status is announced as the upload event.
func EventTypeFor(s storage.Status) EventType {
	switch s {
	case storage.StatusPending:
		return EventUpload
	case storage.StatusExtracting:
		return EventExtracting
	case storage.StatusAnalyzing:
		return EventAnalyzing
	case storage.StatusIndexing:
		return EventIndexing
	case storage.StatusComplete:
		return EventComplete
	case storage.StatusFailed:
		return EventError
	}
	panic("progress: unknown status " + string(s))
}

// ProgressFor maps a status to a 0-100 completion figure.
func ProgressFor(s storage.Status) int {
	switch s {
	case storage.StatusPending:
		return 10
	case storage.StatusExtracting:
		return 30
	case storage.StatusAnalyzing:
		return 60
	case storage.StatusIndexing:
		return 85
	case storage.StatusComplete:
		return 100
	case storage.StatusFailed:
		return 0
	}
	panic("progress: unknown status " + string(s))
}

// NewEvent builds the event announcing that a document reached status.
func NewEvent(doc storage.Document, status storage.Status, message string, err error) Event {
	ev := Event{
		Type:       EventTypeFor(status),
		DocumentID: doc.ID,
		CaseID:     doc.CaseID,
		Filename:   doc.OriginalFilename,
		Progress:   ProgressFor(status),
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
