package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docket/internal/artifact"
	"github.com/kalambet/docket/internal/intake"
	"github.com/kalambet/docket/internal/manifest"
	"github.com/kalambet/docket/internal/progress"
	"github.com/kalambet/docket/internal/retrieval"
	"github.com/kalambet/docket/internal/storage"
)

// Intake accepts and removes documents.
type Intake interface {
	Upload(ctx context.Context, req intake.UploadRequest) (storage.Document, error)
	Delete(ctx context.Context, id string) error
}

// Documents reads document rows.
type Documents interface {
	GetDocument(id string) (storage.Document, error)
	ListDocumentsByCase(caseID string) ([]storage.Document, error)
	CaseStats(caseID string) (storage.CaseStats, error)
	GetCaseStore(caseID string) (string, error)
}

// Manifests serves case manifests.
type Manifests interface {
	ReadOrBuild(ctx context.Context, caseID string) (manifest.Manifest, error)
}

// Searcher queries a case's search store.
type Searcher interface {
	Search(ctx context.Context, storeID, query string, topK int) ([]retrieval.Hit, error)
}

// Events streams progress events for a case.
type Events interface {
	Subscribe(caseID string, buffer int) (<-chan progress.Event, func())
}

// Deps wires the HTTP handler.
type Deps struct {
	Intake    Intake
	Documents Documents
	Manifests Manifests
	Search    Searcher
	Artifacts *artifact.Store
	Events    Events
	Token     string
	Logger    *slog.Logger

	// MaxUploadBytes caps the multipart body. Zero means intake.MaxUploadBytes.
	MaxUploadBytes int64
}

// NewHandler returns the REST API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = intake.MaxUploadBytes
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/cases/{caseID}", func(r chi.Router) {
			r.Post("/documents", handleUpload(deps))
			r.Get("/documents", handleListDocuments(deps))
			r.Get("/stats", handleStats(deps))
			r.Get("/manifest", handleManifest(deps))
			r.Get("/search", handleSearch(deps))
			r.Get("/events", handleEvents(deps))
		})

		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Get("/documents/{id}/text", handleDocumentArtifact(deps, "text/plain; charset=utf-8", artifact.ExtractionPath))
		r.Get("/documents/{id}/metadata", handleDocumentArtifact(deps, "application/json", artifact.MetadataPath))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
