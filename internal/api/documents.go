package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docket/internal/artifact"
	"github.com/kalambet/docket/internal/intake"
	"github.com/kalambet/docket/internal/storage"
)

// multipartOverhead leaves room for part headers around the file.
const multipartOverhead = 1 << 20

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

// UploadResponse is returned for an accepted upload.
type UploadResponse struct {
	ID       string         `json:"id"`
	Filename string         `json:"filename"`
	Status   storage.Status `json:"status"`
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseID")
		limit := deps.MaxUploadBytes + multipartOverhead
		if r.ContentLength > limit {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds %d bytes", deps.MaxUploadBytes)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds %d bytes", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field \"file\" is required: %v", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, deps.MaxUploadBytes+1))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		doc, err := deps.Intake.Upload(r.Context(), intake.UploadRequest{
			CaseID:   caseID,
			Filename: header.Filename,
			Data:     data,
		})
		switch {
		case errors.Is(err, intake.ErrTooLarge):
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, intake.ErrUnsupportedType), errors.Is(err, intake.ErrEmptyFile),
			errors.Is(err, intake.ErrMissingCase), errors.Is(err, artifact.ErrInvalidPath):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			deps.Logger.Error("upload failed", "case_id", caseID, "filename", header.Filename, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to accept upload: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, UploadResponse{
			ID:       doc.ID,
			Filename: doc.OriginalFilename,
			Status:   doc.Status,
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseID")
		docs, err := deps.Documents.ListDocumentsByCase(caseID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if status := storage.Status(r.URL.Query().Get("status")); status != "" {
			if !status.Valid() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
				return
			}
			filtered := docs[:0]
			for _, d := range docs {
				if d.Status == status {
					filtered = append(filtered, d)
				}
			}
			docs = filtered
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Documents.CaseStats(chi.URLParam(r, "caseID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count documents: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleManifest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Manifests.ReadOrBuild(r.Context(), chi.URLParam(r, "caseID"))
		if errors.Is(err, artifact.ErrInvalidPath) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load manifest: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseID")
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", defaultSearchLimit, maxSearchLimit)

		storeID, err := deps.Documents.GetCaseStore(caseID)
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve search store: %v", err)
			return
		}

		hits, err := deps.Search.Search(r.Context(), storeID, query, limit)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		if hits == nil {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		writeJSON(w, http.StatusOK, hits)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Documents.GetDocument(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleDocumentArtifact(deps Deps, contentType string, path func(folder string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Documents.GetDocument(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		c, err := deps.Artifacts.Case(doc.CaseID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		data, err := c.Read(r.Context(), path(doc.FolderName))
		if errors.Is(err, artifact.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "artifact not available (status %s)", doc.Status)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read artifact: %v", err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Intake.Delete(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
