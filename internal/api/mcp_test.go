package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/docket/internal/manifest"
	"github.com/kalambet/docket/internal/retrieval"
	"github.com/kalambet/docket/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *mockSearcher) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	search := &mockSearcher{}
	return MCPDeps{
		Documents: store,
		Manifests: &mockManifests{m: manifest.Manifest{Documents: []manifest.Entry{}}},
		Search:    search,
	}, store, search
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func seedDocs(t *testing.T, store *storage.Store) {
	t.Helper()
	for _, id := range []string{"d1", "d2"} {
		if err := store.CreateDocument(storage.Document{ID: id, CaseID: "case-1", OriginalFilename: id + ".pdf", FolderName: id, FileType: "PDF"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.MarkFailed("d2", "ocr: unexpected status 503"); err != nil {
		t.Fatal(err)
	}
}

// --- tests ---

func TestMCPTool_ListDocuments(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedDocs(t, store)
	handler := mcpListDocuments(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{
		"case_id": "case-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var docs []documentSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &docs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{
		"case_id": "case-1",
		"status":  "failed",
	}))
	docs = nil
	json.Unmarshal([]byte(toolText(t, result)), &docs)
	if len(docs) != 1 || docs[0].ID != "d2" || docs[0].Error == "" {
		t.Fatalf("filtered = %+v", docs)
	}
}

func TestMCPTool_ListDocuments_MissingCase(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result, err := mcpListDocuments(deps)(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing case_id")
	}
}

func TestMCPTool_DocumentStatus(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedDocs(t, store)
	handler := mcpDocumentStatus(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("document_status", map[string]interface{}{
		"document_id": "d2",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var doc storage.Document
	if err := json.Unmarshal([]byte(toolText(t, result)), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Status != storage.StatusFailed {
		t.Errorf("status = %s, want failed", doc.Status)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("document_status", map[string]interface{}{
		"document_id": "nope",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("missing document result = %s", toolText(t, result))
	}
}

func TestMCPTool_CaseManifest(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result, _ := mcpCaseManifest(deps)(context.Background(), makeCallToolRequest("case_manifest", map[string]interface{}{
		"case_id": "case-7",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var m manifest.Manifest
	json.Unmarshal([]byte(toolText(t, result)), &m)
	if m.CaseID != "case-7" {
		t.Errorf("case id = %q", m.CaseID)
	}

	deps.Manifests = &mockManifests{err: errors.New("bucket unreachable")}
	result, _ = mcpCaseManifest(deps)(context.Background(), makeCallToolRequest("case_manifest", map[string]interface{}{
		"case_id": "case-7",
	}))
	if !result.IsError {
		t.Error("expected tool error when manifest load fails")
	}
}

func TestMCPTool_SearchCase(t *testing.T) {
	deps, store, search := newTestMCPDeps(t)
	handler := mcpSearchCase(deps)
	args := map[string]interface{}{"case_id": "case-1", "query": "standing", "limit": 500}

	result, _ := handler(context.Background(), makeCallToolRequest("search_case", args))
	if result.IsError || toolText(t, result) != "[]" {
		t.Fatalf("no store: %s", toolText(t, result))
	}

	store.SaveCaseStore("case-1", "store-1")
	search.hits = []retrieval.Hit{
		{DocumentID: "d1", Text: "no standing", Score: 0.9},
		{DocumentID: "d2", Text: "standing doctrine", Score: 0.7},
	}
	result, _ = handler(context.Background(), makeCallToolRequest("search_case", args))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var hits []retrieval.Hit
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if search.limit != maxSearchLimit {
		t.Errorf("limit = %d, want clamp to %d", search.limit, maxSearchLimit)
	}

	search.err = errors.New("embedding model offline")
	result, _ = handler(context.Background(), makeCallToolRequest("search_case", args))
	if !result.IsError {
		t.Error("expected tool error on search failure")
	}
}
