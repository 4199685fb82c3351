package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docket/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Documents Documents
	Manifests Manifests
	Search    Searcher
}

// documentSummary is the compact row returned by list_documents.
type documentSummary struct {
	ID           string         `json:"id"`
	Filename     string         `json:"filename"`
	DocumentType *string        `json:"document_type"`
	PageCount    *int           `json:"page_count"`
	Status       storage.Status `json:"processing_status"`
	Error        string         `json:"error,omitempty"`
}

// NewMCPServer creates an MCP server exposing read-only case tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docket",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("docket: processed legal case files. List documents, check processing status, read a case manifest, and search case text."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List the documents of a case with their type, page count and processing status."),
			mcp.WithString("case_id", mcp.Description("Case identifier"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Only return documents in this status"),
				mcp.Enum("pending", "extracting", "analyzing", "indexing", "complete", "failed")),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("document_status",
			mcp.WithDescription("Return the full record of one document, including stage flags and any error."),
			mcp.WithString("document_id", mcp.Description("Document identifier"), mcp.Required()),
		),
		mcpDocumentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("case_manifest",
			mcp.WithDescription("Return the case manifest: every document with its artifact paths."),
			mcp.WithString("case_id", mcp.Description("Case identifier"), mcp.Required()),
		),
		mcpCaseManifest(deps),
	)

	s.AddTool(
		mcp.NewTool("search_case",
			mcp.WithDescription("Semantically search the indexed text of a case and return matching passages."),
			mcp.WithString("case_id", mcp.Description("Case identifier"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchCase(deps),
	)

	return s
}

func mcpListDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		status := storage.Status(req.GetString("status", ""))

		docs, err := deps.Documents.ListDocumentsByCase(caseID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}

		out := make([]documentSummary, 0, len(docs))
		for _, d := range docs {
			if status != "" && d.Status != status {
				continue
			}
			out = append(out, documentSummary{
				ID:           d.ID,
				Filename:     d.OriginalFilename,
				DocumentType: d.DocumentType,
				PageCount:    d.PageCount,
				Status:       d.Status,
				Error:        d.ErrorMessage,
			})
		}
		return mcpJSON(out)
	}
}

func mcpDocumentStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		doc, err := deps.Documents.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("document %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get document: %v", err)), nil
		}
		return mcpJSON(doc)
	}
}

func mcpCaseManifest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		m, err := deps.Manifests.ReadOrBuild(ctx, caseID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load manifest: %v", err)), nil
		}
		return mcpJSON(m)
	}
}

func mcpSearchCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultSearchLimit)
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}

		storeID, err := deps.Documents.GetCaseStore(caseID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpText("[]"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve search store: %v", err)), nil
		}

		hits, err := deps.Search.Search(ctx, storeID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(hits)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
