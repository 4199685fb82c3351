package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/docket/internal/progress"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"document not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points every command at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	oldColor := noColor
	noColor = true
	t.Cleanup(func() {
		newAPIClient = old
		noColor = oldColor
	})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

var ctx = context.Background()

func TestRunUpload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /cases/smith-v-acme/documents": `{"id":"doc-1","filename":"complaint.pdf","status":"pending"}`,
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "complaint.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 body"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	failed := runUpload(ctx, ts.client(), "smith-v-acme", []string{path}, &out)
	if failed != 0 {
		t.Fatalf("failed = %d, want 0", failed)
	}
	if !strings.Contains(out.String(), "doc-1") {
		t.Errorf("output = %q, want document id", out.String())
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q, want multipart", r.ContentType)
	}
	if !strings.Contains(r.Body, `filename="complaint.pdf"`) || !strings.Contains(r.Body, "%PDF-1.4 body") {
		t.Errorf("multipart body missing file part: %q", r.Body)
	}
}

func TestRunUpload_CountsFailures(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	dir := t.TempDir()
	present := filepath.Join(dir, "a.txt")
	os.WriteFile(present, []byte("text"), 0o644)

	var out bytes.Buffer
	failed := runUpload(ctx, ts.client(), "c1", []string{present, filepath.Join(dir, "missing.txt")}, &out)
	if failed != 2 {
		t.Errorf("failed = %d, want 2 (one 404, one unreadable)", failed)
	}
	if len(ts.requests) != 1 {
		t.Errorf("expected 1 request, got %d", len(ts.requests))
	}
}

func TestUploadCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, "upload", "only-a-case")
	if err == nil {
		t.Fatal("expected error for missing file argument")
	}
}

func TestDocumentsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /cases/c1/documents": `[
			{"id":"doc-1","case_id":"c1","original_filename":"a.pdf","processing_status":"complete","document_type":"motion","page_count":3},
			{"id":"doc-2","case_id":"c1","original_filename":"b.png","processing_status":"failed"}
		]`,
	})
	useServer(t, ts)

	out, err := execute(t, "documents", "c1", "--status", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"doc-1", "a.pdf", "motion", "complete", "doc-2", "failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if ts.requests[0].Path != "/cases/c1/documents" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestDocumentsCommand_StatusFilter(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /cases/c1/documents": `[]`,
	})
	useServer(t, ts)

	out, err := execute(t, "documents", "c1", "--status", "failed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "no documents") {
		t.Errorf("output = %q, want empty notice", out)
	}
	if ts.requests[0].Path != "/cases/c1/documents?status=failed" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	documentsCmd.Flags().Set("status", "")
}

func TestStatusCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /documents/doc-9": `{"id":"doc-9","case_id":"c1","original_filename":"scan.png",
			"processing_status":"failed","has_text_extraction":false,"error_message":"ocr: service unavailable"}`,
	})
	useServer(t, ts)

	out, err := execute(t, "status", "doc-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"scan.png", "failed", "ocr: service unavailable", "text=no"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useServer(t, ts)

	_, err := execute(t, "status", "nope")
	if err == nil || !strings.Contains(err.Error(), "document not found") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestDeleteCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /documents/doc-1": `{"status":"deleted"}`,
	})
	useServer(t, ts)

	if _, err := execute(t, "delete", "doc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Method != http.MethodDelete {
		t.Errorf("method = %q, want DELETE", ts.requests[0].Method)
	}
}

func TestStatsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /cases/c1/stats": `{"case_id":"c1","total":3,"by_status":{"complete":2,"failed":1}}`,
	})
	useServer(t, ts)

	out, err := execute(t, "stats", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Total: 3", "complete: 2", "failed: 1", "pending: 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSearchCommand_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /cases/c1/search": `[{"document_id":"doc-1","item_id":"it-1","chunk_index":0,"text":"motion to dismiss","score":0.91}]`,
	})
	useServer(t, ts)

	out, err := execute(t, "search", "c1", "motion", "&", "dismiss", "--limit", "3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "doc-1") || !strings.Contains(out, "motion to dismiss") {
		t.Errorf("output = %q", out)
	}
	want := "/cases/c1/search?q=motion+%26+dismiss&limit=3"
	if ts.requests[0].Path != want {
		t.Errorf("path = %q, want %q", ts.requests[0].Path, want)
	}
}

func TestWatch(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		gotAuth = ws.Request().Header.Get("Authorization")
		for _, typ := range []progress.EventType{progress.EventExtracting, progress.EventComplete} {
			websocket.JSON.Send(ws, progress.Event{Type: typ, DocumentID: "doc-1", CaseID: "c1", Timestamp: time.Now()})
		}
		// Hold the connection until the client hangs up.
		var discard []byte
		websocket.Message.Receive(ws, &discard)
	}))
	t.Cleanup(srv.Close)

	client := &apiClient{baseURL: srv.URL, token: "test-token", httpClient: srv.Client()}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var got []progress.EventType
	err := client.watch(wctx, "c1", func(ev progress.Event) {
		got = append(got, ev.Type)
		if ev.Type == progress.EventComplete {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != progress.EventExtracting || got[1] != progress.EventComplete {
		t.Errorf("events = %v", got)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", gotAuth)
	}
}

func TestPrintEvent(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	printEvent(&out, progress.Event{
		Type:      progress.EventError,
		Filename:  "scan.png",
		Progress:  0,
		Message:   "Extraction failed",
		Error:     "ocr unavailable",
		Timestamp: time.Now(),
	})
	line := out.String()
	for _, want := range []string{"document:error", "scan.png", "Extraction failed: ocr unavailable"} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %q: %q", want, line)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorRed, "hello")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "hello" {
		t.Errorf("colorize with noColor=true = %q, want %q", result, "hello")
	}

	noColor = false
	result = colorize(colorRed, "hello")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestStatusColor(t *testing.T) {
	if statusColor("complete") != colorGreen {
		t.Error("complete should be green")
	}
	if statusColor("failed") != colorRed {
		t.Error("failed should be red")
	}
	if statusColor("indexing") != colorYellow {
		t.Error("in-flight statuses should be yellow")
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	resp, err := ts.client().get(ctx, "/documents/x")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "document not found") {
		t.Errorf("err = %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
