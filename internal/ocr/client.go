// Package ocr is a client for the Mistral OCR API.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/docket/internal/resilience"
)

const (
	DefaultBaseURL = "https://api.mistral.ai"
	DefaultModel   = "mistral-ocr-latest"
)

// ErrNoAPIKey is returned by Process when the client has no key configured.
var ErrNoAPIKey = errors.New("ocr: api key not configured")

// Client runs the upload, sign, process, delete sequence against the OCR API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client. An empty model selects DefaultModel.
func New(baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     slog.Default().With("component", "ocr"),
	}
}

type uploadedFile struct {
	ID string `json:"id"`
}

type signedURL struct {
	URL string `json:"url"`
}

type documentRef struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type processRequest struct {
	Model              string      `json:"model"`
	Document           documentRef `json:"document"`
	IncludeImageBase64 bool        `json:"include_image_base64"`
	ImageLimit         *int        `json:"image_limit,omitempty"`
}

type processResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// Process OCRs one file and returns the markdown of each page in order.
// The uploaded file is deleted afterwards on a best-effort basis.
func (c *Client) Process(ctx context.Context, filename string, data []byte) ([]string, error) {
	if c.apiKey == "" {
		return nil, resilience.Permanent(ErrNoAPIKey)
	}

	fileID, err := c.upload(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer func() {
		// Detached so a cancelled request still cleans up.
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := c.deleteFile(delCtx, fileID); err != nil {
			c.logger.Warn("deleting uploaded file", "file_id", fileID, "error", err)
		}
	}()

	u, err := c.signedURL(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("signed url: %w", err)
	}

	req := processRequest{
		Model:    c.model,
		Document: documentRef{Type: "document_url", DocumentURL: u},
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp", ".avif":
		req.Document = documentRef{Type: "image_url", ImageURL: u}
	case ".docx", ".pptx":
		zero := 0
		req.ImageLimit = &zero
	}

	var resp processResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/ocr", req, &resp); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}

	pages := make([]string, len(resp.Pages))
	for i, p := range resp.Pages {
		pages[i] = p.Markdown
	}
	return pages, nil
}

func (c *Client) upload(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "ocr"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out uploadedFile
	if err := c.send(req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("empty file id in response")
	}
	return out.ID, nil
}

func (c *Client) signedURL(ctx context.Context, fileID string) (string, error) {
	var out signedURL
	path := "/v1/files/" + url.PathEscape(fileID) + "/url?expiry=24"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errors.New("empty signed url in response")
	}
	return out.URL, nil
}

func (c *Client) deleteFile(ctx context.Context, fileID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/files/"+url.PathEscape(fileID), nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &resilience.StatusError{
			Dependency: resilience.DepOCR,
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
