package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kalambet/docket/internal/resilience"
)

// VertexModel runs the analysis prompt against a Gemini model on Vertex AI.
type VertexModel struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewVertexModel connects to Vertex AI and configures the model for JSON
// output.
func NewVertexModel(ctx context.Context, projectID, region, modelName string) (*VertexModel, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexModel: projectID and region cannot be empty")
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	return &VertexModel{client: client, model: model}, nil
}

// Generate implements Model.
func (m *VertexModel) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := m.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classifyVertexError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("vertex returned an empty response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String(), nil
}

// Close releases the underlying client.
func (m *VertexModel) Close() error {
	return m.client.Close()
}

// grpcHTTPCodes maps the gRPC codes Vertex returns onto HTTP equivalents
// so the retry policy can classify them.
var grpcHTTPCodes = map[codes.Code]int{
	codes.Unavailable:       http.StatusServiceUnavailable,
	codes.ResourceExhausted: http.StatusTooManyRequests,
	codes.DeadlineExceeded:  http.StatusGatewayTimeout,
	codes.Internal:          http.StatusInternalServerError,
	codes.Unknown:           http.StatusInternalServerError,
	codes.Unauthenticated:   http.StatusUnauthorized,
	codes.PermissionDenied:  http.StatusForbidden,
	codes.InvalidArgument:   http.StatusBadRequest,
	codes.NotFound:          http.StatusNotFound,
}

func classifyVertexError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	code, known := grpcHTTPCodes[st.Code()]
	if !known {
		return err
	}
	return &resilience.StatusError{Dependency: resilience.DepSummarization, Code: code, Body: st.Message()}
}
