package analysis

import (
	"context"

	"github.com/kalambet/docket/internal/ollama"
)

// Chatter is the chat-completion subset of the Ollama client.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// OllamaModel runs the analysis prompt against a local Ollama model with a
// JSON schema constraint.
type OllamaModel struct {
	client Chatter
	model  string
}

// NewOllamaModel creates a Model backed by the named Ollama chat model.
func NewOllamaModel(client Chatter, model string) *OllamaModel {
	return &OllamaModel{client: client, model: model}
}

// Generate implements Model.
func (m *OllamaModel) Generate(ctx context.Context, prompt string) (string, error) {
	messages := []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
	return m.client.Chat(ctx, m.model, messages, recordSchema())
}

func recordSchema() *ollama.Schema {
	list := func(desc string) ollama.SchemaProperty {
		return ollama.SchemaProperty{Type: "array", Description: desc, Items: &ollama.SchemaProperty{Type: "string"}}
	}
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"document_type":    {Type: "string", Enum: DocumentTypes},
			"confidence":       {Type: "number", Description: "Classification confidence between 0 and 1"},
			"summary":          {Type: "string", Description: "Executive summary"},
			"key_parties":      list("People and organizations involved"),
			"important_dates":  list("Dates relevant to the case"),
			"main_arguments":   list("Principal arguments"),
			"jurisdiction":     {Type: "string"},
			"authorities":      list("Statutes, rules and cases cited"),
			"critical_facts":   list("Facts a reviewing attorney must know"),
			"requested_relief": {Type: "string"},
		},
		Required: []string{"document_type", "confidence", "summary"},
	}
}
