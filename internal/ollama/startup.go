package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running and the summarization and
// embedding models are present, pulling missing ones with progress written
// to w. The chat model is then loaded with a trivial request so the first
// document does not pay the cold start. An empty chatModel checks only the
// embedding model. Extra models are checked and pulled the same way but not
// warmed. Returns an error only if Ollama is unreachable or a pull fails.
func EnsureReady(ctx context.Context, c *Client, chatModel, embedModel string, w io.Writer, extra ...string) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("ollama is not reachable at %s (start it with: ollama serve)", c.baseURL)
	}

	seen := make(map[string]bool)
	for _, model := range append([]string{chatModel, embedModel}, extra...) {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if chatModel == "" {
		return nil
	}
	fmt.Fprintf(w, "model %s: warming up...\n", chatModel)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := c.Chat(warmCtx, chatModel, []Message{
		{Role: "user", Content: "ping"},
	}, nil)
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", chatModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", chatModel)
	}

	return nil
}
