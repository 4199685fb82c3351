// Package reranking re-scores semantic search hits with a local chat model.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docket/internal/ollama"
	"github.com/kalambet/docket/internal/retrieval"
)

const defaultConcurrency = 3

// Chatter is the chat-completion subset of the Ollama client.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// LLMReranker asks a chat model how well each hit answers the query. Hits
// it cannot score keep their similarity score.
type LLMReranker struct {
	client    Chatter
	model     string
	timeout   time.Duration
	threshold float32
	logger    *slog.Logger
}

// New returns an LLMReranker. Hits scoring below threshold are dropped.
func New(client Chatter, model string, timeout time.Duration, threshold float32, logger *slog.Logger) *LLMReranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReranker{
		client:    client,
		model:     model,
		timeout:   timeout,
		threshold: threshold,
		logger:    logger,
	}
}

// Rerank scores every hit against the query and returns them sorted by the
// new score. When the timeout fires first the hits are returned unchanged.
func (r *LLMReranker) Rerank(ctx context.Context, query string, hits []retrieval.Hit) ([]retrieval.Hit, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scored := make([]retrieval.Hit, len(hits))
	copy(scored, hits)

	var mu sync.Mutex
	rescored := 0

	g, gctx := errgroup.WithContext(timeoutCtx)
	g.SetLimit(defaultConcurrency)
	for i := range scored {
		g.Go(func() error {
			score, err := r.score(gctx, query, scored[i].Text)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Debug("rerank score failed, keeping similarity", "item_id", scored[i].ItemID, "error", err)
				return nil
			}
			mu.Lock()
			scored[i].Score = score
			rescored++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("rerank timed out, keeping similarity order", "hits", len(hits), "timeout", r.timeout)
		return hits, nil
	}
	if rescored == 0 {
		return hits, nil
	}

	kept := scored[:0]
	for _, h := range scored {
		if h.Score >= r.threshold {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept, nil
}

func (r *LLMReranker) score(ctx context.Context, query, text string) (float32, error) {
	prompt := "Rate how relevant the following excerpt from a case file is to the search query, from 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Excerpt: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	schema := &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"score": {Type: "number", Description: "Relevance between 0.0 and 1.0"},
		},
		Required: []string{"score"},
	}

	resp, err := r.client.Chat(ctx, r.model, []ollama.Message{{Role: "user", Content: prompt}}, schema)
	if err != nil {
		return 0, err
	}
	return parseScore(resp)
}

// parseScore pulls {"score": x} out of a model reply, tolerating code
// fences and surrounding prose. Scores are clamped to [0, 1].
func parseScore(resp string) (float32, error) {
	s := strings.TrimSpace(resp)
	if idx := strings.Index(s, "```"); idx != -1 {
		s = strings.TrimPrefix(s[idx+3:], "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score")
	}
	return float32(min(max(*obj.Score, 0), 1)), nil
}
