package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
	// check rejects values that can never be valid on their own.
	check func(v any) error
}

// parse converts a raw string into the key's typed value.
func (s keySpec) parse(raw string) (any, error) {
	var v any
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		v = i
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration value for %s: %w", s.key, err)
		}
		v = d
	default:
		v = raw
	}
	if s.check != nil {
		if err := s.check(v); err != nil {
			return nil, fmt.Errorf("%s: %w", s.key, err)
		}
	}
	return v, nil
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func oneOf(allowed ...string) func(v any) error {
	return func(v any) error {
		got := strings.ToLower(v.(string))
		for _, a := range allowed {
			if got == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %s, got %q", strings.Join(allowed, ", "), v)
	}
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCKET_SERVER_PORT",
		check: func(v any) error {
			if p := v.(int); p <= 0 || p > 65535 {
				return fmt.Errorf("port %d out of range", p)
			}
			return nil
		},
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCKET_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCKET_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "DOCKET_STORAGE_BACKEND",
		check:   oneOf(BackendLocal, BackendGCS),
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.gcs_bucket", typ: kString, env: "DOCKET_STORAGE_GCS_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Storage.GCSBucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.GCSBucket },
	},
	{
		key: "ocr.base_url", typ: kString, env: "DOCKET_OCR_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OCR.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.BaseURL },
	},
	{
		key: "ocr.model", typ: kString, env: "DOCKET_OCR_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OCR.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.Model },
	},
	{
		key: "ocr.api_key", typ: kString, env: "DOCKET_OCR_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OCR.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OCR.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCKET_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "DOCKET_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DOCKET_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.rerank_model", typ: kString, env: "DOCKET_OLLAMA_RERANK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RerankModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.RerankModel },
	},
	{
		key: "analysis.backend", typ: kString, env: "DOCKET_ANALYSIS_BACKEND",
		check:   oneOf(BackendOllama, BackendVertex),
		apply:   func(cfg *Config, v any) { cfg.Analysis.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.Backend },
	},
	{
		key: "analysis.vertex_project", typ: kString, env: "DOCKET_ANALYSIS_VERTEX_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.Analysis.VertexProject = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.VertexProject },
	},
	{
		key: "analysis.vertex_region", typ: kString, env: "DOCKET_ANALYSIS_VERTEX_REGION",
		apply:   func(cfg *Config, v any) { cfg.Analysis.VertexRegion = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.VertexRegion },
	},
	{
		key: "analysis.vertex_model", typ: kString, env: "DOCKET_ANALYSIS_VERTEX_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Analysis.VertexModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Analysis.VertexModel },
	},
	{
		key: "pipeline.index_timeout", typ: kDuration, env: "DOCKET_PIPELINE_INDEX_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.IndexTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.IndexTimeout },
	},
	{
		key: "pipeline.breaker_threshold", typ: kInt, env: "DOCKET_PIPELINE_BREAKER_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BreakerThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.BreakerThreshold },
	},
	{
		key: "pipeline.breaker_cooldown", typ: kDuration, env: "DOCKET_PIPELINE_BREAKER_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.BreakerCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.BreakerCooldown },
	},
	{
		key: "pipeline.ocr_concurrency", typ: kInt, env: "DOCKET_PIPELINE_OCR_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.OCRConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.OCRConcurrency },
	},
	{
		key: "pipeline.model_concurrency", typ: kInt, env: "DOCKET_PIPELINE_MODEL_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ModelConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ModelConcurrency },
	},
	{
		key: "pipeline.index_concurrency", typ: kInt, env: "DOCKET_PIPELINE_INDEX_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.IndexConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.IndexConcurrency },
	},
	{
		key: "pipeline.rerank_timeout", typ: kDuration, env: "DOCKET_PIPELINE_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.RerankTimeout },
	},
	{
		key: "log.level", typ: kString, env: "DOCKET_LOG_LEVEL",
		check:   oneOf("debug", "info", "warn", "error"),
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
