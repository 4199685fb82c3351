package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	OCR      OCRConfig
	Ollama   OllamaConfig
	Analysis AnalysisConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir   string
	Backend   string
	GCSBucket string
}

type OCRConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
	// RerankModel re-scores search hits when set.
	RerankModel string
}

type AnalysisConfig struct {
	Backend       string
	VertexProject string
	VertexRegion  string
	VertexModel   string
}

type PipelineConfig struct {
	IndexTimeout     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	OCRConcurrency   int
	ModelConcurrency int
	IndexConcurrency int
	RerankTimeout    time.Duration
}

type LogConfig struct {
	Level string
}

// Storage and analysis backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendOllama = "ollama"
	BackendVertex = "vertex"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: BackendLocal,
		},
		OCR: OCRConfig{
			BaseURL: "https://api.mistral.ai",
			Model:   "mistral-ocr-latest",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Analysis: AnalysisConfig{
			Backend:      BackendOllama,
			VertexRegion: "us-central1",
			VertexModel:  "gemini-2.5-flash",
		},
		Pipeline: PipelineConfig{
			IndexTimeout:     5 * time.Minute,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			OCRConcurrency:   4,
			ModelConcurrency: 4,
			IndexConcurrency: 4,
			RerankTimeout:    5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at ConfigFilePath, then
// applies DOCKET_* environment overrides. Secrets come from the environment
// or, failing that, from secrets.json in the default data directory.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), defaultSecretsFile())
}

func loadWith(b ConfigBackend, secrets secretSource) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Backend {
	case BackendLocal:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required when storage.backend is gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q", BackendLocal, BackendGCS, c.Storage.Backend))
	}
	switch c.Analysis.Backend {
	case BackendOllama:
	case BackendVertex:
		if c.Analysis.VertexProject == "" {
			errs = append(errs, errors.New("analysis.vertex_project is required when analysis.backend is vertex"))
		}
	default:
		errs = append(errs, fmt.Errorf("analysis.backend must be %q or %q, got %q", BackendOllama, BackendVertex, c.Analysis.Backend))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	if c.Pipeline.BreakerThreshold <= 0 {
		errs = append(errs, errors.New("pipeline.breaker_threshold must be positive"))
	}
	return errors.Join(errs...)
}

// RequireServe reports settings the server cannot start without.
func (c Config) RequireServe() error {
	if c.Server.APIToken == "" {
		return errors.New("missing required config: API token. Set it via environment variable DOCKET_API_TOKEN or server.api_token in " + defaultSecretsFile().path)
	}
	return nil
}
