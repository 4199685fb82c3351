package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docket/internal/analysis"
	"github.com/kalambet/docket/internal/api"
	"github.com/kalambet/docket/internal/artifact"
	"github.com/kalambet/docket/internal/config"
	"github.com/kalambet/docket/internal/extract"
	"github.com/kalambet/docket/internal/indexer"
	"github.com/kalambet/docket/internal/ingest"
	"github.com/kalambet/docket/internal/intake"
	"github.com/kalambet/docket/internal/manifest"
	"github.com/kalambet/docket/internal/ocr"
	"github.com/kalambet/docket/internal/ollama"
	"github.com/kalambet/docket/internal/progress"
	"github.com/kalambet/docket/internal/reranking"
	"github.com/kalambet/docket/internal/resilience"
	"github.com/kalambet/docket/internal/retrieval"
	"github.com/kalambet/docket/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intake server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), host, withMCP)
	},
}

func init() {
	serveCmd.Flags().String("host", "127.0.0.1", "interface to listen on")
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

// rerankThreshold drops hits the rerank model rates as unrelated.
const rerankThreshold = 0.2

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// closer runs deferred cleanups in reverse and reports failures as warnings.
type closer []func() error

func (c *closer) add(fn func() error) { *c = append(*c, fn) }

func (c closer) close(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("closing resource", "error", err)
		}
	}
}

func openArtifacts(ctx context.Context, cfg config.Config, cleanup *closer) (*artifact.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendGCS:
		g, err := artifact.NewGCS(ctx, cfg.Storage.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("opening gcs bucket %s: %w", cfg.Storage.GCSBucket, err)
		}
		cleanup.add(g.Close)
		return artifact.New(g), nil
	default:
		fs, err := artifact.NewFS(filepath.Join(cfg.Storage.DataDir, "artifacts"))
		if err != nil {
			return nil, err
		}
		return artifact.New(fs), nil
	}
}

func openModel(ctx context.Context, cfg config.Config, client *ollama.Client, cleanup *closer) (analysis.Model, error) {
	if cfg.Analysis.Backend == config.BackendVertex {
		m, err := analysis.NewVertexModel(ctx, cfg.Analysis.VertexProject, cfg.Analysis.VertexRegion, cfg.Analysis.VertexModel)
		if err != nil {
			return nil, fmt.Errorf("creating vertex model: %w", err)
		}
		cleanup.add(m.Close)
		return m, nil
	}
	return analysis.NewOllamaModel(client, cfg.Ollama.ChatModel), nil
}

func newGuards(cfg config.PipelineConfig, logger *slog.Logger) resilience.Guards {
	breaker := []resilience.BreakerOption{
		resilience.WithThreshold(cfg.BreakerThreshold),
		resilience.WithCooldown(cfg.BreakerCooldown),
	}
	guard := func(name string, concurrency int) *resilience.Guard {
		return resilience.NewGuard(name, resilience.GuardConfig{
			Concurrency: concurrency,
			Breaker:     breaker,
			Logger:      logger,
		})
	}
	return resilience.Guards{
		OCR:           guard(resilience.DepOCR, cfg.OCRConcurrency),
		Summarization: guard(resilience.DepSummarization, cfg.ModelConcurrency),
		Search:        guard(resilience.DepSearch, cfg.IndexConcurrency),
	}
}

func runServer(parent context.Context, host string, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "docket version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireServe(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closer
	defer func() { cleanup.close(logger) }()

	// Local models: embeddings always, chat only when analysis runs on Ollama.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	chatModel := cfg.Ollama.ChatModel
	if cfg.Analysis.Backend == config.BackendVertex {
		chatModel = ""
	}
	if err := ollama.EnsureReady(ctx, ollamaClient, chatModel, cfg.Ollama.EmbedModel, os.Stderr, cfg.Ollama.RerankModel); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	cleanup.add(store.Close)

	artifacts, err := openArtifacts(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	model, err := openModel(ctx, cfg, ollamaClient, &cleanup)
	if err != nil {
		return err
	}

	guards := newGuards(cfg.Pipeline, logger)

	embedder := retrieval.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel)
	vectors := retrieval.NewSQLiteStore(store.DB())
	search := retrieval.NewService(store, vectors, embedder, logger)
	if cfg.Ollama.RerankModel != "" {
		search.WithReranker(reranking.New(ollamaClient, cfg.Ollama.RerankModel, cfg.Pipeline.RerankTimeout, rerankThreshold, logger))
	}

	broker := progress.NewBroker(logger)
	manifests := manifest.NewBuilder(store, artifacts, logger)

	orch := intake.New(intake.Deps{
		Documents: store,
		Artifacts: artifacts,
		Extractor: extract.NewRouter(ocr.New(cfg.OCR.BaseURL, cfg.OCR.APIKey, cfg.OCR.Model), guards.OCR, logger),
		Analyzer:  analysis.NewService(model, guards.Summarization, logger),
		Indexer: indexer.New(search, store, guards.Search, indexer.Config{
			Timeout: cfg.Pipeline.IndexTimeout,
			Logger:  logger,
		}),
		Manifests: manifests,
		Search:    search,
		Notifier:  broker,
		Logger:    logger,
	})

	worker := ingest.NewWorker(store, embedder, vectors, 500*time.Millisecond).WithLogger(logger)
	go worker.Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Documents: store,
			Manifests: manifests,
			Search:    search,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Intake:    orch,
			Documents: store,
			Manifests: manifests,
			Search:    search,
			Artifacts: artifacts,
			Events:    broker,
			Token:     cfg.Server.APIToken,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docket listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		printWarning("documents still processing at exit stay in their current status")
		return err
	}
	return nil
}
