package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/internal/search"
	"github.com/loomworks/loom/internal/service/embedding"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/telemetry"
	"github.com/loomworks/loom/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOOM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("loom starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// The vector columns are fixed-width; a dimensions mismatch would
	// dead-letter every embedding write, so refuse to start on one.
	schemaDims, err := db.EmbeddingDimensions(ctx)
	if err != nil {
		return fmt.Errorf("schema embedding dimensions: %w", err)
	}
	if schemaDims != cfg.EmbeddingDimensions {
		return fmt.Errorf("LOOM_EMBEDDING_DIMENSIONS is %d but the schema stores vector(%d)",
			cfg.EmbeddingDimensions, schemaDims)
	}

	// Embedding provider and Qdrant index.
	embedder := newEmbeddingProvider(cfg, logger)

	qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	defer func() { _ = qdrantIndex.Close() }()

	if err := qdrantIndex.Healthy(ctx); err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	if err := qdrantIndex.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}

	// Re-enqueue any units that lost their vectors (e.g. the provider was
	// previously noop). Runs once at startup, non-fatal.
	if n, err := db.BackfillMissingEmbeddings(ctx, 500); err != nil {
		logger.Warn("embedding backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("embedding backfill enqueued", "count", n)
	}

	// Outbox worker keeps the Postgres embedding cache and Qdrant in sync.
	outboxWorker := search.NewOutboxWorker(db.Pool(), qdrantIndex, embedder, logger, cfg.OutboxPollInterval, 50)
	outboxWorker.Start(ctx)

	// Oracle, pipeline, sweeper.
	orc := oracle.NewOpenAIOracle(cfg.OracleAPIKey, cfg.OracleBaseURL, cfg.OracleModel, logger)
	router := pipeline.NewRouter(embedder, qdrantIndex)
	pipe := pipeline.New(db, orc, router, cfg.BatchSize, cfg.BufferCapacity, logger)

	sweeper := pipeline.NewSweeper(pipe, cfg.SweepInterval, logger)
	sweeper.Start(ctx)

	// Ingest newline-delimited JSON events from stdin. The capture agent
	// pipes into loomd; transport layers beyond that are out of scope.
	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		ingestLoop(ctx, pipe, os.Stdin, logger)
	}()

	select {
	case <-ctx.Done():
	case <-ingestDone:
		logger.Info("loom: event input closed")
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop ingesting,
	// (2) stop the sweeper so no sweep runs concurrently with the drain,
	// (3) flush ready batches and wait for in-flight cascades, (4) sync
	// remaining outbox entries to Qdrant.
	slog.Info("loom shutting down")

	sweeper.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pipe.Drain(drainCtx); err != nil {
		slog.Error("pipeline drain error", "error", err)
	}
	drainCancel()

	outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	outboxWorker.Drain(outboxCtx)
	outboxCancel()

	slog.Info("loom stopped")
	return nil
}

// ingestLoop feeds stdin events into the pipeline until EOF or cancellation.
// Bad lines are logged and skipped; a full buffer drops the event with a log
// so the reader never stalls the capture agent.
func ingestLoop(ctx context.Context, pipe *pipeline.Pipeline, r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event model.RawEvent
		if err := json.Unmarshal(line, &event); err != nil {
			logger.Warn("ingest: bad event line skipped", "error", err)
			continue
		}

		result, err := pipe.Ingest(ctx, event)
		if errors.Is(err, pipeline.ErrBufferFull) {
			logger.Warn("ingest: event dropped, buffer full", "user_id", event.UserID)
			continue
		}
		if err != nil {
			logger.Error("ingest: event rejected", "user_id", event.UserID, "error", err)
			continue
		}
		if result.Flushed {
			logger.Debug("ingest: batch classified", "user_id", event.UserID, "buffered", result.BufferSize)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("ingest: read events", "error", err)
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: activity titles stay on-premises with no per-call cost.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when LOOM_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, "", cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (similarity routing disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, "", cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (similarity routing disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
