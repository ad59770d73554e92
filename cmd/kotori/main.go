package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kotori/internal/actor"
	"github.com/ashita-ai/kotori/internal/config"
	"github.com/ashita-ai/kotori/internal/eventstore"
	"github.com/ashita-ai/kotori/internal/generation"
	"github.com/ashita-ai/kotori/internal/server"
	"github.com/ashita-ai/kotori/internal/storage"
	"github.com/ashita-ai/kotori/internal/telemetry"
	"github.com/ashita-ai/kotori/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KOTORI_LOG_LEVEL") == "debug" {
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

	slog.Info("kotori starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
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

	// Event store with buffered batch writes.
	events := eventstore.New(db, logger, eventstore.Options{
		BatchSize:        cfg.EventBatchSize,
		FlushInterval:    cfg.EventFlushInterval,
		MaxEventBytes:    cfg.MaxEventBytes,
		MetadataMaxBytes: cfg.MetadataMaxBytes,
		Compression:      cfg.EventCompression,
		Retention:        cfg.EventRetention,
	})
	events.Start(ctx)

	// Actors.
	memory := actor.NewMemory(db, logger, actor.MemoryOptions{
		STMLimit:          cfg.STMLimit,
		CleanupBatchSize:  cfg.CleanupBatchSize,
		StoreRetries:      cfg.StoreRetries,
		StoreRetryDelay:   cfg.StoreRetryDelay,
		ContextMaxChars:   cfg.ContextMaxChars,
		ContextFetchLimit: cfg.ContextFetchLimit,
		CleanupTimeout:    cfg.ActorTimeout,
	})

	provider := newGenerationProvider(cfg, logger)

	coordinator := actor.NewSession(memory, provider, events, logger, actor.SessionOptions{
		ActorTimeout: cfg.ActorTimeout,
		MemoryRetry:  actor.RetryPolicy{Attempts: cfg.MemoryRetryAttempts, Delay: cfg.MemoryRetryDelay},
		DefaultMode:  cfg.DefaultMode,
	})

	srv := server.New(server.ServerConfig{
		Handlers: server.NewHandlers(server.HandlersDeps{
			Coordinator: coordinator,
			Memory:      memory,
			Events:      events,
			DB:          db,
			Logger:      logger,
			Version:     version,
		}),
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Retention sweep: periodically delete expired events, skipping the
	// exempt system and coordination types.
	g.Go(func() error {
		retentionSweepLoop(gctx, events, logger, cfg.RetentionSweepInterval)
		return nil
	})

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting new HTTP requests and drain in-flight (they
	// may still store turns and append events), (2) wait for background
	// cleanup tasks, (3) flush the event buffer to Postgres.
	slog.Info("kotori shutting down")
	phase := cfg.ShutdownTimeout / 3

	httpCtx, httpCancel := context.WithTimeout(context.Background(), phase)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	memCtx, memCancel := context.WithTimeout(context.Background(), phase)
	if err := memory.Shutdown(memCtx); err != nil {
		slog.Error("memory actor shutdown error", "error", err)
	}
	memCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), phase)
	events.Drain(drainCtx)
	drainCancel()

	_ = g.Wait()

	slog.Info("kotori stopped")
	return nil
}

func retentionSweepLoop(ctx context.Context, events *eventstore.Store, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := events.Retain(ctx)
			if err != nil {
				logger.Error("retention sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Info("retention sweep complete", "deleted", deleted)
			}
		}
	}
}

// newGenerationProvider creates a generation provider based on configuration.
// Provider selection: "anthropic", "deepseek", "echo", or "auto" (default).
// Auto mode picks Anthropic if a key is present, then DeepSeek, else echo.
func newGenerationProvider(cfg config.Config, logger *slog.Logger) generation.Provider {
	switch cfg.GenerationProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			logger.Error("ANTHROPIC_API_KEY required when KOTORI_GENERATION_PROVIDER=anthropic")
			return generation.NewEchoProvider()
		}
		logger.Info("generation provider: anthropic", "model", cfg.AnthropicModel)
		return generation.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.GenerationMaxTokens)

	case "deepseek":
		logger.Info("generation provider: deepseek", "url", cfg.DeepSeekURL, "model", cfg.DeepSeekModel)
		return generation.NewDeepSeekProvider(cfg.DeepSeekURL, cfg.DeepSeekAPIKey, cfg.DeepSeekModel, cfg.GenerationMaxTokens)

	case "echo":
		logger.Info("generation provider: echo (no API calls)")
		return generation.NewEchoProvider()

	case "auto":
		fallthrough
	default:
		if cfg.AnthropicAPIKey != "" {
			logger.Info("generation provider: anthropic (auto-detected)", "model", cfg.AnthropicModel)
			return generation.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.GenerationMaxTokens)
		}
		if cfg.DeepSeekAPIKey != "" {
			logger.Info("generation provider: deepseek (auto-detected)", "model", cfg.DeepSeekModel)
			return generation.NewDeepSeekProvider(cfg.DeepSeekURL, cfg.DeepSeekAPIKey, cfg.DeepSeekModel, cfg.GenerationMaxTokens)
		}
		logger.Warn("no generation provider configured, using echo")
		return generation.NewEchoProvider()
	}
}
