// Maestro server. Plans missions into task DAGs, drives the ReAct loop
// over them, and exposes the HTTP/SSE and WebSocket surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openfleet/maestro/pkg/api"
	"github.com/openfleet/maestro/pkg/config"
	"github.com/openfleet/maestro/pkg/events"
	"github.com/openfleet/maestro/pkg/executor"
	"github.com/openfleet/maestro/pkg/llm"
	"github.com/openfleet/maestro/pkg/state"
	"github.com/openfleet/maestro/pkg/tool"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configPath := flag.String("config",
		getEnv("MAESTRO_CONFIG", "./config.yaml"),
		"Path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath,
		"model", cfg.LLM.Model, "postgres", cfg.Database.Enabled())

	ctx := context.Background()

	// State store: Postgres when configured, in-memory otherwise.
	var (
		store   state.Store
		pgStore *state.PostgresStore
	)
	if cfg.Database.Enabled() {
		pgStore, err = state.NewPostgresStore(ctx, state.PostgresOptions{
			URL:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
			Logger:   logger,
		})
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		store = pgStore
		logger.Info("connected to postgres")
	} else {
		store = state.NewMemoryStore()
		logger.Warn("no database configured, session state is in-memory only")
	}
	defer store.Close()

	client := llm.NewOpenAIClient(llm.OpenAIOptions{
		APIKey:      os.Getenv(cfg.LLM.APIKeyEnv),
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
		MaxRetries:  cfg.LLM.MaxRetries,
		Logger:      logger,
	})

	registry := tool.NewRegistry()
	registerBuiltinTools(registry)

	// Event fan-out: with Postgres, events persist and broadcast through
	// pg_notify to a dedicated LISTEN connection; without it the SSE
	// streams still work but /ws is unavailable.
	var (
		publisher events.Publisher = events.NopPublisher{}
		manager   *events.ConnectionManager
		listener  *events.NotifyListener
	)
	if pgStore != nil {
		pgPublisher := events.NewPostgresPublisher(pgStore.Pool(), logger)
		publisher = pgPublisher

		manager = events.NewConnectionManager(pgPublisher, 10*time.Second, logger)
		listener = events.NewNotifyListener(cfg.Database.URL, manager, logger)
		if err := listener.Start(ctx); err != nil {
			logger.Error("failed to start notify listener", "error", err)
			os.Exit(1)
		}
		manager.SetListener(listener)
		logger.Info("event fan-out initialized")
	}

	exec := executor.New(executor.Options{
		Client:           client,
		Registry:         registry,
		Store:            store,
		Engine:           cfg.Engine,
		Model:            cfg.LLM.Model,
		CompressionModel: cfg.LLM.CompressionModel,
		Publisher:        publisher,
		Logger:           logger,
	})

	server := api.NewServer(api.Options{
		Engine:  exec,
		Store:   store,
		Manager: manager,
		Config:  cfg.Server,
		Logger:  logger,
	})

	// Background retention sweep.
	retentionCtx, stopRetention := context.WithCancel(ctx)
	defer stopRetention()
	go runRetention(retentionCtx, store, cfg.Retention, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error triggered shutdown", "error", err)
	}

	stopRetention()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if listener != nil {
		listener.Stop(ctx)
	}
	logger.Info("shutdown complete")
}

// runRetention periodically deletes sessions untouched for longer than the
// configured TTL, plans and events included.
func runRetention(ctx context.Context, store state.Store, cfg config.RetentionConfig, logger *slog.Logger) {
	if cfg.SessionTTL <= 0 || cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.SessionTTL)
			removed, err := store.Cleanup(ctx, cutoff)
			if err != nil {
				logger.Warn("retention cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("retention cleanup", "sessions_removed", removed)
			}
		}
	}
}
