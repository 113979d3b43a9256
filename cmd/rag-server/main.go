// Package main provides the MCP server entry point for the document index.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/bull/pdf-rag-server/internal/app"
	"github.com/bull/pdf-rag-server/internal/config"
	"github.com/bull/pdf-rag-server/internal/logging"
	mcpserver "github.com/bull/pdf-rag-server/internal/mcp"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	flag.Parse()

	// Load .env file if present (local development), ignore if missing (production)
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Stdout carries the stdio transport, so logs always go to stderr.
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := mcpserver.NewServer(&mcpserver.Config{
		Service:        a.Orchestrator,
		StorageBackend: cfg.Storage.Backend,
		EmbeddingModel: a.Embedder.Model(),
		IngestRoot:     cfg.Server.IngestRoot,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if cfg.Server.HTTP && cfg.Server.IngestRoot == "" {
		logger.Warn("INGEST_ROOT is not set: ingest_file can read any file the server can access")
	}

	mux := mcpserver.NewMux(server, mcpserver.NewHealthHandler(a.Repo, cfg.Storage.Backend), nil)
	httpServer := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if cfg.Server.HTTP {
			logger.Info("Starting HTTP server", "addr", httpServer.Addr, "mcp", "/mcp", "health", "/health")
		} else {
			// Stdio mode still serves /health for local testing
			logger.Info("Starting health server", "addr", httpServer.Addr)
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if cfg.Server.HTTP {
				return err
			}
			logger.Warn("Health server error", "error", err)
		}
		return nil
	})

	if !cfg.Server.HTTP {
		g.Go(func() error {
			// The client disconnecting ends the process.
			defer stop()
			return server.Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdown(httpServer, logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func shutdown(s *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
}
