// Package app wires the configured components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bull/pdf-rag-server/internal/answer"
	"github.com/bull/pdf-rag-server/internal/chunker"
	"github.com/bull/pdf-rag-server/internal/config"
	"github.com/bull/pdf-rag-server/internal/embedding"
	"github.com/bull/pdf-rag-server/internal/extract"
	"github.com/bull/pdf-rag-server/internal/github"
	"github.com/bull/pdf-rag-server/internal/retrieval"
	"github.com/bull/pdf-rag-server/internal/search"
	"github.com/bull/pdf-rag-server/internal/storage"
)

// App holds the long-lived components. The embedder and repository are created once
// and shared by every request.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Repo         storage.Repository
	Embedder     embedding.Embedder
	Engine       *search.Engine
	Orchestrator *retrieval.Orchestrator

	// Generator is nil when no OpenAI API key is configured.
	Generator *answer.Generator

	closeOnce sync.Once
	closeErr  error
}

// Open builds the components described by cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ch, err := chunker.New(chunker.Config{
		Size:           cfg.Chunking.Size,
		Overlap:        cfg.Chunking.Overlap,
		SplitOversized: cfg.Chunking.SplitOversized,
	}, chunker.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	var openaiClient *embedding.Client
	if cfg.OpenAIAPIKey != "" {
		openaiClient, err = embedding.NewClient(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("create OpenAI client: %w", err)
		}
	}

	embedder, err := newEmbedder(cfg, openaiClient, logger)
	if err != nil {
		return nil, err
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Repo:     repo,
		Embedder: embedder,
		Engine:   search.NewEngine(repo, search.WithLogger(logger)),
	}

	deps := retrieval.Deps{
		Chunker:   ch,
		Embedder:  embedder,
		Repo:      repo,
		Engine:    a.Engine,
		Extractor: extract.DefaultChain(logger),
	}
	if openaiClient != nil {
		a.Generator = answer.NewGenerator(openaiClient.Client(), answer.Config{
			Model:            cfg.Answer.Model,
			MaxTokens:        cfg.Answer.MaxTokens,
			Temperature:      cfg.Answer.Temperature,
			MaxContextTokens: cfg.Answer.MaxContextTokens,
		}, logger)
		deps.Answerer = a.Generator
	} else {
		logger.Warn("OPENAI_API_KEY not set, answer generation disabled")
	}

	a.Orchestrator = retrieval.New(deps, retrieval.Config{
		DefaultK:         cfg.Retrieval.DefaultK,
		DefaultThreshold: cfg.Retrieval.Threshold,
		QueryTimeout:     cfg.Retrieval.QueryTimeout,
	}, logger)

	logger.Info("Application ready",
		"storage", cfg.Storage.Backend,
		"embedding_provider", cfg.Embedding.Provider,
		"embedding_model", embedder.Model(),
		"dimension", embedder.Dimension())
	return a, nil
}

func newEmbedder(cfg *config.Config, client *embedding.Client, logger *slog.Logger) (embedding.Embedder, error) {
	switch cfg.Embedding.Provider {
	case config.ProviderHash:
		return embedding.NewHashEmbedder(cfg.Embedding.Dimension)
	case config.ProviderOpenAI:
		if client == nil {
			return nil, embedding.ErrMissingAPIKey
		}
		return embedding.NewOpenAIEmbedder(client, embedding.OpenAIConfig{
			Model:       cfg.Embedding.Model,
			Dimension:   cfg.Embedding.Dimension,
			BatchSize:   cfg.Embedding.BatchSize,
			Concurrency: cfg.Embedding.Concurrency,
		}, logger), nil
	default:
		return nil, &config.ValidationError{Field: "embedding.provider", Reason: "unknown provider " + cfg.Embedding.Provider}
	}
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	dim := cfg.Embedding.Dimension
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryRepository(dim)
	case config.BackendSQLite:
		return storage.NewSQLiteRepository(cfg.Storage.SQLitePath, dim)
	case config.BackendBolt:
		return storage.NewBoltRepository(cfg.Storage.BoltPath, dim)
	case config.BackendQdrant:
		q := cfg.Storage.Qdrant
		repo, err := storage.NewQdrantRepository(ctx, q.Host, q.Port, q.Collection, dim)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureCollection(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("ensure collection: %w", err)
		}
		return repo, nil
	default:
		return nil, &config.ValidationError{Field: "storage.backend", Reason: "unknown backend " + cfg.Storage.Backend}
	}
}

// GitHubFetcher creates a fetcher for owner/repo using the configured token.
func (a *App) GitHubFetcher(owner, repo, basePath, ref string) (*github.Fetcher, error) {
	client, err := github.NewClient(a.Config.GitHubToken)
	if err != nil {
		return nil, fmt.Errorf("create GitHub client: %w", err)
	}
	return github.NewFetcher(client, owner, repo, basePath, ref), nil
}

// Close releases the repository. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if err := a.Repo.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
			a.closeErr = fmt.Errorf("close repository: %w", err)
		}
	})
	return a.closeErr
}
