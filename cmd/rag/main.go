// Package main provides the rag CLI for indexing documents and querying them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/pdf-rag-server/internal/app"
	"github.com/bull/pdf-rag-server/internal/config"
	"github.com/bull/pdf-rag-server/internal/logging"
)

const envHelp = `
Environment variables (override the config file):
  STORAGE_BACKEND      memory, sqlite, bolt or qdrant (default: sqlite)
  SQLITE_PATH          SQLite database file (default: rag.db)
  BOLT_PATH            bbolt database file (default: rag.bolt)
  QDRANT_HOST          Qdrant hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  EMBEDDING_PROVIDER   openai or hash (default: openai)
  OPENAI_API_KEY       OpenAI API key for embeddings and answers
  CHUNK_SIZE           Words per chunk (default: 512)
  CHUNK_OVERLAP        Words shared by consecutive chunks (default: 50)
  GITHUB_TOKEN         GitHub token for higher rate limits (optional)`

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "rag",
		Short:         "PDF retrieval-augmented question answering",
		Long:          "CLI for indexing PDF and markdown documents and answering questions from them." + envHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")

	root.AddCommand(
		newIngestCmd(opts),
		newIngestGitHubCmd(opts),
		newQueryCmd(opts),
		newAskCmd(opts),
		newDeleteCmd(opts),
		newChunksCmd(opts),
		newStatsCmd(opts),
	)
	return root
}

// openApp loads configuration and opens the application. Logs go to stderr so command
// output stays clean.
func openApp(ctx context.Context, cmd *cobra.Command, opts *options) (*app.App, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return app.Open(ctx, cfg, logger)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
