package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/pdf-rag-server/internal/app"
	"github.com/bull/pdf-rag-server/internal/retrieval"
)

// indexClearer is implemented by backends that can drop their whole index at once.
type indexClearer interface {
	ClearCollection(ctx context.Context) error
}

// clearIndex removes every stored chunk.
func clearIndex(ctx context.Context, a *app.App) error {
	if c, ok := a.Repo.(indexClearer); ok {
		return c.ClearCollection(ctx)
	}
	stats, err := a.Orchestrator.Stats(ctx)
	if err != nil {
		return err
	}
	for _, d := range stats.Documents {
		if _, err := a.Orchestrator.DeleteDocument(ctx, d.DocumentID); err != nil {
			return err
		}
	}
	return nil
}

func printBatch(w io.Writer, result *retrieval.BatchResult) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ingest complete!")
	fmt.Fprintf(w, "  Documents: %d/%d\n", result.SuccessfulDocs, result.TotalDocs)
	fmt.Fprintf(w, "  Chunks: %d\n", result.TotalChunks)
	fmt.Fprintf(w, "  Duration: %s\n", result.Duration.Round(time.Millisecond))
	if result.CommitSHA != "" {
		fmt.Fprintf(w, "  Commit: %s\n", result.CommitSHA)
	}

	if len(result.Documents) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Indexed documents:")
		for _, d := range result.Documents {
			fmt.Fprintf(w, "  - %s  %s (%d pages, %d chunks", d.DocumentID, d.SourceFile, d.PageCount, d.ChunkCount)
			if len(d.Failed) > 0 {
				fmt.Fprintf(w, ", %d failed", len(d.Failed))
			}
			fmt.Fprintln(w, ")")
		}
	}

	if len(result.FailedDocs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Failed documents:")
		for _, failed := range result.FailedDocs {
			fmt.Fprintf(w, "  - %s [%s]: %s\n", failed.Path, failed.Stage, failed.Reason)
		}
	}
}

func newIngestCmd(opts *options) *cobra.Command {
	var replace bool
	var documentID string

	cmd := &cobra.Command{
		Use:   "ingest <file-or-dir>...",
		Short: "Index PDF and markdown files",
		Long: `Extracts text from each file, splits it into overlapping chunks, embeds the chunks
and stores them. Directories are walked recursively for .pdf, .md and .markdown files.

Document ids are derived from file content, so ingesting an unchanged file again
overwrites its chunks in place. Use --replace to also drop chunks left over from a
previous chunking configuration.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			ingestOpts := retrieval.IngestOptions{Replace: replace}

			if documentID != "" {
				if len(args) != 1 {
					return fmt.Errorf("--id requires exactly one file")
				}
				ingestOpts.DocumentID = documentID
				res, err := a.Orchestrator.IngestFile(ctx, args[0], ingestOpts)
				if err != nil {
					return err
				}
				printBatch(out, &retrieval.BatchResult{
					TotalDocs:      1,
					SuccessfulDocs: 1,
					TotalChunks:    res.ChunkCount,
					Documents:      []*retrieval.IngestResult{res},
					Duration:       res.Duration,
				})
				return nil
			}

			result, err := a.Orchestrator.IngestPaths(ctx, args, ingestOpts)
			if err != nil {
				return err
			}
			printBatch(out, result)
			if result.SuccessfulDocs == 0 && result.TotalDocs > 0 {
				return fmt.Errorf("no documents were indexed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "remove chunks left over from a previous version of each document")
	cmd.Flags().StringVar(&documentID, "id", "", "document id to use instead of the content-derived one (single file only)")
	return cmd
}

func newIngestGitHubCmd(opts *options) *cobra.Command {
	var basePath, ref string
	var replace, clearFirst bool

	cmd := &cobra.Command{
		Use:   "ingest-github <owner/repo>",
		Short: "Index PDF and markdown files from a GitHub repository",
		Long: `Downloads every PDF and markdown file under --path at --ref and indexes it.
The commit SHA of the path is recorded on each chunk.

With --clear the existing index is removed first, rebuilding it from the latest commit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, repo, ok := strings.Cut(args[0], "/")
			if !ok || owner == "" || repo == "" {
				return fmt.Errorf("repository must be owner/repo, got %q", args[0])
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			fetcher, err := a.GitHubFetcher(owner, repo, basePath, ref)
			if err != nil {
				return err
			}

			if clearFirst {
				fmt.Fprintln(out, "Clearing existing index...")
				if err := clearIndex(ctx, a); err != nil {
					return fmt.Errorf("clear index: %w", err)
				}
			}

			fmt.Fprintf(out, "Indexing documents from %s...\n", fetcher.Repository())
			result, err := a.Orchestrator.IngestRemote(ctx, fetcher, retrieval.IngestOptions{Replace: replace})
			if err != nil {
				return err
			}
			printBatch(out, result)
			return nil
		},
	}
	cmd.Flags().StringVar(&basePath, "path", "", "directory inside the repository")
	cmd.Flags().StringVar(&ref, "ref", "", "branch, tag or commit (default branch when empty)")
	cmd.Flags().BoolVar(&replace, "replace", false, "remove chunks left over from a previous version of each document")
	cmd.Flags().BoolVar(&clearFirst, "clear", false, "remove the whole index before indexing")
	return cmd
}
