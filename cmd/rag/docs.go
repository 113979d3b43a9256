package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete documents and all their chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				n, err := a.Orchestrator.DeleteDocument(ctx, id)
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not found\n", id)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %d chunks\n", id, n)
			}
			return nil
		},
	}
}

func newChunksCmd(opts *options) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "chunks <document-id>",
		Short: "List a document's chunks in reading order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			chunks, err := a.Orchestrator.DocumentChunks(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(chunks) == 0 {
				fmt.Fprintf(out, "%s: not found\n", args[0])
				return nil
			}
			for _, c := range chunks {
				content := preview(c.Content, 120)
				if full {
					content = c.Content
				}
				fmt.Fprintf(out, "p.%d #%d  %s\n  %s\n", c.PageNumber, c.ChunkIndex, c.ID, content)
			}
			fmt.Fprintf(out, "\n%d chunks\n", len(chunks))
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print full chunk content")
	return cmd
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Orchestrator.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend: %s\n", a.Config.Storage.Backend)
			fmt.Fprintf(out, "Embedding model: %s (%d dimensions)\n", a.Embedder.Model(), a.Embedder.Dimension())
			fmt.Fprintf(out, "Documents: %d\n", stats.TotalDocuments)
			fmt.Fprintf(out, "Chunks: %d\n", stats.TotalChunks)
			for _, d := range stats.Documents {
				fmt.Fprintf(out, "  - %s  %s  %d pages, %d chunks, %s, %s\n",
					d.DocumentID, d.SourceFile, d.PageCount, d.ChunkCount, d.ExtractionMethod,
					d.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}
