package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/pdf-rag-server/internal/retrieval"
)

type retrieveFlags struct {
	k          int
	threshold  float64
	documentID string
	json       bool
}

func (f *retrieveFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.k, "top-k", "k", 0, "number of chunks to retrieve (default from config)")
	cmd.Flags().Float64VarP(&f.threshold, "threshold", "t", 0, "minimum similarity between 0 and 1 (default from config)")
	cmd.Flags().StringVar(&f.documentID, "document", "", "only search chunks of this document")
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON")
}

// options merges explicitly set flags over the configured defaults.
func (f *retrieveFlags) options(cmd *cobra.Command, defaults retrieval.RetrieveOptions) retrieval.RetrieveOptions {
	opts := defaults
	if cmd.Flags().Changed("top-k") {
		opts.K = f.k
	}
	if cmd.Flags().Changed("threshold") {
		opts.Threshold = f.threshold
	}
	opts.DocumentID = f.documentID
	return opts
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func newQueryCmd(opts *options) *cobra.Command {
	flags := &retrieveFlags{}

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve the chunks most similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			query := strings.Join(args, " ")
			r, err := a.Orchestrator.Retrieve(ctx, query, flags.options(cmd, a.Orchestrator.DefaultRetrieveOptions()))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.json {
				type hit struct {
					ChunkID    string  `json:"chunk_id"`
					DocumentID string  `json:"document_id"`
					SourceFile string  `json:"source_file"`
					Page       int     `json:"page_number"`
					Similarity float64 `json:"similarity"`
					Content    string  `json:"content"`
				}
				hits := make([]hit, 0, len(r.Results))
				for _, res := range r.Results {
					hits = append(hits, hit{
						ChunkID:    res.Chunk.ID,
						DocumentID: res.Chunk.DocumentID,
						SourceFile: res.Chunk.SourceFile(),
						Page:       res.Chunk.PageNumber,
						Similarity: res.Similarity,
						Content:    res.Chunk.Content,
					})
				}
				return writeJSON(out, map[string]any{
					"query":   r.Query,
					"results": hits,
					"summary": r.Summary,
				})
			}

			if len(r.Results) == 0 {
				fmt.Fprintln(out, "No matching chunks found.")
				return nil
			}
			for i, res := range r.Results {
				fmt.Fprintf(out, "%d. [%.3f] %s p.%d\n   %s\n",
					i+1, res.Similarity, res.Chunk.SourceFile(), res.Chunk.PageNumber, preview(res.Chunk.Content, 200))
			}
			fmt.Fprintf(out, "\n%d chunks, avg similarity %.3f (threshold %.2f), %s\n",
				r.Summary.ChunksRetrieved, r.Summary.MeanSimilarity, r.Summary.Threshold, r.Duration.Round(time.Millisecond))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newAskCmd(opts *options) *cobra.Command {
	flags := &retrieveFlags{}

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the indexed documents",
		Long:  "Retrieves relevant chunks and asks the chat model to answer from them. Requires OPENAI_API_KEY.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			question := strings.Join(args, " ")
			res, err := a.Orchestrator.Ask(ctx, question, flags.options(cmd, a.Orchestrator.DefaultRetrieveOptions()))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.json {
				return writeJSON(out, map[string]any{
					"query":   question,
					"answer":  res.Answer,
					"summary": res.Retrieval.Summary,
					"timings": map[string]int64{
						"retrieval_ms":  res.Timings.Retrieval.Milliseconds(),
						"generation_ms": res.Timings.Generation.Milliseconds(),
						"total_ms":      res.Timings.Total.Milliseconds(),
					},
				})
			}

			fmt.Fprintln(out, res.Answer.Text)
			if len(res.Answer.Sources) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Sources:")
				for _, s := range res.Answer.Sources {
					fmt.Fprintf(out, "  - %s, page %d (%.3f)\n", s.File, s.Page, s.Similarity)
				}
			}
			fmt.Fprintf(out, "\n%s, %d tokens, retrieval %s, generation %s\n",
				res.Answer.Model,
				res.Answer.Usage.TotalTokens,
				res.Timings.Retrieval.Round(time.Millisecond),
				res.Timings.Generation.Round(time.Millisecond))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
