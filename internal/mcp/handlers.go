package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/pdf-rag-server/internal/retrieval"
	"github.com/bull/pdf-rag-server/internal/storage"
)

// retrieveOptions applies the service defaults to omitted inputs.
func retrieveOptions(svc Service, maxResults int, minScore *float64, documentID string) retrieval.RetrieveOptions {
	opts := svc.DefaultRetrieveOptions()
	if maxResults > 0 {
		opts.K = maxResults
	}
	if minScore != nil {
		opts.Threshold = *minScore
	}
	opts.DocumentID = documentID
	return opts
}

func toChunkResult(c *storage.Chunk, similarity float64) ChunkResult {
	return ChunkResult{
		ChunkID:    c.ID,
		DocumentID: c.DocumentID,
		SourceFile: c.SourceFile(),
		Page:       c.PageNumber,
		ChunkIndex: c.ChunkIndex,
		Similarity: similarity,
		Content:    c.Content,
	}
}

func toSummary(s retrieval.Summary) RetrievalSummary {
	return RetrievalSummary{
		ChunksRetrieved: s.ChunksRetrieved,
		AvgSimilarity:   s.MeanSimilarity,
		Threshold:       s.Threshold,
	}
}

// resolveIngestPath confines path to root. Relative paths are taken relative to root and
// symlinks are resolved before the check. An empty root accepts path unchanged.
func resolveIngestPath(root, path string) (string, error) {
	if root == "" {
		return path, nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving ingest root: %w", err)
	}
	if real, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = real
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)
	if real, err := filepath.EvalSymlinks(target); err == nil {
		target = real
	}

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideIngestRoot, path)
	}
	return target, nil
}

// makeIngestHandler creates the ingest_file tool handler.
func makeIngestHandler(svc Service, root string) func(
	context.Context, *mcp.CallToolRequest, IngestFileInput,
) (*mcp.CallToolResult, IngestFileOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IngestFileInput) (
		*mcp.CallToolResult, IngestFileOutput, error,
	) {
		if strings.TrimSpace(input.Path) == "" {
			return nil, IngestFileOutput{}, fmt.Errorf("path is required")
		}
		path, err := resolveIngestPath(root, input.Path)
		if err != nil {
			return nil, IngestFileOutput{}, err
		}

		res, err := svc.IngestFile(ctx, path, retrieval.IngestOptions{
			DocumentID: input.DocumentID,
			Replace:    input.Replace,
		})
		if err != nil {
			return nil, IngestFileOutput{}, fmt.Errorf("ingest failed: %w", err)
		}

		return nil, IngestFileOutput{
			DocumentID:   res.DocumentID,
			SourceFile:   res.SourceFile,
			PageCount:    res.PageCount,
			ChunkCount:   res.ChunkCount,
			FailedChunks: len(res.Failed),
			Removed:      res.Removed,
			DurationMS:   res.Duration.Milliseconds(),
		}, nil
	}
}

// makeSearchHandler creates the search_chunks tool handler.
// Search flow:
// 1. Embed the query
// 2. Rank chunks by cosine similarity, dropping those below min_score
// 3. Return up to max_results chunks with their sources
func makeSearchHandler(svc Service) func(
	context.Context, *mcp.CallToolRequest, SearchChunksInput,
) (*mcp.CallToolResult, SearchChunksOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchChunksInput) (
		*mcp.CallToolResult, SearchChunksOutput, error,
	) {
		opts := retrieveOptions(svc, input.MaxResults, input.MinScore, input.DocumentID)
		r, err := svc.Retrieve(ctx, input.Query, opts)
		if err != nil {
			return nil, SearchChunksOutput{}, fmt.Errorf("search failed: %w", err)
		}

		results := make([]ChunkResult, 0, len(r.Results))
		for _, res := range r.Results {
			results = append(results, toChunkResult(res.Chunk, res.Similarity))
		}

		out := SearchChunksOutput{Results: results, Summary: toSummary(r.Summary)}
		if len(results) == 0 {
			out.Message = "No matching chunks found. Try broader search terms or a lower min_score."
		}
		return nil, out, nil
	}
}

// makeAskHandler creates the ask tool handler.
func makeAskHandler(svc Service) func(
	context.Context, *mcp.CallToolRequest, AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskInput) (
		*mcp.CallToolResult, AskOutput, error,
	) {
		opts := retrieveOptions(svc, input.MaxResults, input.MinScore, input.DocumentID)
		res, err := svc.Ask(ctx, input.Question, opts)
		if err != nil {
			return nil, AskOutput{}, fmt.Errorf("ask failed: %w", err)
		}

		sources := make([]AnswerSource, 0, len(res.Answer.Sources))
		for _, s := range res.Answer.Sources {
			sources = append(sources, AnswerSource{File: s.File, Page: s.Page, Similarity: s.Similarity})
		}

		return nil, AskOutput{
			Answer:  res.Answer.Text,
			Model:   res.Answer.Model,
			Sources: sources,
			Usage: TokenUsage{
				InputTokens:  res.Answer.Usage.InputTokens,
				OutputTokens: res.Answer.Usage.OutputTokens,
				TotalTokens:  res.Answer.Usage.TotalTokens,
			},
			ContextChunksUsed: res.Answer.ContextChunksUsed,
			Summary:           toSummary(res.Retrieval.Summary),
			Timings: Timings{
				RetrievalMS:  res.Timings.Retrieval.Milliseconds(),
				GenerationMS: res.Timings.Generation.Milliseconds(),
				TotalMS:      res.Timings.Total.Milliseconds(),
			},
		}, nil
	}
}

// makeDeleteHandler creates the delete_document tool handler.
// Deleting an unknown document is not an error; it reports found=false.
func makeDeleteHandler(svc Service) func(
	context.Context, *mcp.CallToolRequest, DeleteDocumentInput,
) (*mcp.CallToolResult, DeleteDocumentOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input DeleteDocumentInput) (
		*mcp.CallToolResult, DeleteDocumentOutput, error,
	) {
		if input.DocumentID == "" {
			return nil, DeleteDocumentOutput{}, fmt.Errorf("document_id is required")
		}
		n, err := svc.DeleteDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, DeleteDocumentOutput{}, fmt.Errorf("failed to delete document: %w", err)
		}
		return nil, DeleteDocumentOutput{
			DocumentID:    input.DocumentID,
			DeletedChunks: n,
			Found:         n > 0,
		}, nil
	}
}

// makeListChunksHandler creates the list_document_chunks tool handler.
func makeListChunksHandler(svc Service) func(
	context.Context, *mcp.CallToolRequest, ListDocumentChunksInput,
) (*mcp.CallToolResult, ListDocumentChunksOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentChunksInput) (
		*mcp.CallToolResult, ListDocumentChunksOutput, error,
	) {
		if input.DocumentID == "" {
			return nil, ListDocumentChunksOutput{}, fmt.Errorf("document_id is required")
		}
		chunks, err := svc.DocumentChunks(ctx, input.DocumentID)
		if err != nil {
			return nil, ListDocumentChunksOutput{}, fmt.Errorf("failed to list chunks: %w", err)
		}

		out := make([]ChunkResult, 0, len(chunks))
		for _, c := range chunks {
			out = append(out, toChunkResult(c, 0))
		}
		return nil, ListDocumentChunksOutput{
			DocumentID: input.DocumentID,
			Chunks:     out,
			Count:      len(out),
		}, nil
	}
}

// makeStatusHandler creates the get_index_status tool handler.
func makeStatusHandler(svc Service, backend, model string) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		stats, err := svc.Stats(ctx)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("storage_error: failed to get stats: %w", err)
		}

		docs := make([]DocumentStatus, 0, len(stats.Documents))
		for _, d := range stats.Documents {
			docs = append(docs, DocumentStatus{
				DocumentID:       d.DocumentID,
				SourceFile:       d.SourceFile,
				ChunkCount:       d.ChunkCount,
				PageCount:        d.PageCount,
				ExtractionMethod: d.ExtractionMethod,
				CreatedAt:        d.CreatedAt.UTC().Truncate(time.Second),
			})
		}

		return nil, StatusOutput{
			TotalDocuments: stats.TotalDocuments,
			TotalChunks:    stats.TotalChunks,
			Documents:      docs,
			StorageBackend: backend,
			EmbeddingModel: model,
		}, nil
	}
}
