package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bull/pdf-rag-server/internal/extract"
	"github.com/bull/pdf-rag-server/internal/github"
)

// BatchResult contains statistics about a multi-document ingest.
type BatchResult struct {
	TotalDocs      int
	SuccessfulDocs int
	TotalChunks    int
	FailedDocs     []FailedDoc
	Documents      []*IngestResult
	CommitSHA      string
	Duration       time.Duration
}

// FailedDoc represents a document that failed to ingest.
type FailedDoc struct {
	Path   string
	Stage  Stage
	Reason string
}

func (r *BatchResult) record(path string, res *IngestResult, err error) {
	if err != nil {
		r.FailedDocs = append(r.FailedDocs, FailedDoc{
			Path:   path,
			Stage:  FailedStage(err),
			Reason: err.Error(),
		})
		return
	}
	r.SuccessfulDocs++
	r.TotalChunks += res.ChunkCount
	r.Documents = append(r.Documents, res)
}

// CollectFiles expands paths into the supported files they name. Directories are walked
// recursively; explicitly named files are kept even when their extension is unknown so the
// extractor can report them.
func CollectFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && extract.IsSupported(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}
	return files, nil
}

// IngestPaths ingests every supported file under paths. A failing document is recorded and
// skipped; only cancellation stops the batch early.
func (o *Orchestrator) IngestPaths(ctx context.Context, paths []string, opts IngestOptions) (*BatchResult, error) {
	start := time.Now()

	files, err := CollectFiles(paths)
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}
	result := &BatchResult{TotalDocs: len(files)}
	o.logger.Info("Starting ingest", "files", len(files))

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := o.IngestFile(ctx, path, IngestOptions{Replace: opts.Replace, Metadata: opts.Metadata})
		if err != nil {
			o.logger.Warn("Failed to ingest document", "path", path, "error", err)
		}
		result.record(path, res, err)
	}

	result.Duration = time.Since(start)
	o.logger.Info("Ingest complete",
		"successful", result.SuccessfulDocs,
		"failed", len(result.FailedDocs),
		"chunks", result.TotalChunks,
		"duration", result.Duration)
	return result, nil
}

// IngestRemote downloads every supported file the fetcher lists and ingests it. The commit
// SHA of the source path is recorded on each chunk.
func (o *Orchestrator) IngestRemote(ctx context.Context, fetcher *github.Fetcher, opts IngestOptions) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{}

	commitSHA, err := fetcher.GetLatestCommitSHA(ctx)
	if err != nil {
		return nil, fmt.Errorf("get commit SHA: %w", err)
	}
	result.CommitSHA = commitSHA
	o.logger.Info("Starting remote ingest", "repository", fetcher.Repository(), "commit", commitSHA)

	files, err := fetcher.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	result.TotalDocs = len(files)
	o.logger.Info("Found documents", "count", len(files))

	tmp, err := os.MkdirTemp("", "rag-ingest-*")
	if err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := o.ingestRemoteFile(ctx, fetcher, f, tmp, commitSHA, opts)
		if err != nil {
			o.logger.Warn("Failed to ingest document", "path", f.Path, "error", err)
		}
		result.record(f.Path, res, err)
	}

	result.Duration = time.Since(start)
	o.logger.Info("Remote ingest complete",
		"successful", result.SuccessfulDocs,
		"failed", len(result.FailedDocs),
		"chunks", result.TotalChunks,
		"duration", result.Duration)
	return result, nil
}

func (o *Orchestrator) ingestRemoteFile(
	ctx context.Context,
	fetcher *github.Fetcher,
	f github.RemoteFile,
	dir, commitSHA string,
	opts IngestOptions,
) (*IngestResult, error) {
	if f.Size > MaxFileSize {
		return nil, stageErr(StageExtract, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, f.Path, f.Size))
	}
	local, err := fetcher.Download(ctx, f.Path, dir)
	if err != nil {
		return nil, stageErr(StageExtract, err)
	}

	meta := map[string]any{
		"repository": fetcher.Repository(),
		"commit_sha": commitSHA,
		"path":       f.Path,
	}
	if f.URL != "" {
		meta["url"] = f.URL
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	return o.IngestFile(ctx, local, IngestOptions{Replace: opts.Replace, Metadata: meta})
}
