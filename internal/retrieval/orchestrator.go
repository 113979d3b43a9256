// Package retrieval runs the ingest and query pipelines over the chunker, embedder,
// repository and search engine.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bull/pdf-rag-server/internal/answer"
	"github.com/bull/pdf-rag-server/internal/chunker"
	"github.com/bull/pdf-rag-server/internal/embedding"
	"github.com/bull/pdf-rag-server/internal/extract"
	"github.com/bull/pdf-rag-server/internal/search"
	"github.com/bull/pdf-rag-server/internal/storage"
)

// MaxFileSize is the largest file IngestFile accepts.
const MaxFileSize = 50 << 20

// Answerer produces an answer from retrieved chunks.
type Answerer interface {
	Answer(ctx context.Context, query string, results []search.Result) (*answer.Response, error)
}

// Config holds query defaults and retry policy.
type Config struct {
	DefaultK         int
	DefaultThreshold float64
	QueryTimeout     time.Duration

	// NewBackOff returns the retry policy for transient embedding failures.
	// Nil means exponential backoff: 500ms initial, 10s max interval, 30s max elapsed.
	NewBackOff func() backoff.BackOff
}

// Orchestrator owns no resources; all collaborators are shared and closed elsewhere.
type Orchestrator struct {
	chunker   *chunker.Chunker
	embedder  embedding.Embedder
	repo      storage.Repository
	engine    *search.Engine
	extractor extract.TextExtractor
	answerer  Answerer
	cfg       Config
	logger    *slog.Logger
}

// Deps are the collaborators of an Orchestrator. Extractor and Answerer are optional.
type Deps struct {
	Chunker   *chunker.Chunker
	Embedder  embedding.Embedder
	Repo      storage.Repository
	Engine    *search.Engine
	Extractor extract.TextExtractor
	Answerer  Answerer
}

// New creates an orchestrator. A nil Engine searches Repo exactly.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Engine == nil {
		deps.Engine = search.NewEngine(deps.Repo, search.WithLogger(logger))
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.DefaultChain(logger)
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	return &Orchestrator{
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		repo:      deps.Repo,
		engine:    deps.Engine,
		extractor: deps.Extractor,
		answerer:  deps.Answerer,
		cfg:       cfg,
		logger:    logger,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// DefaultRetrieveOptions returns the configured K and threshold.
func (o *Orchestrator) DefaultRetrieveOptions() RetrieveOptions {
	return RetrieveOptions{K: o.cfg.DefaultK, Threshold: o.cfg.DefaultThreshold}
}

// ==================== Ingest ====================

// IngestRequest is a document already split into pages.
type IngestRequest struct {
	DocumentID string // Derived from the page text when empty
	SourceFile string
	Pages      []extract.Page
	Metadata   map[string]any
	Replace    bool // Remove chunks of DocumentID the new version no longer has
}

// IngestResult reports what an ingest stored.
type IngestResult struct {
	DocumentID string
	SourceFile string
	ChunkCount int
	PageCount  int
	Removed    int // Stale chunks dropped by Replace
	Failed     []storage.FailedChunk
	Duration   time.Duration
}

// IngestOptions tunes IngestFile.
type IngestOptions struct {
	DocumentID string // Content-addressed id of the file bytes when empty
	Replace    bool
	Metadata   map[string]any
}

// IngestFile extracts pages from path and ingests them. The default document id is
// derived from the file content, so ingesting the same file twice overwrites its chunks.
func (o *Orchestrator) IngestFile(ctx context.Context, path string, opts IngestOptions) (*IngestResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, stageErr(StageExtract, err)
	}
	if info.IsDir() {
		return nil, stageErr(StageExtract, fmt.Errorf("%s is a directory", path))
	}
	if info.Size() > MaxFileSize {
		return nil, stageErr(StageExtract, fmt.Errorf("%w: %s is %d bytes, limit %d",
			ErrFileTooLarge, filepath.Base(path), info.Size(), MaxFileSize))
	}

	docID := opts.DocumentID
	if docID == "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, stageErr(StageExtract, err)
		}
		docID = chunker.DocumentID(content)
	}

	pages, err := o.extractor.Extract(ctx, path)
	if err != nil {
		return nil, stageErr(StageExtract, err)
	}

	return o.Ingest(ctx, IngestRequest{
		DocumentID: docID,
		SourceFile: filepath.Base(path),
		Pages:      pages,
		Metadata:   opts.Metadata,
		Replace:    opts.Replace,
	})
}

// Ingest chunks, embeds and stores one document. Nothing is written if chunking or
// embedding fails. Chunks that fail to store are listed in the result; if none could be
// stored the result is returned together with a store-stage error.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()

	docID := req.DocumentID
	if docID == "" {
		docID = chunker.DocumentID([]byte(pagesText(req.Pages)))
	}
	result := &IngestResult{
		DocumentID: docID,
		SourceFile: req.SourceFile,
		PageCount:  len(req.Pages),
	}

	base := maps.Clone(req.Metadata)
	if base == nil {
		base = make(map[string]any)
	}
	if req.SourceFile != "" {
		base[storage.MetaSourceFile] = req.SourceFile
	}

	chunks := o.chunker.Chunk(req.Pages, docID, base)
	if len(chunks) == 0 {
		return nil, stageErr(StageChunk, ErrNoChunks)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := o.embedWithRetry(ctx, texts)
	if err != nil {
		return nil, stageErr(StageEmbed, err)
	}
	for i, c := range chunks {
		c.Embedding = vectors[i]
	}

	report, err := o.repo.Upsert(ctx, chunks)
	if err != nil {
		return nil, stageErr(StageStore, err)
	}
	result.ChunkCount = len(report.Written)
	result.Failed = report.Failed

	if len(report.Failed) > 0 {
		o.logger.Warn("Some chunks failed to store",
			"document_id", docID,
			"failed", len(report.Failed),
			"stored", len(report.Written))
	}
	if len(report.Written) == 0 {
		result.Duration = time.Since(start)
		return result, stageErr(StageStore, ErrNothingStored)
	}

	// The previous version is only touched once the new one is stored.
	if req.Replace {
		removed, err := o.removeStale(ctx, docID, report.Written)
		if err != nil {
			return nil, stageErr(StageStore, fmt.Errorf("removing stale chunks: %w", err))
		}
		result.Removed = removed
	}
	result.Duration = time.Since(start)

	o.logger.Info("Indexed document",
		"document_id", docID,
		"source_file", req.SourceFile,
		"pages", result.PageCount,
		"chunks", result.ChunkCount,
		"duration", result.Duration)
	return result, nil
}

// removeStale deletes chunks of documentID that are not in keep.
func (o *Orchestrator) removeStale(ctx context.Context, documentID string, keep []string) (int, error) {
	existing, err := o.repo.GetByDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	var stale []string
	for _, c := range existing {
		if _, ok := kept[c.ID]; !ok {
			stale = append(stale, c.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	return o.repo.DeleteChunks(ctx, stale)
}

func pagesText(pages []extract.Page) string {
	var sb strings.Builder
	for _, p := range pages {
		fmt.Fprintf(&sb, "%d\f%s\f", p.Number, p.Text)
	}
	return sb.String()
}

// embedWithRetry retries transient embedding failures with backoff; permanent errors
// fail immediately.
func (o *Orchestrator) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	attempt := 0

	operation := func() error {
		attempt++
		v, err := o.embedder.Embed(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if embedding.IsTransient(err) {
				o.logger.Warn("Transient embedding failure, retrying",
					"attempt", attempt,
					"error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		vectors = v
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(o.cfg.NewBackOff(), ctx)); err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

// ==================== Retrieve ====================

// RetrieveOptions selects how many chunks to return and the minimum similarity.
type RetrieveOptions struct {
	K          int
	Threshold  float64
	DocumentID string
}

// Summary describes a retrieval result set.
type Summary struct {
	ChunksRetrieved int     `json:"chunks_retrieved"`
	MeanSimilarity  float64 `json:"avg_similarity"`
	Threshold       float64 `json:"similarity_threshold"`
}

// Retrieval is the outcome of a query.
type Retrieval struct {
	Query    string
	Results  []search.Result
	Summary  Summary
	Duration time.Duration
}

// Retrieve embeds query and returns the most similar chunks.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*Retrieval, error) {
	start := time.Now()
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if o.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.QueryTimeout)
		defer cancel()
	}

	vectors, err := o.embedWithRetry(ctx, []string{query})
	if err != nil {
		return nil, stageErr(StageEmbed, err)
	}

	results, err := o.engine.Search(ctx, vectors[0], search.Query{
		K:          opts.K,
		Threshold:  opts.Threshold,
		DocumentID: opts.DocumentID,
	})
	if err != nil {
		return nil, stageErr(StageSearch, err)
	}

	r := &Retrieval{
		Query:   query,
		Results: results,
		Summary: Summary{
			ChunksRetrieved: len(results),
			MeanSimilarity:  meanSimilarity(results),
			Threshold:       opts.Threshold,
		},
		Duration: time.Since(start),
	}

	o.logger.Info("Retrieved chunks",
		"chunks", r.Summary.ChunksRetrieved,
		"avg_similarity", r.Summary.MeanSimilarity,
		"duration", r.Duration)
	return r, nil
}

func meanSimilarity(results []search.Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Similarity
	}
	return sum / float64(len(results))
}

// ==================== Ask ====================

// AskOptions are the retrieval options used to gather context.
type AskOptions = RetrieveOptions

// Timings breaks down where an Ask spent its time.
type Timings struct {
	Retrieval  time.Duration
	Generation time.Duration
	Total      time.Duration
}

// AskResult is an answer with the retrieval it was based on.
type AskResult struct {
	Answer    *answer.Response
	Retrieval *Retrieval
	Timings   Timings
}

// Ask retrieves context for query and generates an answer from it.
func (o *Orchestrator) Ask(ctx context.Context, query string, opts AskOptions) (*AskResult, error) {
	if o.answerer == nil {
		return nil, ErrNoAnswerer
	}

	retrieval, err := o.Retrieve(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	genStart := time.Now()
	resp, err := o.answerer.Answer(ctx, query, retrieval.Results)
	if err != nil {
		return nil, stageErr(StageAnswer, err)
	}
	generation := time.Since(genStart)

	result := &AskResult{
		Answer:    resp,
		Retrieval: retrieval,
		Timings: Timings{
			Retrieval:  retrieval.Duration,
			Generation: generation,
			Total:      retrieval.Duration + generation,
		},
	}

	o.logger.Info("RAG query completed",
		"chunks", retrieval.Summary.ChunksRetrieved,
		"total", result.Timings.Total)
	return result, nil
}

// ==================== Documents ====================

// DeleteDocument removes a document's chunks. Unknown documents remove 0.
func (o *Orchestrator) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	n, err := o.repo.DeleteDocument(ctx, documentID)
	if err != nil {
		return 0, stageErr(StageStore, err)
	}
	o.logger.Info("Deleted document", "document_id", documentID, "chunks", n)
	return n, nil
}

// DocumentChunks returns a document's chunks in reading order.
func (o *Orchestrator) DocumentChunks(ctx context.Context, documentID string) ([]*storage.Chunk, error) {
	chunks, err := o.repo.GetByDocument(ctx, documentID)
	if err != nil {
		return nil, stageErr(StageStore, err)
	}
	return chunks, nil
}

// Stats returns repository statistics.
func (o *Orchestrator) Stats(ctx context.Context) (*storage.Stats, error) {
	stats, err := o.repo.Stats(ctx)
	if err != nil {
		return nil, stageErr(StageStore, err)
	}
	return stats, nil
}
