package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/openai/openai-go"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultModel is the OpenAI model used for generating embeddings.
	DefaultModel = "text-embedding-3-small"

	// DefaultDimension is the vector dimension for text-embedding-3-small.
	DefaultDimension = 1536

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute rate limits.
	// OpenAI supports up to 2048 texts per batch, but smaller batches reduce TPM pressure.
	DefaultBatchSize = 500

	// DefaultConcurrency bounds in-flight batch requests.
	DefaultConcurrency = 4
)

// OpenAIConfig configures an OpenAIEmbedder. Zero values take the defaults above.
type OpenAIConfig struct {
	Model       string
	Dimension   int
	BatchSize   int
	Concurrency int
}

// OpenAIEmbedder generates embeddings with the OpenAI embeddings API.
// Batches run concurrently on a bounded pool and are reassembled in input order.
type OpenAIEmbedder struct {
	client      *Client
	model       string
	dimension   int
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder using client.
func NewOpenAIEmbedder(client *Client, cfg OpenAIConfig, logger *slog.Logger) *OpenAIEmbedder {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIEmbedder{
		client:      client,
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

func (e *OpenAIEmbedder) Dimension() int { return e.dimension }
func (e *OpenAIEmbedder) Model() string  { return e.model }

// Embed generates embeddings for the given texts.
// Returns [][]float32 to match storage.Chunk.Embedding type.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	prepared, err := prepare(texts)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(prepared))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(prepared); start += e.batchSize {
		end := min(start+e.batchSize, len(prepared))
		g.Go(func() error {
			vectors, err := e.embedBatch(gctx, prepared[start:end])
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", start, end, err)
			}
			copy(out[start:end], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug("generated embeddings",
		"model", e.model,
		"texts", len(prepared))
	return out, nil
}

// embedBatch sends one request and orders the response by its index field.
func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(e.model),
	}
	// Only the v3 models accept a reduced output dimension.
	if strings.HasPrefix(e.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, &Error{Err: fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts))}
	}

	vectors := make([][]float32, len(texts))
	for i, data := range resp.Data {
		idx := int(data.Index)
		if idx < 0 || idx >= len(texts) || vectors[idx] != nil {
			return nil, &Error{Err: fmt.Errorf("embedding %d has invalid or repeated index %d", i, idx)}
		}
		if len(data.Embedding) != e.dimension {
			return nil, &Error{Err: fmt.Errorf("%w: got %d, expected %d",
				ErrUnexpectedDimension, len(data.Embedding), e.dimension)}
		}
		vectors[idx] = toFloat32(data.Embedding)
	}
	return vectors, nil
}

// classify wraps err as transient for rate limits, server errors and network failures.
// Context errors are returned as they are.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		transient := apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
		return &Error{Transient: transient, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Transient: true, Err: err}
	}
	return &Error{Err: err}
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but storage uses float32 for memory efficiency.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
