// Package search ranks stored chunks by cosine similarity to a query vector.
package search

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/bull/pdf-rag-server/internal/storage"
)

// cancelCheckInterval is how many candidates are scored between context checks.
const cancelCheckInterval = 1024

// Result is a chunk with its similarity to the query.
type Result struct {
	Chunk      *storage.Chunk
	Similarity float64
}

// Query selects the top K chunks with similarity >= Threshold, optionally within one document.
type Query struct {
	K          int
	Threshold  float64
	DocumentID string
}

// NativeSearcher is implemented by repositories with their own vector index.
type NativeSearcher interface {
	SearchNative(ctx context.Context, query []float32, k int, threshold float64, documentID string) ([]storage.ScoredChunk, error)
}

// Engine searches a repository. Exact search scans every candidate; repositories that
// implement NativeSearcher are queried through their index unless ForceExact is set.
type Engine struct {
	repo       storage.Repository
	forceExact bool
	logger     *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// ForceExact disables native search delegation.
func ForceExact() Option {
	return func(e *Engine) { e.forceExact = true }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a search engine over repo.
func NewEngine(repo storage.Repository, opts ...Option) *Engine {
	e := &Engine{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns at most q.K results with similarity >= q.Threshold, ordered by
// similarity descending. Equal similarities keep insertion order.
// K <= 0 or Threshold > 1 yields no results.
func (e *Engine) Search(ctx context.Context, query []float32, q Query) ([]Result, error) {
	if dim := e.repo.Dimension(); len(query) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, repository has %d",
			storage.ErrDimensionMismatch, len(query), dim)
	}
	if q.K <= 0 || q.Threshold > 1 {
		return []Result{}, nil
	}

	if native, ok := e.repo.(NativeSearcher); ok && !e.forceExact && Norm(query) > 0 {
		return e.searchNative(ctx, native, query, q)
	}
	return e.searchExact(ctx, query, q)
}

func (e *Engine) searchExact(ctx context.Context, query []float32, q Query) ([]Result, error) {
	queryNorm := Norm(query)
	top := &topK{k: q.K}

	var seq uint64
	err := e.repo.Scan(ctx, q.DocumentID, func(c *storage.Chunk) error {
		seq++
		if seq%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		sim := cosineWithNorm(query, queryNorm, c.Embedding)
		if sim >= q.Threshold {
			top.offer(candidate{chunk: c, similarity: sim, seq: seq})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning candidates: %w", err)
	}
	return top.results(), nil
}

// searchNative delegates to the backend index and re-applies the threshold, ordering and
// K bound, since backends may round scores or return extra candidates.
func (e *Engine) searchNative(ctx context.Context, native NativeSearcher, query []float32, q Query) ([]Result, error) {
	scored, err := native.SearchNative(ctx, query, q.K, q.Threshold, q.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("native search: %w", err)
	}

	top := &topK{k: q.K}
	for i, s := range scored {
		if q.DocumentID != "" && s.Chunk.DocumentID != q.DocumentID {
			continue
		}
		sim := clamp(s.Score)
		if sim >= q.Threshold {
			top.offer(candidate{chunk: s.Chunk, similarity: sim, seq: uint64(i + 1)})
		}
	}

	e.logger.Debug("native search",
		"candidates", len(scored),
		"k", q.K,
		"threshold", q.Threshold)
	return top.results(), nil
}

// CosineSimilarity returns dot(a, b) / (|a| |b|) computed in float64, or 0 when either
// vector has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	return cosineWithNorm(a, Norm(a), b)
}

func cosineWithNorm(a []float32, normA float64, b []float32) float64 {
	if len(a) != len(b) || normA == 0 {
		return 0
	}
	var dot, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumB += y * y
	}
	if sumB == 0 {
		return 0
	}
	return clamp(dot / (normA * math.Sqrt(sumB)))
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// clamp keeps rounding error from pushing scores outside [-1, 1].
func clamp(s float64) float64 {
	return math.Max(-1, math.Min(1, s))
}

type candidate struct {
	chunk      *storage.Chunk
	similarity float64
	seq        uint64
}

// better orders by similarity descending, then insertion order.
func better(a, b candidate) bool {
	if a.similarity != b.similarity {
		return a.similarity > b.similarity
	}
	return a.seq < b.seq
}

// topK keeps the best k candidates in a min-heap whose root is the worst kept one.
type topK struct {
	k     int
	items []candidate
}

func (t *topK) Len() int           { return len(t.items) }
func (t *topK) Less(i, j int) bool { return better(t.items[j], t.items[i]) }
func (t *topK) Swap(i, j int)      { t.items[i], t.items[j] = t.items[j], t.items[i] }
func (t *topK) Push(x any)         { t.items = append(t.items, x.(candidate)) }
func (t *topK) Pop() any {
	n := len(t.items)
	item := t.items[n-1]
	t.items = t.items[:n-1]
	return item
}

func (t *topK) offer(c candidate) {
	if len(t.items) < t.k {
		heap.Push(t, c)
		return
	}
	if better(c, t.items[0]) {
		t.items[0] = c
		heap.Fix(t, 0)
	}
}

func (t *topK) results() []Result {
	sorted := slices.Clone(t.items)
	slices.SortFunc(sorted, func(a, b candidate) int {
		if better(a, b) {
			return -1
		}
		if better(b, a) {
			return 1
		}
		return 0
	})
	out := make([]Result, len(sorted))
	for i, c := range sorted {
		out[i] = Result{Chunk: c.chunk, Similarity: c.similarity}
	}
	return out
}
