package search

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/pdf-rag-server/internal/storage"
)

func newRepo(t *testing.T, dim int) *storage.MemoryRepository {
	t.Helper()
	repo, err := storage.NewMemoryRepository(dim)
	require.NoError(t, err)
	return repo
}

// unitAt returns a 2-d vector whose cosine with [1, 0] is sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func addChunk(t *testing.T, repo storage.Repository, id, doc string, embedding []float32) {
	t.Helper()
	report, err := repo.Upsert(context.Background(), []*storage.Chunk{{
		ID:         id,
		DocumentID: doc,
		Content:    "content of " + id,
		PageNumber: 1,
		ChunkIndex: 0,
		Embedding:  embedding,
		CreatedAt:  time.Now(),
	}})
	require.NoError(t, err)
	require.Empty(t, report.Failed)
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Chunk.ID
	}
	return out
}

func TestSearch_ThresholdScenario(t *testing.T) {
	repo := newRepo(t, 2)
	addChunk(t, repo, "low", "doc", unitAt(0.2))
	addChunk(t, repo, "high", "doc", unitAt(0.9))
	addChunk(t, repo, "mid", "doc", unitAt(0.5))

	engine := NewEngine(repo)
	results, err := engine.Search(context.Background(), []float32{1, 0}, Query{K: 5, Threshold: 0.3})
	require.NoError(t, err)

	require.Equal(t, []string{"high", "mid"}, ids(results))
	assert.InDelta(t, 0.9, results[0].Similarity, 1e-6)
	assert.InDelta(t, 0.5, results[1].Similarity, 1e-6)
}

func TestSearch_KBoundsResults(t *testing.T) {
	repo := newRepo(t, 2)
	for i := 0; i < 20; i++ {
		addChunk(t, repo, fmt.Sprintf("c%02d", i), "doc", unitAt(float64(i)/20))
	}

	results, err := NewEngine(repo).Search(context.Background(), []float32{1, 0}, Query{K: 3, Threshold: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"c19", "c18", "c17"}, ids(results))

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
}

func TestSearch_EdgeParameters(t *testing.T) {
	repo := newRepo(t, 2)
	addChunk(t, repo, "a", "doc", []float32{1, 0})
	engine := NewEngine(repo)
	ctx := context.Background()

	tests := []struct {
		name  string
		query Query
		want  int
	}{
		{"k zero", Query{K: 0, Threshold: 0}, 0},
		{"k negative", Query{K: -1, Threshold: 0}, 0},
		{"threshold above one", Query{K: 5, Threshold: 1.01}, 0},
		{"threshold exactly one matches identical vector", Query{K: 5, Threshold: 1}, 1},
		{"negative threshold", Query{K: 5, Threshold: -1}, 1},
		{"unknown document", Query{K: 5, DocumentID: "missing"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := engine.Search(ctx, []float32{1, 0}, tt.query)
			require.NoError(t, err)
			assert.Len(t, results, tt.want)
			assert.NotNil(t, results)
		})
	}
}

func TestSearch_EmptyRepository(t *testing.T) {
	results, err := NewEngine(newRepo(t, 2)).Search(context.Background(), []float32{1, 0}, Query{K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_DimensionMismatch(t *testing.T) {
	engine := NewEngine(newRepo(t, 3))
	_, err := engine.Search(context.Background(), []float32{1, 0}, Query{K: 5})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestSearch_TiesKeepInsertionOrder(t *testing.T) {
	repo := newRepo(t, 2)
	for _, id := range []string{"z-first", "a-second", "m-third", "b-fourth"} {
		addChunk(t, repo, id, "doc", []float32{3, 4})
	}

	results, err := NewEngine(repo).Search(context.Background(), []float32{3, 4}, Query{K: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"z-first", "a-second", "m-third"}, ids(results))
}

func TestSearch_DocumentFilter(t *testing.T) {
	repo := newRepo(t, 2)
	addChunk(t, repo, "a1", "doc-a", unitAt(0.7))
	addChunk(t, repo, "b1", "doc-b", unitAt(0.99))
	addChunk(t, repo, "a2", "doc-a", unitAt(0.8))

	results, err := NewEngine(repo).Search(context.Background(), []float32{1, 0},
		Query{K: 5, DocumentID: "doc-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1"}, ids(results))
}

func TestSearch_ZeroQueryVector(t *testing.T) {
	repo := newRepo(t, 2)
	addChunk(t, repo, "a", "doc", []float32{1, 0})

	results, err := NewEngine(repo).Search(context.Background(), []float32{0, 0}, Query{K: 5, Threshold: 0})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.0, results[0].Similarity)

	results, err = NewEngine(repo).Search(context.Background(), []float32{0, 0}, Query{K: 5, Threshold: 0.1})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_Cancelled(t *testing.T) {
	repo := newRepo(t, 2)
	for i := 0; i < 3000; i++ {
		addChunk(t, repo, fmt.Sprintf("c%d", i), "doc", []float32{1, 1})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(repo).Search(ctx, []float32{1, 0}, Query{K: 5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{0.3, -1.2, 5}, []float32{0.3, -1.2, 5}, 1},
		{"scaled", []float32{1, 2}, []float32{2, 4}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero first", []float32{0, 0}, []float32{1, 1}, 0},
		{"zero second", []float32{1, 1}, []float32{0, 0}, 0},
		{"length mismatch", []float32{1, 1}, []float32{1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineSimilarity_SelfIsOne(t *testing.T) {
	vectors := [][]float32{
		{0.1, 0.2, 0.3},
		{1e-3, 7, -2, 0.5},
		{123.4, -56.7},
	}
	for _, v := range vectors {
		s := CosineSimilarity(v, v)
		assert.InDelta(t, 1.0, s, 1e-9)
		assert.LessOrEqual(t, s, 1.0)
	}
}

// nativeRepo is a memory repository that also answers native searches with a canned list.
type nativeRepo struct {
	*storage.MemoryRepository
	scored []storage.ScoredChunk
	calls  int
	lastK  int
}

func (n *nativeRepo) SearchNative(_ context.Context, _ []float32, k int, _ float64, _ string) ([]storage.ScoredChunk, error) {
	n.calls++
	n.lastK = k
	return n.scored, nil
}

func TestSearch_NativeDelegation(t *testing.T) {
	chunk := func(id, doc string) *storage.Chunk {
		return &storage.Chunk{ID: id, DocumentID: doc, Content: id, PageNumber: 1}
	}
	repo := &nativeRepo{
		MemoryRepository: newRepo(t, 2),
		scored: []storage.ScoredChunk{
			{Chunk: chunk("mid", "doc-a"), Score: 0.6},
			{Chunk: chunk("top", "doc-a"), Score: 0.95},
			{Chunk: chunk("below", "doc-a"), Score: 0.1},
			{Chunk: chunk("other-doc", "doc-b"), Score: 0.99},
			{Chunk: chunk("rounded", "doc-a"), Score: 1.0000001},
		},
	}
	ctx := context.Background()

	results, err := NewEngine(repo).Search(ctx, []float32{1, 0}, Query{K: 3, Threshold: 0.5, DocumentID: "doc-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.calls)
	assert.Equal(t, 3, repo.lastK)
	assert.Equal(t, []string{"rounded", "top", "mid"}, ids(results))
	assert.Equal(t, 1.0, results[0].Similarity)

	// Zero-norm queries and ForceExact use the exact path.
	_, err = NewEngine(repo).Search(ctx, []float32{0, 0}, Query{K: 3})
	require.NoError(t, err)
	_, err = NewEngine(repo, ForceExact()).Search(ctx, []float32{1, 0}, Query{K: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.calls)
}

func BenchmarkSearchExact(b *testing.B) {
	repo, _ := storage.NewMemoryRepository(384)
	ctx := context.Background()
	for i := 0; i < 10000; i++ {
		v := make([]float32, 384)
		for j := range v {
			v[j] = float32((i*31+j*17)%97) / 97
		}
		_, _ = repo.Upsert(ctx, []*storage.Chunk{{
			ID: fmt.Sprintf("c%d", i), DocumentID: "doc", Content: "x", PageNumber: 1, Embedding: v,
		}})
	}
	query := make([]float32, 384)
	for j := range query {
		query[j] = float32(j%13) / 13
	}
	engine := NewEngine(repo)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = engine.Search(ctx, query, Query{K: 10})
	}
}
