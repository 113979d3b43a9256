package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 8

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

// fakeVector is a deterministic stand-in for a model: it depends only on the text.
func fakeVector(text string) []float64 {
	v := make([]float64, testDim)
	for i, r := range text {
		v[i%testDim] += float64(r%31) / 31
	}
	v[0] += float64(len(text))
	return v
}

// newEmbeddingServer answers /embeddings requests in reverse order so index handling is
// exercised. It records every request it receives.
func newEmbeddingServer(t *testing.T) (*httptest.Server, *[]embeddingRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []embeddingRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"), r.URL.Path)

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()

		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": fakeVector(req.Input[i]),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestEmbedder(t *testing.T, url string, batchSize, concurrency int) *OpenAIEmbedder {
	t.Helper()
	client, err := NewClient("test-key", option.WithBaseURL(url+"/v1/"))
	require.NoError(t, err)
	return NewOpenAIEmbedder(client, OpenAIConfig{
		Dimension:   testDim,
		BatchSize:   batchSize,
		Concurrency: concurrency,
	}, nil)
}

func TestNewClient_MissingKey(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestOpenAIEmbedder_OrderAcrossBatches(t *testing.T) {
	srv, requests := newEmbeddingServer(t)
	e := newTestEmbedder(t, srv.URL, 2, 3)

	texts := []string{"alpha", "bravo charlie", "delta", "echo foxtrot golf", "hotel"}
	vectors, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, text := range texts {
		assert.Equal(t, toFloat32(fakeVector(text)), vectors[i], "text %d", i)
	}

	assert.Len(t, *requests, 3, "5 texts in batches of 2")
	for _, req := range *requests {
		assert.Equal(t, DefaultModel, req.Model)
		assert.Equal(t, testDim, req.Dimensions)
		assert.LessOrEqual(t, len(req.Input), 2)
	}
}

func TestOpenAIEmbedder_BatchingDoesNotChangeResults(t *testing.T) {
	srv, _ := newEmbeddingServer(t)
	texts := []string{"one", "two", "three", "four", "five", "six", "seven"}

	single, err := newTestEmbedder(t, srv.URL, 100, 1).Embed(context.Background(), texts)
	require.NoError(t, err)
	batched, err := newTestEmbedder(t, srv.URL, 3, 4).Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, single, batched)
}

func TestOpenAIEmbedder_Truncates(t *testing.T) {
	srv, requests := newEmbeddingServer(t)
	e := newTestEmbedder(t, srv.URL, 10, 1)

	long := strings.Repeat("é", MaxInputChars+100)
	_, err := e.Embed(context.Background(), []string{long})
	require.NoError(t, err)

	require.Len(t, *requests, 1)
	assert.Equal(t, MaxInputChars, len([]rune((*requests)[0].Input[0])))
}

func TestOpenAIEmbedder_InputValidation(t *testing.T) {
	srv, requests := newEmbeddingServer(t)
	e := newTestEmbedder(t, srv.URL, 10, 1)

	_, err := e.Embed(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.False(t, IsTransient(err))

	_, err = e.Embed(context.Background(), []string{"fine", "  "})
	assert.ErrorIs(t, err, ErrEmptyText)

	assert.Empty(t, *requests, "invalid input must not reach the API")
}

func TestOpenAIEmbedder_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			}))
			defer srv.Close()

			e := newTestEmbedder(t, srv.URL, 10, 1)
			_, err := e.Embed(context.Background(), []string{"text"})
			require.Error(t, err)

			var embErr *Error
			require.True(t, errors.As(err, &embErr))
			assert.Equal(t, tt.wantTransient, embErr.Transient)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			assert.Equal(t, int32(1), calls.Load(), "embedder must not retry on its own")
		})
	}
}

func TestOpenAIEmbedder_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := newTestEmbedder(t, url, 10, 1)
	_, err := e.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOpenAIEmbedder_WrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer srv.Close()

	e := newTestEmbedder(t, srv.URL, 10, 1)
	_, err := e.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrUnexpectedDimension)
	assert.False(t, IsTransient(err))
}

func TestOpenAIEmbedder_BadResponseIndex(t *testing.T) {
	vec := `[0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8]`
	tests := []struct {
		name    string
		indexes [2]int
	}{
		{"repeated", [2]int{0, 0}},
		{"out of range", [2]int{0, 5}},
		{"negative", [2]int{-1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = fmt.Fprintf(w, `{"object":"list","model":"m","data":[`+
					`{"object":"embedding","index":%d,"embedding":%s},`+
					`{"object":"embedding","index":%d,"embedding":%s}],`+
					`"usage":{"prompt_tokens":1,"total_tokens":1}}`,
					tt.indexes[0], vec, tt.indexes[1], vec)
			}))
			defer srv.Close()

			e := newTestEmbedder(t, srv.URL, 10, 1)
			vectors, err := e.Embed(context.Background(), []string{"one", "two"})
			require.Error(t, err)
			assert.Nil(t, vectors)

			var embErr *Error
			require.True(t, errors.As(err, &embErr))
			assert.False(t, IsTransient(err))
		})
	}
}

func TestOpenAIEmbedder_Defaults(t *testing.T) {
	e := NewOpenAIEmbedder(&Client{}, OpenAIConfig{}, nil)
	assert.Equal(t, DefaultModel, e.Model())
	assert.Equal(t, DefaultDimension, e.Dimension())
	assert.Equal(t, DefaultBatchSize, e.batchSize)
	assert.Equal(t, DefaultConcurrency, e.concurrency)
}

func TestHashEmbedder(t *testing.T) {
	h, err := NewHashEmbedder(64)
	require.NoError(t, err)
	ctx := context.Background()

	vectors, err := h.Embed(ctx, []string{
		"Engine oil pressure check",
		"Engine oil pressure check",
		"check the engine oil pressure",
		"Cabin crew safety briefing",
		"!!! ...",
	})
	require.NoError(t, err)
	require.Len(t, vectors, 5)

	assert.Equal(t, vectors[0], vectors[1], "deterministic")
	assert.InDelta(t, 1.0, norm(vectors[0]), 1e-6, "unit length")
	assert.Greater(t, dot(vectors[0], vectors[2]), dot(vectors[0], vectors[3]),
		"shared words score higher")
	assert.Equal(t, 0.0, norm(vectors[4]), "no tokens gives the zero vector")

	// Same result regardless of how texts are grouped.
	single, err := h.Embed(ctx, []string{"Cabin crew safety briefing"})
	require.NoError(t, err)
	assert.Equal(t, vectors[3], single[0])

	assert.Equal(t, 64, h.Dimension())
	assert.Equal(t, HashModel, h.Model())
}

func TestHashEmbedder_Validation(t *testing.T) {
	_, err := NewHashEmbedder(0)
	assert.Error(t, err)

	h, err := NewHashEmbedder(8)
	require.NoError(t, err)
	_, err = h.Embed(context.Background(), []string{})
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = h.Embed(context.Background(), []string{""})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short"))
	long := strings.Repeat("가", MaxInputChars+1)
	assert.Equal(t, MaxInputChars, len([]rune(Truncate(long))))
	assert.Equal(t, Truncate(long), Truncate(long))
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
