package answer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/pdf-rag-server/internal/search"
	"github.com/bull/pdf-rag-server/internal/storage"
)

func result(file string, page int, content string, sim float64) search.Result {
	meta := map[string]any{}
	if file != "" {
		meta[storage.MetaSourceFile] = file
	}
	return search.Result{
		Chunk: &storage.Chunk{
			ID:         file + content,
			Content:    content,
			PageNumber: page,
			Metadata:   meta,
		},
		Similarity: sim,
	}
}

type chatRequest struct {
	Model               string  `json:"model"`
	MaxCompletionTokens int     `json:"max_completion_tokens"`
	Temperature         float64 `json:"temperature"`
	Messages            []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newChatServer(t *testing.T, reply string, captured *chatRequest) *openai.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(captured))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   captured.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150},
		})
	}))
	t.Cleanup(srv.Close)

	client := openai.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithMaxRetries(0),
	)
	return &client
}

func TestAnswer(t *testing.T) {
	var req chatRequest
	client := newChatServer(t, "Check the oil before flight.", &req)
	g := NewGenerator(client, Config{Temperature: 0.1}, nil)

	results := []search.Result{
		result("manual.pdf", 3, "Oil must be checked before each flight.", 0.91),
		result("manual.pdf", 3, "Oil grade is listed in section 2.", 0.85),
		result("checklist.pdf", 1, "Preflight: oil, fuel, tires.", 0.7),
	}

	resp, err := g.Answer(context.Background(), "When do I check the oil?", results)
	require.NoError(t, err)

	assert.Equal(t, "Check the oil before flight.", resp.Text)
	assert.Equal(t, DefaultModel, resp.Model)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 30, TotalTokens: 150}, resp.Usage)
	assert.Equal(t, 3, resp.ContextChunksUsed)
	assert.Equal(t, []Source{
		{File: "manual.pdf", Page: 3, Similarity: 0.91},
		{File: "checklist.pdf", Page: 1, Similarity: 0.7},
	}, resp.Sources)

	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, DefaultMaxTokens, req.MaxCompletionTokens)
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	user := req.Messages[1].Content
	assert.Contains(t, user, "Context 1 (Source: manual.pdf, Page 3):\nOil must be checked before each flight.")
	assert.Contains(t, user, "Context 3 (Source: checklist.pdf, Page 1)")
	assert.Contains(t, user, "User Question: When do I check the oil?")
}

func TestAnswer_NoContext(t *testing.T) {
	var req chatRequest
	client := newChatServer(t, "I could not find that.", &req)
	g := NewGenerator(client, Config{}, nil)

	resp, err := g.Answer(context.Background(), "Unknown?", nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Sources)
	assert.NotNil(t, resp.Sources)
	assert.Equal(t, 0, resp.ContextChunksUsed)
	assert.Contains(t, req.Messages[1].Content, "No relevant context found")
}

func TestAnswer_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	client := openai.NewClient(option.WithAPIKey("k"), option.WithBaseURL(srv.URL+"/v1/"), option.WithMaxRetries(0))

	_, err := NewGenerator(&client, Config{}, nil).Answer(context.Background(), "q", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion failed")
}

func TestExtractSources(t *testing.T) {
	sources := ExtractSources([]search.Result{
		result("a.pdf", 1, "x", 0.9),
		result("", 2, "no file", 0.8),
		result("a.pdf", 1, "y", 0.7),
		result("a.pdf", 2, "z", 0.6),
	})
	assert.Equal(t, []Source{
		{File: "a.pdf", Page: 1, Similarity: 0.9},
		{File: "a.pdf", Page: 2, Similarity: 0.6},
	}, sources)
}

func TestBuildPrompt_WithoutSourceFile(t *testing.T) {
	g := NewGenerator(nil, Config{}, nil)
	prompt := g.buildPrompt("q", []search.Result{result("", 4, "bare chunk", 0.5)})
	assert.Contains(t, prompt, "Context 1:\nbare chunk")
}

// TestTruncateContent verifies truncation works correctly for very long content.
func TestTruncateContent(t *testing.T) {
	g := NewGenerator(nil, Config{MaxContextTokens: 100}, nil)

	longContent := strings.Repeat("This is a test content. ", 100)
	truncated := g.truncateContent(longContent)

	assert.Len(t, truncated, 400)
	assert.True(t, strings.HasPrefix(longContent, truncated))

	short := "Short."
	assert.Equal(t, short, g.truncateContent(short))
}

func TestTruncateContent_Multibyte(t *testing.T) {
	g := NewGenerator(nil, Config{MaxContextTokens: 1}, nil)
	assert.Equal(t, "항공기정", g.truncateContent("항공기정비매뉴얼"))
}

func TestNewGenerator_Defaults(t *testing.T) {
	g := NewGenerator(nil, Config{}, nil)
	assert.Equal(t, DefaultModel, g.Model())
	assert.Equal(t, DefaultMaxTokens, g.maxTokens)
	assert.Equal(t, DefaultMaxContextTokens, g.maxContextTokens)
}
