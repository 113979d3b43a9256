// Package answer generates cited answers from retrieved chunks with an OpenAI chat model.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"

	"github.com/bull/pdf-rag-server/internal/search"
)

const (
	// DefaultModel is the chat model used for answers.
	DefaultModel = "gpt-4o"

	// DefaultMaxTokens caps the length of a generated answer.
	DefaultMaxTokens = 2000

	// DefaultTemperature keeps answers close to the retrieved text.
	DefaultTemperature = 0.1

	// DefaultMaxContextTokens is the context length before truncation (in tokens).
	DefaultMaxContextTokens = 16000
)

// ErrEmptyResponse is returned when the model answers without any choices.
var ErrEmptyResponse = errors.New("model returned no answer")

const systemPrompt = `You are an assistant that answers questions using excerpts from the user's documents.

When context is provided, base your answer on it and cite the source file and page of the
excerpts you rely on. If the context does not contain the information, say so clearly
instead of guessing.

Respond in the language of the question.`

// Config tunes the Generator. Zero values take the defaults above.
type Config struct {
	Model            string
	MaxTokens        int
	Temperature      float64
	MaxContextTokens int
}

// Usage reports token consumption of one answer.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Source is one distinct file:page cited in the context.
type Source struct {
	File       string  `json:"file"`
	Page       int     `json:"page"`
	Similarity float64 `json:"similarity"`
}

// Response is a generated answer with its provenance.
type Response struct {
	Text              string   `json:"response"`
	Model             string   `json:"model"`
	Usage             Usage    `json:"usage"`
	Sources           []Source `json:"sources"`
	ContextChunksUsed int      `json:"context_chunks_used"`
}

// Generator produces answers using an OpenAI chat model.
type Generator struct {
	client           *openai.Client
	model            string
	maxTokens        int
	temperature      float64
	maxContextTokens int
	logger           *slog.Logger
}

// NewGenerator creates an answer generator with the given OpenAI client.
func NewGenerator(client *openai.Client, cfg Config, logger *slog.Logger) *Generator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		client:           client,
		model:            cfg.Model,
		maxTokens:        cfg.MaxTokens,
		temperature:      cfg.Temperature,
		maxContextTokens: cfg.MaxContextTokens,
		logger:           logger,
	}
}

// Model returns the chat model name.
func (g *Generator) Model() string { return g.model }

// Answer asks the model to answer query from results. With no results the model is told
// that nothing relevant was found.
func (g *Generator) Answer(ctx context.Context, query string, results []search.Result) (*Response, error) {
	prompt := g.buildPrompt(query, results)

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Model:               openai.ChatModel(g.model),
		MaxCompletionTokens: openai.Int(int64(g.maxTokens)),
		Temperature:         openai.Float(g.temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	out := &Response{
		Text:  resp.Choices[0].Message.Content,
		Model: g.model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
		Sources:           ExtractSources(results),
		ContextChunksUsed: len(results),
	}

	g.logger.Info("generated answer",
		"model", g.model,
		"context_chunks", len(results),
		"total_tokens", out.Usage.TotalTokens)
	return out, nil
}

// buildPrompt numbers each context chunk and labels it with its source file and page.
func (g *Generator) buildPrompt(query string, results []search.Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("User Question: %s\n\nNote: No relevant context found in documents.", query)
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "Context %d", i+1)
		if file := r.Chunk.SourceFile(); file != "" {
			fmt.Fprintf(&sb, " (Source: %s, Page %d)", file, r.Chunk.PageNumber)
		}
		fmt.Fprintf(&sb, ":\n%s\n\n", r.Chunk.Content)
	}
	contextText := g.truncateContent(strings.TrimSpace(sb.String()))

	return fmt.Sprintf(`Based on the following context from the documents, please answer the user's question.

Context Information:
%s

User Question: %s

Please provide a comprehensive answer based on the context above. If the context doesn't fully address the question, clearly indicate what information is missing.`, contextText, query)
}

// truncateContent truncates content to fit within token limits.
// Uses rough estimate of 4 characters per token.
func (g *Generator) truncateContent(content string) string {
	maxChars := g.maxContextTokens * 4

	if utf8.RuneCountInString(content) <= maxChars {
		return content
	}

	g.logger.Warn("truncating answer context",
		"chars", utf8.RuneCountInString(content),
		"max_chars", maxChars,
		"max_tokens", g.maxContextTokens)

	return string([]rune(content)[:maxChars])
}

// ExtractSources lists distinct file:page pairs in result order, keeping the similarity
// of the first occurrence. Chunks without a source file are skipped.
func ExtractSources(results []search.Result) []Source {
	sources := []Source{}
	seen := make(map[string]bool)
	for _, r := range results {
		file := r.Chunk.SourceFile()
		if file == "" {
			continue
		}
		key := fmt.Sprintf("%s:%d", file, r.Chunk.PageNumber)
		if seen[key] {
			continue
		}
		seen[key] = true
		sources = append(sources, Source{File: file, Page: r.Chunk.PageNumber, Similarity: r.Similarity})
	}
	return sources
}
