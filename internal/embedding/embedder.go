// Package embedding maps text to fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxInputChars caps each text before embedding. About 6000 tokens at four characters
	// per token, below the 8191-token limit of the OpenAI embedding models.
	MaxInputChars = 24000
)

var (
	// ErrEmptyInput is returned when Embed is called with no texts.
	ErrEmptyInput = errors.New("no texts to embed")

	// ErrEmptyText is returned when one of the texts is blank.
	ErrEmptyText = errors.New("empty text")

	// ErrUnexpectedDimension is returned when a provider answers with the wrong vector size.
	ErrUnexpectedDimension = errors.New("unexpected embedding dimension")
)

// Embedder generates one vector per input text. Output order matches input order and
// results do not depend on how texts are batched.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// Error is a provider failure. Transient errors (rate limits, server errors, network
// failures) may succeed on retry; the rest will not.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embedding failed (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is an embedding error worth retrying.
func IsTransient(err error) bool {
	var embErr *Error
	return errors.As(err, &embErr) && embErr.Transient
}

// Truncate cuts text to MaxInputChars runes.
func Truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxInputChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxInputChars])
}

// prepare validates texts and applies the truncation policy shared by all embedders.
func prepare(texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([]string, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("text %d: %w", i, ErrEmptyText)
		}
		out[i] = Truncate(text)
	}
	return out, nil
}
