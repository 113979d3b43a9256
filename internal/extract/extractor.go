// Package extract turns source files into per-page text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

var (
	// ErrExtractionFailed is returned when no extractor produced text for a file.
	ErrExtractionFailed = errors.New("text extraction failed")

	// ErrUnsupported is returned by an extractor asked to read a file type it does not handle.
	ErrUnsupported = errors.New("unsupported file type")

	// ErrNoText is returned when a file was read but contained no text.
	ErrNoText = errors.New("no extractable text")
)

// Extraction method names recorded in chunk metadata.
const (
	MethodPdftotext = "pdftotext"
	MethodGoPDF     = "gopdf"
	MethodMarkdown  = "markdown"
)

// Page is the text of one source page. Number is 1-based.
type Page struct {
	Number int
	Text   string
	Method string
}

// TextExtractor reads a file and returns its non-empty pages in order.
type TextExtractor interface {
	Name() string
	Extract(ctx context.Context, path string) ([]Page, error)
}

// Chain tries extractors in order and returns the first non-empty result.
type Chain struct {
	extractors []TextExtractor
	logger     *slog.Logger
}

// NewChain creates a chain over the given extractors.
func NewChain(logger *slog.Logger, extractors ...TextExtractor) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{extractors: extractors, logger: logger}
}

// DefaultChain is markdown, then pdftotext, then the pure-Go PDF reader.
func DefaultChain(logger *slog.Logger) *Chain {
	return NewChain(logger,
		NewMarkdownExtractor(),
		NewPdftotextExtractor(nil),
		NewGoPDFExtractor(),
	)
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.extractors))
	for _, e := range c.extractors {
		names = append(names, e.Name())
	}
	return strings.Join(names, ",")
}

// Extract runs each extractor until one returns pages. When all fail the causes are
// joined under ErrExtractionFailed.
func (c *Chain) Extract(ctx context.Context, path string) ([]Page, error) {
	var errs []error
	for _, e := range c.extractors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pages, err := e.Extract(ctx, path)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		if err == nil && len(pages) == 0 {
			err = ErrNoText
		}
		if err != nil {
			c.logger.Warn("extractor failed, trying next",
				"extractor", e.Name(),
				"path", path,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}

		c.logger.Info("extracted text",
			"extractor", e.Name(),
			"path", path,
			"pages", len(pages))
		return pages, nil
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrExtractionFailed, filepath.Base(path), ErrUnsupported)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrExtractionFailed, filepath.Base(path), errors.Join(errs...))
}

func hasExtension(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// IsSupported reports whether the default chain can read path.
func IsSupported(path string) bool {
	return hasExtension(path, ".pdf", ".md", ".markdown")
}
