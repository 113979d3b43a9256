// Package chunker splits extracted page text into overlapping, word-bounded chunks.
package chunker

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bull/pdf-rag-server/internal/extract"
	"github.com/bull/pdf-rag-server/internal/storage"
)

// ErrInvalidConfig is returned by New for impossible size/overlap settings.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Config controls chunk sizing. Sizes are counted in whitespace-separated words.
type Config struct {
	Size    int // Maximum words per chunk
	Overlap int // Words repeated from the end of the previous chunk

	// SplitOversized cuts sentences longer than Size into overlapping windows.
	// When false such a sentence becomes one chunk that exceeds Size.
	SplitOversized bool
}

// DefaultConfig returns 512-word chunks with a 50-word overlap.
func DefaultConfig() Config {
	return Config{Size: 512, Overlap: 50, SplitOversized: true}
}

// Validate checks size and overlap bounds.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("%w: chunk overlap must be in [0, %d), got %d", ErrInvalidConfig, c.Size, c.Overlap)
	}
	return nil
}

// Chunker turns pages into storage chunks without embeddings.
type Chunker struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Chunker.
type Option func(*Chunker)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Chunker) { c.now = now }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chunker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New validates cfg and returns a chunker.
func New(cfg Config, opts ...Option) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Chunker{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the chunker's settings.
func (c *Chunker) Config() Config { return c.cfg }

// Chunk splits every page into chunks. Chunk indexes restart at 0 on each page and ids
// are derived from (documentID, page, index), so the same input always yields the same
// ids. base is copied into every chunk's metadata.
func (c *Chunker) Chunk(pages []extract.Page, documentID string, base map[string]any) []*storage.Chunk {
	createdAt := c.now().UTC()

	var chunks []*storage.Chunk
	for _, page := range pages {
		for idx, content := range c.SplitPage(page.Text) {
			metadata := maps.Clone(base)
			if metadata == nil {
				metadata = make(map[string]any, 4)
			}
			if page.Method != "" {
				metadata[storage.MetaExtractionMethod] = page.Method
			}
			metadata[storage.MetaWordCount] = len(strings.Fields(content))
			metadata[storage.MetaCharCount] = utf8.RuneCountInString(content)

			chunks = append(chunks, &storage.Chunk{
				ID:         ChunkID(documentID, page.Number, idx),
				DocumentID: documentID,
				Content:    content,
				PageNumber: page.Number,
				ChunkIndex: idx,
				Metadata:   metadata,
				CreatedAt:  createdAt,
			})
		}
	}

	c.logger.Debug("chunked document",
		"document_id", documentID,
		"pages", len(pages),
		"chunks", len(chunks))
	return chunks
}

// SplitPage returns the chunk texts of one page, in order. Blank text yields none.
func (c *Chunker) SplitPage(text string) []string {
	var out []string
	var buf []string

	emit := func(words []string) {
		if len(words) > 0 {
			out = append(out, strings.Join(words, " "))
		}
	}

	for _, sentence := range SplitSentences(Clean(text)) {
		words := strings.Fields(sentence)
		if len(buf) > 0 && len(buf)+len(words) > c.cfg.Size {
			emit(buf)
			buf = append(c.tail(buf), words...)
		} else {
			buf = append(buf, words...)
		}

		if c.cfg.SplitOversized {
			buf = c.drain(buf, emit)
		}
	}
	emit(buf)
	return out
}

// drain emits full windows while buf is longer than Size. Each window starts with the
// last Overlap words of the previous one.
func (c *Chunker) drain(buf []string, emit func([]string)) []string {
	step := c.cfg.Size - c.cfg.Overlap
	for len(buf) > c.cfg.Size {
		emit(buf[:c.cfg.Size])
		buf = append([]string(nil), buf[step:]...)
	}
	return buf
}

// tail returns a copy of the last Overlap words of buf.
func (c *Chunker) tail(buf []string) []string {
	n := min(c.cfg.Overlap, len(buf))
	return append(make([]string, 0, n), buf[len(buf)-n:]...)
}
