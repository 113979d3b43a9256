package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
)

// Repository persists chunks with their embeddings.
//
// Lookups of unknown ids or documents are not errors: GetByID reports found=false and
// DeleteDocument returns 0. Implementations must be safe for concurrent use.
type Repository interface {
	// Upsert writes every valid chunk, replacing chunks that share an id.
	// Invalid chunks and per-chunk write failures are listed in the report;
	// the error is reserved for cancellation.
	Upsert(ctx context.Context, chunks []*Chunk) (*UpsertReport, error)

	// Insert writes a new chunk and fails with ErrDuplicateChunk if the id exists.
	Insert(ctx context.Context, chunk *Chunk) error

	GetByID(ctx context.Context, id string) (*Chunk, bool, error)

	// GetByDocument returns chunks ordered by (page_number, chunk_index).
	GetByDocument(ctx context.Context, documentID string) ([]*Chunk, error)

	// DeleteDocument removes all chunks of a document and returns how many were removed.
	DeleteDocument(ctx context.Context, documentID string) (int, error)

	// DeleteChunks removes the given chunk ids and returns how many existed.
	DeleteChunks(ctx context.Context, ids []string) (int, error)

	Stats(ctx context.Context) (*Stats, error)

	// Scan calls fn for every stored chunk in insertion order, restricted to one
	// document when documentID is non-empty. The chunk passed to fn must not be modified.
	Scan(ctx context.Context, documentID string, fn func(*Chunk) error) error

	Dimension() int
	Health(ctx context.Context) error
	Close() error
}

// Validate checks a chunk against the repository invariants.
func Validate(c *Chunk, dimension int) error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil chunk", ErrInvalidChunk)
	case c.ID == "":
		return fmt.Errorf("%w: empty chunk id", ErrInvalidChunk)
	case c.DocumentID == "":
		return fmt.Errorf("%w: chunk %s has no document id", ErrInvalidChunk, c.ID)
	case strings.TrimSpace(c.Content) == "":
		return fmt.Errorf("%w: chunk %s has empty content", ErrInvalidChunk, c.ID)
	case c.PageNumber < 1:
		return fmt.Errorf("%w: chunk %s has page number %d", ErrInvalidChunk, c.ID, c.PageNumber)
	case c.ChunkIndex < 0:
		return fmt.Errorf("%w: chunk %s has index %d", ErrInvalidChunk, c.ID, c.ChunkIndex)
	case len(c.Embedding) != dimension:
		return fmt.Errorf("%w: chunk %s has %d dimensions, expected %d",
			ErrDimensionMismatch, c.ID, len(c.Embedding), dimension)
	}
	return nil
}

// SortByPosition orders chunks by (page_number, chunk_index).
func SortByPosition(chunks []*Chunk) {
	slices.SortFunc(chunks, func(a, b *Chunk) int {
		if c := cmp.Compare(a.PageNumber, b.PageNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
}

// statsBuilder groups chunks by document for backends without server-side aggregation.
type statsBuilder struct {
	docs  map[string]*docAccumulator
	total int
}

type docAccumulator struct {
	stats     DocumentStats
	pages     map[int]struct{}
	firstPage int
	firstIdx  int
}

func newStatsBuilder() *statsBuilder {
	return &statsBuilder{docs: make(map[string]*docAccumulator)}
}

func (b *statsBuilder) add(c *Chunk) {
	b.total++
	acc, ok := b.docs[c.DocumentID]
	if !ok {
		acc = &docAccumulator{
			stats: DocumentStats{DocumentID: c.DocumentID, CreatedAt: c.CreatedAt},
			pages: make(map[int]struct{}),
		}
		b.docs[c.DocumentID] = acc
	}
	acc.stats.ChunkCount++
	acc.pages[c.PageNumber] = struct{}{}
	if c.CreatedAt.Before(acc.stats.CreatedAt) {
		acc.stats.CreatedAt = c.CreatedAt
	}
	// Representative metadata comes from the first chunk of the document.
	if acc.stats.ChunkCount == 1 || c.PageNumber < acc.firstPage ||
		(c.PageNumber == acc.firstPage && c.ChunkIndex < acc.firstIdx) {
		acc.firstPage, acc.firstIdx = c.PageNumber, c.ChunkIndex
		acc.stats.SourceFile = metaString(c.Metadata, MetaSourceFile)
		acc.stats.ExtractionMethod = metaString(c.Metadata, MetaExtractionMethod)
	}
}

func (b *statsBuilder) build() *Stats {
	out := &Stats{TotalDocuments: len(b.docs), TotalChunks: b.total}
	out.Documents = make([]DocumentStats, 0, len(b.docs))
	for _, acc := range b.docs {
		acc.stats.PageCount = len(acc.pages)
		out.Documents = append(out.Documents, acc.stats)
	}
	sortDocumentStats(out.Documents)
	return out
}

func sortDocumentStats(docs []DocumentStats) {
	slices.SortFunc(docs, func(a, b DocumentStats) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.DocumentID, b.DocumentID)
	})
}
