package storage

import (
	"maps"
	"time"
)

// Chunk is one retrievable span of a source document together with its embedding.
// Chunks are keyed by ID; (DocumentID, PageNumber, ChunkIndex) is unique.
//
// Persistent backends store Metadata as JSON. word_count and char_count are read back as
// int by every backend; other caller-supplied numbers come back as float64.
type Chunk struct {
	ID         string         // Deterministic UUID derived from document, page and index
	DocumentID string         // Groups all chunks of one ingested file
	Content    string         // Normalised chunk text
	PageNumber int            // 1-based source page
	ChunkIndex int            // 0-based position within the page
	Embedding  []float32      // Repository-dimension vector
	Metadata   map[string]any // source_file, extraction_method, word_count, char_count
	CreatedAt  time.Time
}

// Clone returns a deep copy so callers can't alias stored state.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	out := *c
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	if c.Metadata != nil {
		out.Metadata = maps.Clone(c.Metadata)
	}
	return &out
}

// SourceFile returns the source_file metadata value, or "".
func (c *Chunk) SourceFile() string {
	return metaString(c.Metadata, MetaSourceFile)
}

// Metadata keys written by the chunker.
const (
	MetaSourceFile       = "source_file"
	MetaExtractionMethod = "extraction_method"
	MetaWordCount        = "word_count"
	MetaCharCount        = "char_count"
)

// ScoredChunk is a chunk with the similarity score a backend computed for it.
type ScoredChunk struct {
	Chunk *Chunk
	Score float64
}

// FailedChunk records a chunk that could not be written.
type FailedChunk struct {
	ID     string
	Reason string
}

// UpsertReport lists the outcome of a best-effort batch write.
type UpsertReport struct {
	Written []string
	Failed  []FailedChunk
}

func (r *UpsertReport) fail(id string, err error) {
	r.Failed = append(r.Failed, FailedChunk{ID: id, Reason: err.Error()})
}

// DocumentStats summarises the chunks stored for one document.
type DocumentStats struct {
	DocumentID       string
	ChunkCount       int
	PageCount        int
	SourceFile       string
	ExtractionMethod string
	CreatedAt        time.Time
}

// Stats is the repository-wide aggregate grouped by document.
type Stats struct {
	TotalDocuments int
	TotalChunks    int
	Documents      []DocumentStats
}

// normalizeMetadata restores the int type of the chunker's counters after a JSON round trip.
func normalizeMetadata(m map[string]any) {
	for _, key := range []string{MetaWordCount, MetaCharCount} {
		if f, ok := m[key].(float64); ok {
			m[key] = int(f)
		}
	}
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
