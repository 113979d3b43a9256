// Package mcp exposes the retrieval pipeline as Model Context Protocol tools.
package mcp

import "time"

// IngestFileInput defines the input parameters for the ingest_file tool.
type IngestFileInput struct {
	// Path is a PDF or markdown file on the server's filesystem.
	Path string `json:"path" jsonschema:"path of a PDF or markdown file readable by the server"`
	// DocumentID overrides the content-derived document id.
	DocumentID string `json:"document_id,omitempty" jsonschema:"optional document id, derived from the file content when omitted"`
	// Replace removes chunks of the previous version that the new one no longer has.
	Replace bool `json:"replace,omitempty" jsonschema:"remove chunks left over from a previous version of the document"`
}

// IngestFileOutput reports the indexed document.
type IngestFileOutput struct {
	DocumentID   string `json:"document_id"`
	SourceFile   string `json:"source_file"`
	PageCount    int    `json:"page_count"`
	ChunkCount   int    `json:"chunk_count"`
	FailedChunks int    `json:"failed_chunks"`
	Removed      int    `json:"removed_chunks"`
	DurationMS   int64  `json:"duration_ms"`
}

// SearchChunksInput defines the input parameters for the search_chunks tool.
type SearchChunksInput struct {
	// Query is the natural-language search query.
	Query string `json:"query" jsonschema:"the natural-language query to find relevant passages"`
	// MaxResults is the maximum number of chunks to return.
	MaxResults int `json:"max_results,omitempty" jsonschema:"maximum number of chunks to return (default 5)"`
	// MinScore is the minimum cosine similarity (0-1).
	MinScore *float64 `json:"min_score,omitempty" jsonschema:"minimum similarity between 0 and 1 (default 0.3)"`
	// DocumentID restricts the search to one document.
	DocumentID string `json:"document_id,omitempty" jsonschema:"only search chunks of this document"`
}

// ChunkResult is one stored chunk, with its similarity when returned by a search.
type ChunkResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	SourceFile string  `json:"source_file,omitempty"`
	Page       int     `json:"page_number"`
	ChunkIndex int     `json:"chunk_index"`
	Similarity float64 `json:"similarity,omitempty"`
	Content    string  `json:"content"`
}

// RetrievalSummary describes a result set.
type RetrievalSummary struct {
	ChunksRetrieved int     `json:"chunks_retrieved"`
	AvgSimilarity   float64 `json:"avg_similarity"`
	Threshold       float64 `json:"similarity_threshold"`
}

// SearchChunksOutput contains the ranked chunks.
type SearchChunksOutput struct {
	Results []ChunkResult    `json:"results"`
	Summary RetrievalSummary `json:"summary"`
	// Message provides informational context (e.g., "No matching chunks found").
	Message string `json:"message,omitempty"`
}

// AskInput defines the input parameters for the ask tool.
type AskInput struct {
	Question   string   `json:"question" jsonschema:"the question to answer from the indexed documents"`
	MaxResults int      `json:"max_results,omitempty" jsonschema:"number of chunks used as context (default 5)"`
	MinScore   *float64 `json:"min_score,omitempty" jsonschema:"minimum similarity of context chunks between 0 and 1 (default 0.3)"`
	DocumentID string   `json:"document_id,omitempty" jsonschema:"only use chunks of this document as context"`
}

// AnswerSource is a cited file and page.
type AnswerSource struct {
	File       string  `json:"file"`
	Page       int     `json:"page"`
	Similarity float64 `json:"similarity"`
}

// TokenUsage reports model token consumption.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Timings is the time spent per phase in milliseconds.
type Timings struct {
	RetrievalMS  int64 `json:"retrieval_ms"`
	GenerationMS int64 `json:"generation_ms"`
	TotalMS      int64 `json:"total_ms"`
}

// AskOutput contains the generated answer and its provenance.
type AskOutput struct {
	Answer            string           `json:"answer"`
	Model             string           `json:"model"`
	Sources           []AnswerSource   `json:"sources"`
	Usage             TokenUsage       `json:"usage"`
	ContextChunksUsed int              `json:"context_chunks_used"`
	Summary           RetrievalSummary `json:"summary"`
	Timings           Timings          `json:"timings"`
}

// DeleteDocumentInput defines the input parameters for the delete_document tool.
type DeleteDocumentInput struct {
	DocumentID string `json:"document_id" jsonschema:"id of the document to delete"`
}

// DeleteDocumentOutput reports how many chunks were removed.
type DeleteDocumentOutput struct {
	DocumentID    string `json:"document_id"`
	DeletedChunks int    `json:"deleted_chunks"`
	Found         bool   `json:"found"`
}

// ListDocumentChunksInput defines the input parameters for the list_document_chunks tool.
type ListDocumentChunksInput struct {
	DocumentID string `json:"document_id" jsonschema:"id of the document whose chunks to list"`
}

// ListDocumentChunksOutput contains a document's chunks in reading order.
type ListDocumentChunksOutput struct {
	DocumentID string        `json:"document_id"`
	Chunks     []ChunkResult `json:"chunks"`
	Count      int           `json:"count"`
}

// StatusInput defines the input parameters for the get_index_status tool.
// This tool takes no parameters.
type StatusInput struct{}

// DocumentStatus summarises one indexed document.
type DocumentStatus struct {
	DocumentID       string    `json:"document_id"`
	SourceFile       string    `json:"source_file,omitempty"`
	ChunkCount       int       `json:"chunk_count"`
	PageCount        int       `json:"page_count"`
	ExtractionMethod string    `json:"extraction_method,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// StatusOutput describes the index.
type StatusOutput struct {
	TotalDocuments int              `json:"total_documents"`
	TotalChunks    int              `json:"total_chunks"`
	Documents      []DocumentStatus `json:"documents"`
	StorageBackend string           `json:"storage_backend,omitempty"`
	EmbeddingModel string           `json:"embedding_model,omitempty"`
}
