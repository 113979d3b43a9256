package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/pdf-rag-server/internal/retrieval"
	"github.com/bull/pdf-rag-server/internal/storage"
)

// Version is reported to MCP clients.
const Version = "v0.1.0"

var (
	// ErrMissingService is returned by NewServer without a retrieval service.
	ErrMissingService = errors.New("retrieval service is required")

	// ErrOutsideIngestRoot is returned by ingest_file for paths outside Config.IngestRoot.
	ErrOutsideIngestRoot = errors.New("path is outside the ingest root")
)

// Service is the retrieval pipeline the tools call. *retrieval.Orchestrator implements it.
type Service interface {
	IngestFile(ctx context.Context, path string, opts retrieval.IngestOptions) (*retrieval.IngestResult, error)
	Retrieve(ctx context.Context, query string, opts retrieval.RetrieveOptions) (*retrieval.Retrieval, error)
	Ask(ctx context.Context, query string, opts retrieval.AskOptions) (*retrieval.AskResult, error)
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	DocumentChunks(ctx context.Context, documentID string) ([]*storage.Chunk, error)
	Stats(ctx context.Context) (*storage.Stats, error)
	DefaultRetrieveOptions() retrieval.RetrieveOptions
}

var _ Service = (*retrieval.Orchestrator)(nil)

// Server wraps the MCP server with dependencies.
type Server struct {
	server  *mcp.Server
	service Service
	logger  *slog.Logger
}

// Config holds server dependencies.
type Config struct {
	Service Service
	// StorageBackend and EmbeddingModel are reported by get_index_status.
	StorageBackend string
	EmbeddingModel string
	// IngestRoot limits ingest_file to files below this directory. Empty allows any
	// path the server can read, which exposes those files to every client.
	IngestRoot string
	Logger     *slog.Logger
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Service == nil {
		return nil, ErrMissingService
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	impl := &mcp.Implementation{
		Name:    "pdf-rag-server",
		Version: Version,
	}
	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_file",
		Description: "Index a PDF or markdown file: extract text per page, split it into overlapping chunks, embed and store them. Re-ingesting the same file overwrites its chunks.",
	}, makeIngestHandler(cfg.Service, cfg.IngestRoot))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_chunks",
		Description: "Semantic search over indexed documents. Returns the most similar chunks with source file, page and similarity score.",
	}, makeSearchHandler(cfg.Service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Answer a question from the indexed documents. Retrieves relevant chunks and generates an answer that cites source files and pages.",
	}, makeAskHandler(cfg.Service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_document",
		Description: "Delete all chunks of a document by document id.",
	}, makeDeleteHandler(cfg.Service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_document_chunks",
		Description: "List the chunks of one document in page and chunk order.",
	}, makeListChunksHandler(cfg.Service))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_index_status",
		Description: "Get the current status of the index: document and chunk counts, and per-document source file, pages and extraction method.",
	}, makeStatusHandler(cfg.Service, cfg.StorageBackend, cfg.EmbeddingModel))

	return &Server{
		server:  server,
		service: cfg.Service,
		logger:  logger,
	}, nil
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server", "transport", "stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
// Used by transport handlers that need to wrap the server.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
