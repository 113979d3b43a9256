package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bull/pdf-rag-server/internal/storage/migrations"
)

// SQLiteRepository stores chunks in a single SQLite table with a unique chunk_id index and
// a (document_id, page_number, chunk_index) index for document range scans.
type SQLiteRepository struct {
	db        *sql.DB
	path      string
	dimension int
}

var _ Repository = (*SQLiteRepository)(nil)

const chunkColumns = `chunk_id, document_id, content, page_number, chunk_index, embedding, metadata, created_at`

// NewSQLiteRepository opens (or creates) the database at path and runs pending migrations.
// A database created with another embedding dimension is rejected.
func NewSQLiteRepository(path string, dimension int) (*SQLiteRepository, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// WAL lets searches read while ingestion writes.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}

	r := &SQLiteRepository{db: db, path: path, dimension: dimension}
	if err := r.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := r.checkDimension(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Path returns the database file path.
func (r *SQLiteRepository) Path() string { return r.path }

func (r *SQLiteRepository) Dimension() int { return r.dimension }

func (r *SQLiteRepository) Health(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// migrate runs all pending migrations.
func (r *SQLiteRepository) migrate(fsys embed.FS) error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := r.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_chunks.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := r.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := r.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) checkDimension() error {
	var stored string
	err := r.db.QueryRow("SELECT value FROM repository_meta WHERE key = 'dimension'").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = r.db.Exec("INSERT INTO repository_meta (key, value) VALUES ('dimension', ?)",
			strconv.Itoa(r.dimension))
		if err != nil {
			return fmt.Errorf("recording dimension: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading dimension: %w", err)
	}
	if stored != strconv.Itoa(r.dimension) {
		return fmt.Errorf("%w: database %s holds %s-dimension vectors, configured %d",
			ErrDimensionMismatch, r.path, stored, r.dimension)
	}
	return nil
}

// Upsert writes each chunk in its own statement so one failure can't roll back the others.
func (r *SQLiteRepository) Upsert(ctx context.Context, chunks []*Chunk) (*UpsertReport, error) {
	report := &UpsertReport{}
	if len(chunks) == 0 {
		return report, nil
	}

	stmt, err := r.db.PrepareContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`, source_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			document_id = excluded.document_id,
			content = excluded.content,
			page_number = excluded.page_number,
			chunk_index = excluded.chunk_index,
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			source_file = excluded.source_file,
			created_at = excluded.created_at
	`)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		// Preparation failing means no chunk can be written.
		for _, c := range chunks {
			report.fail(chunkID(c), fmt.Errorf("%w: %v", ErrBackendUnreachable, err))
		}
		return report, nil
	}
	defer stmt.Close()

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := Validate(c, r.dimension); err != nil {
			report.fail(chunkID(c), err)
			continue
		}
		args, err := chunkArgs(c)
		if err != nil {
			report.fail(c.ID, err)
			continue
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			report.fail(c.ID, fmt.Errorf("saving chunk: %w", err))
			continue
		}
		report.Written = append(report.Written, c.ID)
	}
	return report, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, c *Chunk) error {
	if err := Validate(c, r.dimension); err != nil {
		return err
	}
	args, err := chunkArgs(c)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`, source_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO NOTHING
	`, args...)
	if err != nil {
		return fmt.Errorf("inserting chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting chunk: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateChunk, c.ID)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Chunk, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ?`, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (r *SQLiteRepository) GetByDocument(ctx context.Context, documentID string) ([]*Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE document_id = ?
		ORDER BY page_number, chunk_index
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk //nolint:prealloc // size unknown from query
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}

func (r *SQLiteRepository) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID)
	if err != nil {
		return 0, fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting document: %w", err)
	}
	return int(n), nil
}

// DeleteChunks removes ids in one transaction.
func (r *SQLiteRepository) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM chunks WHERE chunk_id = ?")
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	defer stmt.Close()

	removed := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("deleting chunk %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("deleting chunk %s: %w", id, err)
		}
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return removed, nil
}

func (r *SQLiteRepository) Stats(ctx context.Context) (*Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT g.document_id, g.chunk_count, g.page_count, g.created_at,
		       f.source_file, COALESCE(json_extract(f.metadata, '$.extraction_method'), '')
		FROM (
			SELECT document_id,
			       COUNT(*) AS chunk_count,
			       COUNT(DISTINCT page_number) AS page_count,
			       MIN(created_at) AS created_at
			FROM chunks
			GROUP BY document_id
		) g
		JOIN chunks f ON f.seq = (
			SELECT c.seq FROM chunks c
			WHERE c.document_id = g.document_id
			ORDER BY c.page_number, c.chunk_index
			LIMIT 1
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{Documents: []DocumentStats{}}
	for rows.Next() {
		var d DocumentStats
		var createdAt int64
		if err := rows.Scan(&d.DocumentID, &d.ChunkCount, &d.PageCount, &createdAt,
			&d.SourceFile, &d.ExtractionMethod); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		d.CreatedAt = time.Unix(0, createdAt)
		stats.TotalDocuments++
		stats.TotalChunks += d.ChunkCount
		stats.Documents = append(stats.Documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stats: %w", err)
	}
	sortDocumentStats(stats.Documents)
	return stats, nil
}

func (r *SQLiteRepository) Scan(ctx context.Context, documentID string, fn func(*Chunk) error) error {
	query := `SELECT ` + chunkColumns + ` FROM chunks ORDER BY seq`
	var args []any
	if documentID != "" {
		query = `SELECT ` + chunkColumns + ` FROM chunks WHERE document_id = ? ORDER BY seq`
		args = append(args, documentID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating chunks: %w", err)
	}
	return nil
}

// ==================== Helper Functions ====================

type rowScanner interface {
	Scan(dest ...any) error
}

func chunkArgs(c *Chunk) ([]any, error) {
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshalling chunk metadata: %w", err)
	}
	return []any{
		c.ID, c.DocumentID, c.Content, c.PageNumber, c.ChunkIndex,
		float32SliceToBytes(c.Embedding), string(metadataJSON), c.CreatedAt.UnixNano(),
		c.SourceFile(),
	}, nil
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var embeddingBlob []byte
	var metadataJSON string
	var createdAt int64

	if err := row.Scan(&c.ID, &c.DocumentID, &c.Content, &c.PageNumber, &c.ChunkIndex,
		&embeddingBlob, &metadataJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning chunk: %w", err)
	}

	c.Embedding = bytesToFloat32Slice(embeddingBlob)
	c.CreatedAt = time.Unix(0, createdAt)
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling chunk metadata: %w", err)
		}
		normalizeMetadata(c.Metadata)
	}
	return &c, nil
}

// float32SliceToBytes converts a []float32 to a little-endian byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
