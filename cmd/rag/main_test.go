package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/pdf-rag-server/internal/chunker"
)

// offlineEnv points the CLI at a throwaway SQLite database and the local hash embedder.
func offlineEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "rag.db"))
	t.Setenv("EMBEDDING_PROVIDER", "hash")
	t.Setenv("EMBEDDING_DIMENSION", "128")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_IngestQueryDelete(t *testing.T) {
	dir := offlineEnv(t)
	content := []byte("# Emergency\n\nEngine failure after takeoff. Land straight ahead.\n\n## Fire\n\nCabin fire. Turn the master switch off.")
	doc := filepath.Join(dir, "emergency.md")
	require.NoError(t, os.WriteFile(doc, content, 0o600))
	docID := chunker.DocumentID(content)

	out, err := run(t, "ingest", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "Documents: 1/1")
	assert.Contains(t, out, docID)

	out, err = run(t, "query", "cabin fire master switch", "-k", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "emergency.md p.2")

	out, err = run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Documents: 1")
	assert.Contains(t, out, "Chunks: 2")

	out, err = run(t, "chunks", docID)
	require.NoError(t, err)
	assert.Contains(t, out, "2 chunks")

	// Same content, same id: the second ingest overwrites in place.
	_, err = run(t, "ingest", doc)
	require.NoError(t, err)
	out, err = run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Chunks: 2")

	out, err = run(t, "delete", docID, "unknown-doc")
	require.NoError(t, err)
	assert.Contains(t, out, docID+": deleted 2 chunks")
	assert.Contains(t, out, "unknown-doc: not found")
}

func TestCLI_QueryJSON(t *testing.T) {
	dir := offlineEnv(t)
	doc := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(doc, []byte("Carburetor heat on before reducing power."), 0o600))

	_, err := run(t, "ingest", "--id", "notes", doc)
	require.NoError(t, err)

	out, err := run(t, "query", "--json", "--threshold", "0", "carburetor heat")
	require.NoError(t, err)
	assert.Contains(t, out, `"document_id": "notes"`)
	assert.Contains(t, out, `"chunks_retrieved": 1`)
}

func TestCLI_Errors(t *testing.T) {
	offlineEnv(t)

	_, err := run(t, "ask", "what now?")
	assert.Error(t, err)

	_, err = run(t, "ingest-github", "not-a-repo")
	assert.Error(t, err)

	t.Setenv("CHUNK_OVERLAP", "600")
	_, err = run(t, "stats")
	assert.Error(t, err)
}
