package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/manuals/contents/docs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"type": "file", "name": "ops.pdf", "path": "docs/ops.pdf", "sha": "sha-ops", "size": 2048},
			{"type": "file", "name": "logo.png", "path": "docs/logo.png", "sha": "sha-logo", "size": 10},
			{"type": "dir", "name": "guides", "path": "docs/guides"},
		})
	})
	mux.HandleFunc("/repos/acme/manuals/contents/docs/guides", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"type": "file", "name": "setup.md", "path": "docs/guides/setup.md", "sha": "sha-setup", "size": 12},
		})
	})
	mux.HandleFunc("/repos/acme/manuals/contents/docs/guides/setup.md", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"type":     "file",
			"name":     "setup.md",
			"path":     "docs/guides/setup.md",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte("# Setup\n\nInstall it.")),
		})
	})
	mux.HandleFunc("/repos/acme/manuals/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "docs", r.URL.Query().Get("path"))
		writeJSON(w, []map[string]any{{"sha": "commit-123"}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient("")
	require.NoError(t, err)
	client, err = client.WithBaseURL(srv.URL)
	require.NoError(t, err)
	return NewFetcher(client, "acme", "manuals", "docs", "")
}

func TestListFiles(t *testing.T) {
	f := newTestFetcher(t)

	files, err := f.ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "ops.pdf", files[0].Path)
	assert.Equal(t, "sha-ops", files[0].SHA)
	assert.Equal(t, 2048, files[0].Size)
	assert.Equal(t, "guides/setup.md", files[1].Path)
}

func TestDownload(t *testing.T) {
	f := newTestFetcher(t)
	dest := t.TempDir()

	local, err := f.Download(context.Background(), "guides/setup.md", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "guides", "setup.md"), local)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "# Setup\n\nInstall it.", string(data))
}

func TestDownload_RejectsEscapingPath(t *testing.T) {
	f := newTestFetcher(t)

	_, err := f.Download(context.Background(), "../outside.pdf", t.TempDir())
	assert.Error(t, err)
}

func TestGetLatestCommitSHA(t *testing.T) {
	f := newTestFetcher(t)

	sha, err := f.GetLatestCommitSHA(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "commit-123", sha)
	assert.Equal(t, "acme/manuals", f.Repository())
}
