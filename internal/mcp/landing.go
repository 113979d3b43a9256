package mcp

import "net/http"

const landingHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>PDF RAG MCP Server</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif; background: #111827; color: #e5e7eb; min-height: 100vh; display: flex; align-items: center; justify-content: center; }
  .card { max-width: 640px; width: 90%; background: #1f2937; border-radius: 10px; padding: 2.25rem; }
  h1 { font-size: 1.6rem; margin-bottom: 0.5rem; color: #f9fafb; }
  .subtitle { color: #9ca3af; margin-bottom: 1.5rem; }
  .section { margin-bottom: 1.25rem; }
  .section-title { font-size: 0.75rem; text-transform: uppercase; letter-spacing: 0.08em; color: #6b7280; margin-bottom: 0.5rem; }
  a { color: #60a5fa; text-decoration: none; }
  pre { background: #111827; border: 1px solid #374151; border-radius: 6px; padding: 0.9rem; overflow-x: auto; font-size: 0.85rem; }
  code, .endpoint { font-family: "SF Mono", Menlo, monospace; }
  li { margin-left: 1.2rem; line-height: 1.6; }
</style>
</head>
<body>
<div class="card">
  <h1>PDF RAG MCP Server</h1>
  <p class="subtitle">Question answering over indexed PDF and markdown documents via the Model Context Protocol.</p>

  <div class="section">
    <div class="section-title">Connect</div>
    <pre><code>{"type": "streamable-http", "url": "http://localhost:8080/mcp"}</code></pre>
  </div>

  <div class="section">
    <div class="section-title">Tools</div>
    <ul>
      <li><code>ingest_file</code>, <code>delete_document</code></li>
      <li><code>search_chunks</code>, <code>ask</code></li>
      <li><code>list_document_chunks</code>, <code>get_index_status</code></li>
    </ul>
  </div>

  <div class="section">
    <div class="section-title">Endpoints</div>
    <p><a href="/mcp" class="endpoint">/mcp</a> MCP Streamable HTTP</p>
    <p><a href="/health" class="endpoint">/health</a> Health check</p>
  </div>
</div>
</body>
</html>`

// NewLandingHandler returns an HTTP handler that serves the landing page at /.
func NewLandingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(landingHTML))
	}
}
