package extract

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// MarkdownExtractor treats each H1/H2 section of a markdown file as a page.
// Section text is prefixed with its header path so chunks keep their context.
type MarkdownExtractor struct {
	parser goldmark.Markdown
}

// NewMarkdownExtractor creates a new markdown extractor configured with goldmark parser.
func NewMarkdownExtractor() *MarkdownExtractor {
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &MarkdownExtractor{parser: md}
}

func (e *MarkdownExtractor) Name() string { return MethodMarkdown }

func (e *MarkdownExtractor) Extract(ctx context.Context, path string) ([]Page, error) {
	if !hasExtension(path, ".md", ".markdown") {
		return nil, ErrUnsupported
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading markdown: %w", err)
	}
	return e.Sections(source)
}

// Sections splits source at H1 and H2 boundaries. Text before the first heading becomes
// its own page. A document without headings is a single page.
func (e *MarkdownExtractor) Sections(source []byte) ([]Page, error) {
	doc := e.parser.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),   // Include H1
		toc.MaxDepth(2),   // Split at H1 and H2 only
		toc.Compact(true), // Remove empty items
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	paths := make(map[string]string)
	collectHeaderPaths(tree.Items, nil, paths)

	headings := sectionHeadings(doc)
	var pages []Page
	add := func(body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		pages = append(pages, Page{Number: len(pages) + 1, Text: body, Method: MethodMarkdown})
	}

	if len(headings) == 0 {
		add(string(source))
		return pages, nil
	}

	add(string(source[:headingStart(headings[0], source)]))
	for i, h := range headings {
		start := h.Lines().At(0).Start
		end := len(source)
		if i+1 < len(headings) {
			end = headingStart(headings[i+1], source)
		}
		body := strings.TrimSpace(string(source[start:end]))

		id, _ := h.AttributeString("id")
		idBytes, _ := id.([]byte)
		if headerPath := paths[string(idBytes)]; headerPath != "" {
			body = fmt.Sprintf("%s\n\n%s", headerPath, body)
		}
		add(body)
	}
	return pages, nil
}

// collectHeaderPaths maps heading ids to "# Title > ## Section" paths.
func collectHeaderPaths(items toc.Items, ancestors []string, out map[string]string) {
	for _, item := range items {
		current := append(append([]string(nil), ancestors...), string(item.Title))
		out[string(item.ID)] = formatHeaderPath(current)
		if len(item.Items) > 0 {
			collectHeaderPaths(item.Items, current, out)
		}
	}
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Installation", "Prerequisites"] -> "# Installation > ## Prerequisites"
func formatHeaderPath(path []string) string {
	parts := make([]string, 0, len(path))
	for i, segment := range path {
		parts = append(parts, fmt.Sprintf("%s %s", strings.Repeat("#", i+1), segment))
	}
	return strings.Join(parts, " > ")
}

// sectionHeadings returns H1 and H2 nodes with text, in document order.
func sectionHeadings(doc ast.Node) []*ast.Heading {
	var out []*ast.Heading
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		h := n.(*ast.Heading)
		if h.Level <= 2 && h.Lines().Len() > 0 {
			out = append(out, h)
		}
		return ast.WalkSkipChildren, nil
	})
	return out
}

// headingStart returns the offset of the line holding the heading, so the "#" markers
// of the next section are not left behind in the previous one.
func headingStart(h *ast.Heading, source []byte) int {
	start := h.Lines().At(0).Start
	for start > 0 && source[start-1] != '\n' {
		start--
	}
	return start
}
