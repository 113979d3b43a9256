package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// GoPDFExtractor reads PDFs with a pure-Go parser. It needs no external tools but
// handles fewer encodings than pdftotext.
type GoPDFExtractor struct{}

func NewGoPDFExtractor() *GoPDFExtractor {
	return &GoPDFExtractor{}
}

func (e *GoPDFExtractor) Name() string { return MethodGoPDF }

func (e *GoPDFExtractor) Extract(ctx context.Context, path string) (pages []Page, err error) {
	if !hasExtension(path, ".pdf") {
		return nil, ErrUnsupported
	}

	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("parsing %s: %v", path, r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("reading page %d: %w", i, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text, Method: MethodGoPDF})
	}
	return pages, nil
}
