package extract

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner is the default CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its stdout.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// PdftotextExtractor shells out to poppler's pdftotext. Pages are separated by form feeds.
type PdftotextExtractor struct {
	runner CommandRunner
}

// NewPdftotextExtractor creates an extractor; nil runner means ExecRunner.
func NewPdftotextExtractor(runner CommandRunner) *PdftotextExtractor {
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &PdftotextExtractor{runner: runner}
}

func (e *PdftotextExtractor) Name() string { return MethodPdftotext }

func (e *PdftotextExtractor) Extract(ctx context.Context, path string) ([]Page, error) {
	if !hasExtension(path, ".pdf") {
		return nil, ErrUnsupported
	}

	// "-" sends output to stdout.
	output, err := e.runner.Run(ctx, "pdftotext", "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}
	return splitFormFeeds(string(output), MethodPdftotext), nil
}

// splitFormFeeds numbers pages by position and drops blank ones.
func splitFormFeeds(output, method string) []Page {
	var pages []Page
	for i, text := range strings.Split(output, "\f") {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: text, Method: method})
	}
	return pages
}

// InstallInstructions returns instructions for installing pdftotext.
func InstallInstructions() string {
	return `pdftotext is optional; without it the built-in PDF reader is used.

Install poppler:
  macOS:    brew install poppler
  Ubuntu:   apt install poppler-utils
  Fedora:   dnf install poppler-utils`
}
