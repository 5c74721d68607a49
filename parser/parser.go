// Package parser turns source files into raw text plus a page map.
package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Format is the declared type of a source file.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatXLSX     Format = "xlsx"
)

var (
	ErrUnsupportedFormat = errors.New("parser: unsupported format")
	ErrFileTooLarge      = errors.New("parser: file too large")
	ErrNoText            = errors.New("parser: no usable text")
)

var extFormats = map[string]Format{
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".xlsx":     FormatXLSX,
}

var mimeFormats = map[string]Format{
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"text/plain":    FormatText,
	"text/markdown": FormatMarkdown,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": FormatXLSX,
}

// FormatFromPath maps a file extension to a Format.
func FormatFromPath(path string) (Format, error) {
	f, ok := extFormats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return f, nil
}

// FormatFromMIME maps a declared MIME type (parameters ignored) to a Format.
func FormatFromMIME(mime string) (Format, error) {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	f, ok := mimeFormats[base]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mime)
	}
	return f, nil
}

// ParseFormat accepts a Format name, a MIME type or a file extension.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch Format(s) {
	case FormatPDF, FormatDOCX, FormatText, FormatMarkdown, FormatXLSX:
		return Format(s), nil
	}
	if strings.Contains(s, "/") {
		return FormatFromMIME(s)
	}
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	return FormatFromPath("x" + s)
}

// PageSpan locates one page inside Extraction.Text as [Start, End).
type PageSpan struct {
	Number int `json:"number"`
	Start  int `json:"start"`
	End    int `json:"end"`
}

// Extraction is the raw text of a document plus its page boundaries.
type Extraction struct {
	Text           string
	Pages          []PageSpan
	Format         Format
	Method         string // engine that produced the text
	PagesTotal     int
	PagesExtracted int
	// Warnings report partial success, e.g. pages without text.
	Warnings []string
}

// PageAt returns the 1-based page containing byte offset off.
func (e *Extraction) PageAt(off int) int {
	return PageAt(e.Pages, off)
}

// PageAt returns the 1-based page containing byte offset off, or 1 when
// pages is empty.
func PageAt(pages []PageSpan, off int) int {
	if len(pages) == 0 {
		return 1
	}
	i := sort.Search(len(pages), func(i int) bool { return pages[i].End > off })
	if i == len(pages) {
		return pages[len(pages)-1].Number
	}
	return pages[i].Number
}

// Extractor produces an Extraction from a file of one format.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Extraction, error)
}

// ExtractionError reports that no engine produced usable text.
type ExtractionError struct {
	Path     string
	Format   Format
	Attempts []EngineAttempt
	Err      error
}

// EngineAttempt records the outcome of one extraction engine.
type EngineAttempt struct {
	Engine EngineKind
	Chars  int
	Err    error
}

func (e *ExtractionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "extracting %s (%s): %v", filepath.Base(e.Path), e.Format, e.Err)
	for _, a := range e.Attempts {
		if a.Err != nil {
			fmt.Fprintf(&b, "; %s: %v", a.Engine, a.Err)
		} else {
			fmt.Fprintf(&b, "; %s: %d chars", a.Engine, a.Chars)
		}
	}
	return b.String()
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// assemble joins cleaned pages with blank lines and records their spans.
// Empty pages keep a zero-width span so page numbers stay aligned.
func assemble(format Format, method string, pages []string) *Extraction {
	ex := &Extraction{Format: format, Method: method, PagesTotal: len(pages)}
	var b strings.Builder
	for i, p := range pages {
		p = Clean(p)
		if p == "" {
			ex.Warnings = append(ex.Warnings, fmt.Sprintf("page %d: no text extracted", i+1))
			ex.Pages = append(ex.Pages, PageSpan{Number: i + 1, Start: b.Len(), End: b.Len()})
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		start := b.Len()
		b.WriteString(p)
		ex.Pages = append(ex.Pages, PageSpan{Number: i + 1, Start: start, End: b.Len()})
		ex.PagesExtracted++
	}
	ex.Text = b.String()
	return ex
}
