package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brunobiangulo/lexrag/llm"
)

// Config controls extraction.
type Config struct {
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`
	// MinCharsPerPage is the near-empty threshold: a PDF engine whose
	// output has fewer non-space characters than this times the page
	// count hands over to the next engine.
	MinCharsPerPage float64 `json:"min_chars_per_page" yaml:"min_chars_per_page"`
	// OCRMaxPages bounds the pages sent to the OCR engine.
	OCRMaxPages int `json:"ocr_max_pages" yaml:"ocr_max_pages"`

	LlamaParse *LlamaParseConfig `json:"llamaparse,omitempty" yaml:"llamaparse,omitempty"`
}

// DefaultConfig returns the extraction defaults.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:     50 << 20,
		MinCharsPerPage: 50,
		OCRMaxPages:     10,
	}
}

// Registry dispatches extraction by Format.
type Registry struct {
	cfg  Config
	pdf  *PDFExtractor
	docx Extractor
	text Extractor
	md   Extractor
	xlsx Extractor
}

// NewRegistry builds the extractor set. vision may be nil, in which case
// the PDF OCR engine is disabled.
func NewRegistry(cfg Config, vision llm.VisionProvider) *Registry {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultConfig().MaxFileSize
	}
	if cfg.OCRMaxPages <= 0 {
		cfg.OCRMaxPages = DefaultConfig().OCRMaxPages
	}
	return &Registry{
		cfg:  cfg,
		pdf:  NewPDFExtractor(cfg, vision),
		docx: &DOCXExtractor{},
		text: &TextExtractor{},
		md:   &MarkdownExtractor{},
		xlsx: &XLSXExtractor{},
	}
}

// Extract validates the file and runs the extractor for format.
func (r *Registry) Extract(ctx context.Context, path string, format Format) (*Extraction, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ExtractionError{Path: path, Format: format, Err: err}
	}
	if info.Size() > r.cfg.MaxFileSize {
		return nil, &ExtractionError{Path: path, Format: format,
			Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, info.Size(), r.cfg.MaxFileSize)}
	}

	var x Extractor
	switch format {
	case FormatPDF:
		x = r.pdf
	case FormatDOCX:
		x = r.docx
	case FormatText:
		x = r.text
	case FormatMarkdown:
		x = r.md
	case FormatXLSX:
		x = r.xlsx
	default:
		return nil, &ExtractionError{Path: path, Format: format, Err: ErrUnsupportedFormat}
	}

	start := time.Now()
	ex, err := x.Extract(ctx, path)
	if err != nil {
		var xe *ExtractionError
		if errors.As(err, &xe) {
			return nil, err
		}
		return nil, &ExtractionError{Path: path, Format: format, Err: err}
	}
	if countChars([]string{ex.Text}) == 0 {
		return nil, &ExtractionError{Path: path, Format: format, Err: ErrNoText}
	}
	slog.Debug("parser: extracted",
		"path", path,
		"format", format,
		"method", ex.Method,
		"pages", ex.PagesTotal,
		"pages_extracted", ex.PagesExtracted,
		"chars", len(ex.Text),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return ex, nil
}
