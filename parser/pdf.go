package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/brunobiangulo/lexrag/llm"
)

// EngineKind names a PDF extraction engine.
type EngineKind string

const (
	EngineTextLayer EngineKind = "text_layer"
	EngineRowLayout EngineKind = "row_layout"
	EngineRemote    EngineKind = "remote"
	EngineOCR       EngineKind = "ocr"
)

// pageEngine returns the text of each page, in order.
type pageEngine struct {
	kind EngineKind
	run  func(ctx context.Context, path string) ([]string, error)
}

// PDFExtractor tries each engine in order until one yields text that is
// not near-empty for the document's page count.
type PDFExtractor struct {
	minCharsPerPage float64
	engines         []pageEngine
	pageCount       func(path string) (int, error)
}

// NewPDFExtractor wires the local engines, then LlamaParse when
// configured, then vision OCR when a provider is given.
func NewPDFExtractor(cfg Config, vision llm.VisionProvider) *PDFExtractor {
	x := &PDFExtractor{
		minCharsPerPage: cfg.MinCharsPerPage,
		pageCount:       pdfPageCount,
		engines: []pageEngine{
			{kind: EngineTextLayer, run: textLayerPages},
			{kind: EngineRowLayout, run: rowLayoutPages},
		},
	}
	if cfg.LlamaParse != nil && cfg.LlamaParse.APIKey != "" {
		lp := NewLlamaParse(*cfg.LlamaParse)
		x.engines = append(x.engines, pageEngine{kind: EngineRemote, run: lp.Pages})
	}
	if vision != nil {
		ocr := &VisionOCR{provider: vision, maxPages: cfg.OCRMaxPages}
		x.engines = append(x.engines, pageEngine{kind: EngineOCR, run: ocr.Pages})
	}
	return x
}

// Extract implements Extractor.
func (x *PDFExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	pageCount, err := x.pageCount(path)
	if err != nil {
		slog.Warn("parser: reading pdf page count", "path", path, "error", err)
		pageCount = 0
	}

	var (
		attempts  []EngineAttempt
		best      []string
		bestKind  EngineKind
		bestChars int
	)
	for _, eng := range x.engines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pages, err := eng.run(ctx, path)
		chars := countChars(pages)
		attempts = append(attempts, EngineAttempt{Engine: eng.kind, Chars: chars, Err: err})
		if err != nil {
			slog.Debug("parser: pdf engine failed", "engine", eng.kind, "error", err)
			continue
		}
		if chars > bestChars {
			best, bestKind, bestChars = pages, eng.kind, chars
		}
		n := pageCount
		if n < len(pages) {
			n = len(pages)
		}
		if !x.nearEmpty(chars, n) {
			break
		}
		slog.Info("parser: near-empty pdf text, trying next engine",
			"path", path, "engine", eng.kind, "chars", chars, "pages", n)
	}

	if bestChars == 0 {
		return nil, &ExtractionError{Path: path, Format: FormatPDF, Attempts: attempts, Err: ErrNoText}
	}

	ex := assemble(FormatPDF, string(bestKind), best)
	if pageCount > ex.PagesTotal {
		for n := ex.PagesTotal + 1; n <= pageCount; n++ {
			ex.Pages = append(ex.Pages, PageSpan{Number: n, Start: len(ex.Text), End: len(ex.Text)})
			ex.Warnings = append(ex.Warnings, fmt.Sprintf("page %d: not covered by %s", n, bestKind))
		}
		ex.PagesTotal = pageCount
	}
	if x.nearEmpty(bestChars, ex.PagesTotal) {
		ex.Warnings = append(ex.Warnings, "text is sparse for the page count; some pages may be scanned images")
	}
	return ex, nil
}

func (x *PDFExtractor) nearEmpty(chars, pages int) bool {
	if pages < 1 {
		pages = 1
	}
	return float64(chars) < x.minCharsPerPage*float64(pages)
}

func pdfPageCount(path string) (n int, err error) {
	defer recoverPDF(&err)
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.NumPage(), nil
}

// textLayerPages reads each page's content stream as plain text.
func textLayerPages(ctx context.Context, path string) (pages []string, err error) {
	defer recoverPDF(&err)
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Debug("parser: page text failed", "page", i, "error", err)
			text = ""
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// rowLayoutPages rebuilds lines from positioned text runs. It recovers
// text from PDFs whose content streams lack explicit line breaks.
func rowLayoutPages(ctx context.Context, path string) (pages []string, err error) {
	defer recoverPDF(&err)
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			pages = append(pages, "")
			continue
		}
		var b strings.Builder
		for _, row := range rows {
			var line []string
			for _, t := range row.Content {
				if s := strings.TrimSpace(t.S); s != "" {
					line = append(line, s)
				}
			}
			if len(line) > 0 {
				b.WriteString(strings.Join(line, " "))
				b.WriteByte('\n')
			}
		}
		pages = append(pages, b.String())
	}
	return pages, nil
}

// recoverPDF converts panics from malformed PDFs into errors.
func recoverPDF(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed pdf: %v", r)
	}
}
