package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXExtractor renders each sheet as one page: the sheet name as a
// heading line followed by one line per non-empty row.
type XLSXExtractor struct{}

// Extract implements Extractor.
func (x *XLSXExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var pages []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		var b strings.Builder
		b.WriteString(strings.ToUpper(sheet))
		b.WriteString("\n\n")
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line != "" {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
		pages = append(pages, b.String())
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no sheets found in XLSX")
	}
	return assemble(FormatXLSX, "excelize", pages), nil
}
