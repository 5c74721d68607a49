package parser

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// TextExtractor handles plain text files. Form feeds separate pages.
type TextExtractor struct{}

// Extract implements Extractor.
func (x *TextExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), ""))
	}
	return assemble(FormatText, "plain", strings.Split(string(data), "\f")), nil
}
