package parser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownExtractor strips markdown syntax with goldmark, keeping
// headings on their own lines so the chunker can title sections.
type MarkdownExtractor struct{}

// Extract implements Extractor.
func (x *MarkdownExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading markdown: %w", err)
	}
	var pages []string
	for _, part := range bytes.Split(src, []byte("\f")) {
		pages = append(pages, markdownText(part))
	}
	return assemble(FormatMarkdown, "goldmark", pages), nil
}

func markdownText(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.ListItem:
			if entering {
				b.WriteString("- ")
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := node.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				b.WriteString("\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
