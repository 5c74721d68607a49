package parser

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/brunobiangulo/lexrag/llm"
)

// VisionOCR transcribes scanned PDFs with a vision-capable model. The
// model is asked to mark page starts so the page map survives.
type VisionOCR struct {
	provider llm.VisionProvider
	maxPages int
}

var pageMarker = regexp.MustCompile(`(?m)^\s*<<<PAGE (\d+)>>>\s*$`)

// Pages implements the OCR engine.
func (o *VisionOCR) Pages(ctx context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PDF for OCR: %w", err)
	}

	prompt := fmt.Sprintf(`Transcribe the text of the first %d pages of this scanned legal document.
Before the text of each page write a line of the form <<<PAGE n>>> with the page number.
Reproduce headings, section numbers and citations exactly. Do not summarise or add commentary.`, o.maxPages)

	resp, err := o.provider.ChatWithImages(ctx, llm.VisionChatRequest{
		Messages: []llm.VisionMessage{{
			Role:    llm.RoleUser,
			Content: []llm.ContentPart{llm.TextPart(prompt), llm.DataPart("application/pdf", data)},
		}},
		MaxTokens: 8192,
	})
	if err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}
	return splitMarkedPages(resp.Content, o.maxPages), nil
}

// splitMarkedPages splits model output on <<<PAGE n>>> markers. Output
// without markers is treated as a single page.
func splitMarkedPages(s string, maxPages int) []string {
	locs := pageMarker.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return []string{s}
	}
	var pages []string
	for i, loc := range locs {
		n, _ := strconv.Atoi(s[loc[2]:loc[3]])
		if n < 1 || (maxPages > 0 && n > maxPages) {
			continue
		}
		end := len(s)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		for len(pages) < n-1 {
			pages = append(pages, "")
		}
		text := strings.TrimSpace(s[loc[1]:end])
		if len(pages) == n-1 {
			pages = append(pages, text)
		} else {
			pages[n-1] += "\n" + text
		}
	}
	return pages
}
