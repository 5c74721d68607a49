package parser

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	spaceRun  = regexp.MustCompile(`[ \t\x{00A0}]+`)
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// Clean normalises extracted text: unix newlines, no control characters,
// single spaces inside lines, at most one blank line between paragraphs,
// and no surrounding whitespace.
func Clean(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// countChars counts non-space runes across pages.
func countChars(pages []string) int {
	n := 0
	for _, p := range pages {
		for _, r := range p {
			if !unicode.IsSpace(r) {
				n++
			}
		}
	}
	return n
}
