package chunker

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// headingPatterns match the heading styles of statutes, contracts and
// court decisions.
var headingPatterns = []*regexp.Regexp{
	// "ARTICLE IV", "Article 12 - Remedies"
	regexp.MustCompile(`(?i)^article\s+([IVXLCDM]+|\d+)\b`),
	// "Section 5", "SECTION 2.1", "Sec. 3"
	regexp.MustCompile(`(?i)^(section|sec\.)\s+\d+(\.\d+)*\b`),
	// "§ 1983", "§§ 1-4"
	regexp.MustCompile(`^§{1,2}\s*\d`),
	// "Chapter 7", "PART II", "Title 42", "Subchapter III"
	regexp.MustCompile(`(?i)^(chapter|subchapter|part|title|division|book)\s+([IVXLCDM]+|\d+|[A-Z])\b`),
	// Schedules and annexes.
	regexp.MustCompile(`(?i)^(appendix|annex|schedule|exhibit)\s+[A-Z0-9]`),
	// Numbered clauses: "1.", "1.2", "12.3.4 Termination"
	regexp.MustCompile(`^(\d+\.)+(\d+)?\s+\S`),
	// Markdown: "# Heading", "## Sub-heading"
	regexp.MustCompile(`^#{1,6}\s+\S`),
}

// maxHeadingLen rejects long lines that happen to start like a heading.
const maxHeadingLen = 120

// IsHeading reports whether a line of text looks like a heading.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > maxHeadingLen {
		return false
	}
	for _, re := range headingPatterns {
		if re.MatchString(line) {
			// Numbered clauses that run on as prose are body text.
			if re == headingPatterns[5] && len(strings.Fields(line)) > 12 {
				return false
			}
			return true
		}
	}
	return isAllCaps(line)
}

// isAllCaps accepts short uppercase lines such as "FINDINGS OF FACT".
func isAllCaps(line string) bool {
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 4 && len(strings.Fields(line)) <= 10
}

type heading struct {
	offset int
	title  string
}

// findHeadings returns every heading line of text with its byte offset.
func findHeadings(text string) []heading {
	var out []heading
	off := 0
	for off <= len(text) {
		end := strings.IndexByte(text[off:], '\n')
		if end < 0 {
			end = len(text) - off
		}
		line := text[off : off+end]
		if IsHeading(line) {
			out = append(out, heading{offset: off, title: cleanHeading(line)})
		}
		off += end + 1
	}
	return out
}

// headingAt returns the nearest heading at or before off.
func headingAt(hs []heading, off int) string {
	i := sort.Search(len(hs), func(i int) bool { return hs[i].offset > off })
	if i == 0 {
		return ""
	}
	return hs[i-1].title
}

func cleanHeading(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "# ")
	return strings.Join(strings.Fields(line), " ")
}
