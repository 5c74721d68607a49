package retrieval

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Citation is a legal citation found in text.
type Citation struct {
	Kind   string `json:"kind"` // code, regulation, reporter, section, public_law or case
	Text   string `json:"text"`
	Offset int    `json:"offset"`
}

var citationPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	// 42 U.S.C. § 1983, 15 USCA 78j(b)
	{"code", regexp.MustCompile(`\b\d+\s+U\.?\s?S\.?\s?C\.?(?:\s?A\.?)?\s*(?:§§?\s*)?\d+[a-z]?(?:\([a-zA-Z0-9]+\))*`)},
	// 29 C.F.R. § 1910.1200, 40 CFR Part 60
	{"regulation", regexp.MustCompile(`\b\d+\s+C\.?\s?F\.?\s?R\.?\s*(?:§§?\s*|Part\s+)?\d+(?:\.\d+)*`)},
	// 347 U.S. 483, 550 F.3d 1023, 129 S. Ct. 1937, 12 F. Supp. 2d 45
	{"reporter", regexp.MustCompile(`\b\d+\s+(?:U\.S\.|S\.\s?Ct\.|L\.\s?Ed\.(?:\s?2d)?|F\.\s?Supp\.(?:\s?[23]d)?|F\.(?:\s?(?:2d|3d|4th))?|So\.\s?(?:2d|3d)?|[NS]\.[EW]\.(?:\s?[23]d)?|P\.(?:\s?[23]d)?|A\.(?:\s?[23]d)?)\s+\d+`)},
	// § 1983, §§ 101-103, § 2(a)
	{"section", regexp.MustCompile(`§§?\s*\d+[\w.\-]*(?:\([a-zA-Z0-9]+\))*`)},
	// Pub. L. No. 111-148
	{"public_law", regexp.MustCompile(`Pub\.\s?L\.\s?(?:No\.\s?)?\d+-\d+`)},
	// Brown v. Board of Education
	{"case", regexp.MustCompile(`\b[A-Z][\w.'&\-]*(?:\s+(?:of|the|and|for|[A-Z][\w.'&\-]*))*\s+v\.\s+[A-Z][\w.'&\-]*(?:\s+(?:of|the|and|for|[A-Z][\w.'&\-]*))*`)},
}

// ExtractCitations returns the citations in text ordered by offset. Where
// matches overlap the longer one wins, so "42 U.S.C. § 1983" is a single
// code citation.
func ExtractCitations(text string) []Citation {
	var all []Citation
	for _, p := range citationPatterns {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			s := strings.TrimRight(text[m[0]:m[1]], ".,;:")
			all = append(all, Citation{Kind: p.kind, Text: s, Offset: m[0]})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Offset != all[j].Offset {
			return all[i].Offset < all[j].Offset
		}
		return len(all[i].Text) > len(all[j].Text)
	})

	var out []Citation
	end := -1
	for _, c := range all {
		if c.Offset < end {
			continue
		}
		out = append(out, c)
		end = c.Offset + len(c.Text)
	}
	return out
}

// HasCitation reports whether text contains a legal citation other than a
// case name.
func HasCitation(text string) bool {
	for _, c := range ExtractCitations(text) {
		if c.Kind != "case" {
			return true
		}
	}
	return false
}

// NormalizeCitation reduces a citation to lowercase alphanumeric words the
// way the keyword index tokenises it: "42 U.S.C. § 1983" becomes
// "42 u s c 1983".
func NormalizeCitation(s string) string {
	return strings.Join(tokenize(s), " ")
}

// tokenize splits on anything that is not a letter or digit, matching the
// unicode61 tokenizer.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CitationIn reports whether citation c occurs in text after
// normalisation of both.
func CitationIn(c, text string) bool {
	nc := NormalizeCitation(c)
	if nc == "" {
		return false
	}
	return strings.Contains(" "+NormalizeCitation(text)+" ", " "+nc+" ")
}
