package chunker

import (
	"regexp"
	"sort"
	"strings"
)

// definedTermPatterns capture terms a document defines for itself:
//
//	"Licensee" means ...
//	the "Effective Date" shall mean ...
//	(the "Agreement")
var definedTermPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)["“]([^"”]{2,60})["”]\s+(?:means|shall\s+mean|refers\s+to|includes)\b`),
	regexp.MustCompile(`\((?:the\s+|each\s+a\s+|collectively,?\s+the\s+)?["“]([A-Z][^"”]{1,60})["”]\)`),
}

// DefinedTerms returns the distinct terms defined in text, in order of
// first appearance.
func DefinedTerms(text string) []string {
	type hit struct {
		off  int
		term string
	}
	var hits []hit
	for _, re := range definedTermPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, hit{off: m[0], term: strings.TrimSpace(text[m[2]:m[3]])})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].off < hits[j].off })

	seen := make(map[string]bool, len(hits))
	var out []string
	for _, h := range hits {
		key := strings.ToLower(h.term)
		if h.term == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h.term)
	}
	return out
}

// crossRefPatterns match internal references to other provisions.
var crossRefPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"clause", regexp.MustCompile(`(?i)\bclause\s+(\d+(?:\.\d+)*)`)},
	{"section", regexp.MustCompile(`(?i)\bsection\s+(\d+(?:\.\d+)*(?:\([a-z0-9]+\))*)`)},
	{"article", regexp.MustCompile(`(?i)\barticle\s+(\d+|[IVXLCDM]+)\b`)},
	{"paragraph", regexp.MustCompile(`(?i)\bparagraph\s+(\d+(?:\.\d+)*|\([a-z0-9]+\))`)},
	{"schedule", regexp.MustCompile(`(?i)\b(?:schedule|appendix|annex|exhibit)\s+([A-Z0-9]+)\b`)},
}

// CrossReference is a reference from one provision to another.
type CrossReference struct {
	Kind   string // clause, section, article, paragraph or schedule
	Target string
	Offset int
}

// CrossReferences returns internal references found in text ordered by
// offset.
func CrossReferences(text string) []CrossReference {
	var refs []CrossReference
	for _, p := range crossRefPatterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			refs = append(refs, CrossReference{Kind: p.kind, Target: text[m[2]:m[3]], Offset: m[0]})
		}
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Offset < refs[j].Offset })
	return refs
}
