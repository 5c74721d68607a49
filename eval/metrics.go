package eval

import (
	"strings"
	"unicode"
)

// normalizeText lowercases s and folds the Unicode spaces, hyphens and
// zero-width characters that PDF extraction leaves behind, so substring
// matching works reliably.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == '\u2010' || r == '\u2011' || r == '\u2012' || r == '\u2013' || r == '\u2014':
			b.WriteByte('-')
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
			// strip zero-width characters
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// recallAtK is the fraction of relevant documents found in the first k
// ranked documents.
func recallAtK(ranked []string, relevant map[string]bool, k int) float64 {
	if len(relevant) == 0 {
		return 0
	}
	found := 0
	for i, doc := range ranked {
		if i >= k {
			break
		}
		if relevant[doc] {
			found++
		}
	}
	return float64(found) / float64(len(relevant))
}

// precisionAtK is the fraction of the first k slots holding a relevant
// document. Empty slots count as misses.
func precisionAtK(ranked []string, relevant map[string]bool, k int) float64 {
	if k <= 0 {
		return 0
	}
	found := 0
	for i, doc := range ranked {
		if i >= k {
			break
		}
		if relevant[doc] {
			found++
		}
	}
	return float64(found) / float64(k)
}

// reciprocalRank is 1/rank of the first relevant document, 0 when none
// was retrieved.
func reciprocalRank(ranked []string, relevant map[string]bool) float64 {
	for i, doc := range ranked {
		if relevant[doc] {
			return 1 / float64(i+1)
		}
	}
	return 0
}

// factRecall checks what fraction of expected facts appear in the
// retrieved passages. Each fact may list alternatives separated by "|".
// Matching also ignores spaces and hyphens, which extraction often drops
// or inserts inside identifiers such as "42 U.S.C." or "non-compete".
func factRecall(passages []string, facts []string) float64 {
	if len(facts) == 0 {
		return 0
	}
	corpus := normalizeText(strings.Join(passages, " "))
	spaceless := strings.ReplaceAll(corpus, " ", "")
	hyphenless := strings.ReplaceAll(spaceless, "-", "")

	found := 0
	for _, fact := range facts {
		for _, alt := range strings.Split(fact, "|") {
			alt = normalizeText(strings.TrimSpace(alt))
			if alt == "" {
				continue
			}
			altSpaceless := strings.ReplaceAll(alt, " ", "")
			if strings.Contains(corpus, alt) ||
				strings.Contains(spaceless, altSpaceless) ||
				strings.Contains(hyphenless, strings.ReplaceAll(altSpaceless, "-", "")) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(facts))
}

// relevantSet normalises filenames for comparison.
func relevantSet(files []string) map[string]bool {
	out := make(map[string]bool, len(files))
	for _, f := range files {
		out[strings.ToLower(strings.TrimSpace(f))] = true
	}
	return out
}
