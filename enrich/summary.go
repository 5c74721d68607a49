package enrich

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/brunobiangulo/lexrag/retrieval"
)

const (
	summarySentences = 3
	maxKeyPoints     = 5
	maxListedTerms   = 8
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "at": true, "by": true, "for": true, "with": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "this": true,
	"that": true, "such": true, "any": true, "all": true, "as": true, "it": true, "its": true,
	"shall": true, "may": true, "will": true, "not": true, "no": true, "which": true, "who": true,
	"he": true, "she": true, "they": true, "their": true, "his": true, "her": true, "if": true,
	"has": true, "have": true, "had": true, "other": true, "under": true, "upon": true,
}

var abbreviations = map[string]bool{
	"v.": true, "u.s.c.": true, "u.s.": true, "c.f.r.": true, "no.": true, "sec.": true,
	"art.": true, "e.g.": true, "i.e.": true, "inc.": true, "co.": true, "corp.": true,
	"mr.": true, "ms.": true, "dr.": true, "st.": true, "id.": true, "cf.": true, "pub.": true,
	"l.": true, "f.": true, "supp.": true, "ct.": true, "cir.": true, "ltd.": true,
}

// sentences splits text into normalised sentences.
func sentences(text string) []string {
	fields := strings.Fields(text)
	var out []string
	start := 0
	for i, w := range fields {
		last := i == len(fields)-1
		if !last && !endsSentence(w, fields[i+1]) {
			continue
		}
		out = append(out, strings.Join(fields[start:i+1], " "))
		start = i + 1
	}
	return out
}

func endsSentence(word, next string) bool {
	w := strings.TrimRight(word, `"')]”’`)
	if w == "" || abbreviations[strings.ToLower(w)] {
		return false
	}
	switch w[len(w)-1] {
	case '.', '?', '!':
	default:
		return false
	}
	r := []rune(next)[0]
	return unicode.IsUpper(r) || unicode.IsDigit(r) || strings.ContainsRune(`"'(“§`, r)
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// rankSentences scores sentences by the document frequency of their
// content words and returns their indexes, best first.
func rankSentences(ss []string) []int {
	freq := make(map[string]int)
	for _, s := range ss {
		for _, w := range words(s) {
			if !stopWords[w] && len(w) > 2 {
				freq[w]++
			}
		}
	}
	scores := make([]float64, len(ss))
	var idx []int
	for i, s := range ss {
		ws := words(s)
		if len(ws) < 5 || len(ws) > 80 {
			continue
		}
		var sum float64
		for _, w := range ws {
			if !stopWords[w] && len(w) > 2 {
				sum += float64(freq[w])
			}
		}
		scores[i] = sum / math.Sqrt(float64(len(ws)))
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	return idx
}

// ExtractiveSummary picks the n most representative sentences of text and
// returns them in document order.
func ExtractiveSummary(text string, n int) string {
	ss := sentences(text)
	ranked := rankSentences(ss)
	if len(ranked) == 0 {
		if len(ss) > 0 {
			return ss[0]
		}
		return ""
	}
	top := append([]int(nil), ranked[:min(n, len(ranked))]...)
	sort.Ints(top)
	parts := make([]string, len(top))
	for i, j := range top {
		parts[i] = ss[j]
	}
	return strings.Join(parts, " ")
}

// keyPoints lists the best sentences plus the defined terms and the
// authorities cited.
func keyPoints(text string, meta Metadata) []string {
	ss := sentences(text)
	var out []string
	for _, i := range rankSentences(ss) {
		if len(out) == maxKeyPoints {
			break
		}
		out = append(out, ss[i])
	}
	if len(meta.DefinedTerms) > 0 {
		out = append(out, "Defined terms: "+strings.Join(meta.DefinedTerms[:min(len(meta.DefinedTerms), maxListedTerms)], ", "))
	}
	var cites []string
	seen := make(map[string]bool)
	for _, c := range meta.Citations {
		key := retrieval.NormalizeCitation(c.Text)
		if c.Kind == "case" || seen[key] || len(cites) == maxListedTerms {
			continue
		}
		seen[key] = true
		cites = append(cites, c.Text)
	}
	if len(cites) > 0 {
		out = append(out, "Cites: "+strings.Join(cites, "; "))
	}
	return out
}
