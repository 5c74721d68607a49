package retrieval

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// snippetMaxLen is the approximate maximum byte length of a snippet.
const snippetMaxLen = 300

// Span is a highlighted byte range [Start, End) within a snippet.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// snippet returns the one or two sentences of content that best cover the
// query terms, or the opening of content when nothing matches.
func snippet(content string, terms []string) string {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}
	want := make(map[string]bool, len(terms))
	for _, t := range terms {
		want[t] = true
	}

	scores := make([]int, len(sentences))
	best := 0
	for i, s := range sentences {
		for _, w := range tokenize(s) {
			if want[w] {
				scores[i]++
			}
		}
		if scores[i] > scores[best] {
			best = i
		}
	}
	if scores[best] == 0 {
		return clip(strings.Join(strings.Fields(content), " "), snippetMaxLen)
	}

	result := sentences[best]
	// Add the better-scoring neighbour if it fits.
	adj, adjScore := -1, 0
	for _, d := range []int{1, -1} {
		i := best + d
		if i >= 0 && i < len(sentences) && scores[i] > adjScore {
			adj, adjScore = i, scores[i]
		}
	}
	if adj >= 0 {
		combined := result + " " + sentences[adj]
		if adj < best {
			combined = sentences[adj] + " " + result
		}
		if len(combined) <= snippetMaxLen {
			result = combined
		}
	}
	return clip(result, snippetMaxLen)
}

// highlights returns the merged spans of s that match a term as a whole
// word, case-insensitively.
func highlights(s string, terms []string) []Span {
	if len(terms) == 0 || s == "" {
		return nil
	}
	want := make(map[string]bool, len(terms))
	for _, t := range terms {
		want[t] = true
	}

	var spans []Span
	start := -1
	flush := func(end int) {
		if start >= 0 && want[strings.ToLower(s[start:end])] {
			spans = append(spans, Span{Start: start, End: end})
		}
		start = -1
	}
	for i, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(s))
	return mergeSpans(spans)
}

// mergeSpans joins spans separated only by one non-word byte, so a
// citation such as "U.S.C." highlights as one run.
func mergeSpans(spans []Span) []Span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	out := []Span{spans[0]}
	for _, sp := range spans[1:] {
		last := &out[len(out)-1]
		if sp.Start <= last.End+1 {
			if sp.End > last.End {
				last.End = sp.End
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}

// splitSentences splits text at terminal punctuation followed by
// whitespace, skipping abbreviations common in citations.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, w := range wordBounds(text) {
		word := text[w[0]:w[1]]
		if !endsSentence(word) {
			continue
		}
		if s := strings.TrimSpace(text[start:w[1]]); s != "" {
			out = append(out, strings.Join(strings.Fields(s), " "))
		}
		start = w[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, strings.Join(strings.Fields(s), " "))
	}
	return out
}

func wordBounds(text string) [][2]int {
	var out [][2]int
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, [2]int{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, [2]int{start, len(text)})
	}
	return out
}

var sentenceAbbrevs = map[string]bool{
	"v.": true, "u.s.c.": true, "u.s.": true, "c.f.r.": true, "no.": true, "sec.": true,
	"art.": true, "e.g.": true, "i.e.": true, "inc.": true, "co.": true, "corp.": true,
	"id.": true, "cf.": true, "f.": true, "supp.": true, "ct.": true, "ed.": true,
	"cir.": true, "l.": true, "pub.": true, "s.": true, "p.": true, "pp.": true,
}

func endsSentence(word string) bool {
	w := strings.TrimRight(word, `"')]”’`)
	if w == "" {
		return false
	}
	switch w[len(w)-1] {
	case '?', '!':
		return true
	case '.':
		return !sentenceAbbrevs[strings.ToLower(w)]
	}
	return false
}

// clip cuts s to at most n bytes on a word boundary, marking the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut] + "…"
}
