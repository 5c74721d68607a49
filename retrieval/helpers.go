package retrieval

import (
	"strings"
	"unicode"
)

// significantTerms returns the distinct lowercase words of query worth
// matching on: longer than two characters or numeric, and not stop words.
func significantTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range tokenize(query) {
		if seen[w] || stopWords[w] {
			continue
		}
		if len(w) <= 2 && !isNumeric(w) {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// keywordQuery builds an FTS5 MATCH expression for query: the exact
// phrase, every cited authority as a phrase, and the significant terms,
// OR-ed together. Every operand is quoted so user input can never inject
// FTS syntax. citation reports whether the query cites an authority.
func keywordQuery(query string) (match string, citation bool) {
	words := tokenize(query)
	if len(words) == 0 {
		return "", false
	}

	var parts []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			parts = append(parts, `"`+p+`"`)
		}
	}

	if len(words) > 1 {
		add(strings.Join(words, " "))
	}
	for _, c := range ExtractCitations(query) {
		if c.Kind != "case" {
			citation = true
		}
		add(NormalizeCitation(c.Text))
	}
	terms := significantTerms(query)
	for _, t := range terms {
		add(t)
	}
	for _, alt := range expandAbbreviations(words) {
		add(alt)
	}
	if len(parts) == 0 {
		// Only stop words: fall back to all of them.
		for _, w := range words {
			add(w)
		}
	}
	return strings.Join(parts, " OR "), citation
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "how": true, "why": true, "not": true,
	"no": true, "nor": true, "if": true, "then": true, "than": true,
	"so": true, "as": true, "about": true, "into": true, "between": true,
	"any": true, "all": true, "there": true, "their": true, "its": true,
}
