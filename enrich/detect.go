package enrich

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/lexrag/store"
)

// typeSignals are phrases that mark a document type, matched
// case-insensitively.
var typeSignals = map[store.DocumentType][]string{
	store.TypeCourtDecision: {
		"plaintiff", "defendant", "appellant", "appellee", "petitioner", "respondent",
		"opinion of the court", "we hold", "affirmed", "reversed", "remanded", "dissenting",
		"district court", "court of appeals", "supreme court", "certiorari",
	},
	store.TypeStatute: {
		"be it enacted", "public law", "u.s.c.", "this act", "short title", "enacted by",
		"legislature", "codified", "amended by", "subchapter",
	},
	store.TypeRegulation: {
		"c.f.r.", "federal register", "final rule", "proposed rule", "agency", "promulgated",
		"rulemaking", "administrative procedure", "this part", "compliance date",
	},
	store.TypeContract: {
		"agreement", "the parties", "hereby", "whereas", "in witness whereof", "hereinafter",
		"effective date", "termination", "indemnif", "governing law", "counterparts",
		"representations and warranties",
	},
}

// minTypeSignals is how many signal hits a type needs to be chosen.
const minTypeSignals = 3

// DetectType guesses the document type from its text. Ties and weak
// evidence yield TypeOther.
func DetectType(text string) store.DocumentType {
	lower := strings.ToLower(text)
	best, bestScore, tie := store.TypeOther, 0, false
	for _, t := range store.DocumentTypes {
		score := 0
		for _, s := range typeSignals[t] {
			score += min(strings.Count(lower, s), 5)
		}
		switch {
		case score > bestScore:
			best, bestScore, tie = t, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}
	if bestScore < minTypeSignals || tie {
		return store.TypeOther
	}
	return best
}

var states = []string{
	"Alabama", "Alaska", "Arizona", "Arkansas", "California", "Colorado", "Connecticut",
	"Delaware", "Florida", "Georgia", "Hawaii", "Idaho", "Illinois", "Indiana", "Iowa",
	"Kansas", "Kentucky", "Louisiana", "Maine", "Maryland", "Massachusetts", "Michigan",
	"Minnesota", "Mississippi", "Missouri", "Montana", "Nebraska", "Nevada", "New Hampshire",
	"New Jersey", "New Mexico", "New York", "North Carolina", "North Dakota", "Ohio",
	"Oklahoma", "Oregon", "Pennsylvania", "Rhode Island", "South Carolina", "South Dakota",
	"Tennessee", "Texas", "Utah", "Vermont", "Virginia", "Washington", "West Virginia",
	"Wisconsin", "Wyoming", "District of Columbia",
}

var (
	governingLawRe = regexp.MustCompile(`(?i)(?:governed by|construed in accordance with|under) the laws? of (?:the )?(?:State of |Commonwealth of )?([A-Z][a-z]+(?: [A-Z][a-z]+){0,2})`)
	stateOfRe      = regexp.MustCompile(`\b(?:State|Commonwealth) of ([A-Z][a-z]+(?: [A-Z][a-z]+)?)`)
	federalRe      = regexp.MustCompile(`(?i)\b(?:U\.\s?S\.\s?C\.|C\.\s?F\.\s?R\.|United States District Court|United States Court of Appeals|Supreme Court of the United States|federal law)`)
	euRe           = regexp.MustCompile(`(?i)\b(?:European Union|GDPR|Regulation \(EU\))`)
	ukRe           = regexp.MustCompile(`(?i)\b(?:England and Wales|United Kingdom)\b`)
)

// DetectJurisdiction returns a governing-law state, then any named state,
// then "Federal", "EU" or "UK" from characteristic references, or "".
func DetectJurisdiction(text string) string {
	if m := governingLawRe.FindStringSubmatch(text); m != nil {
		if s := matchState(m[1]); s != "" {
			return s
		}
		if ukRe.MatchString(m[1]) {
			return "UK"
		}
	}
	for _, m := range stateOfRe.FindAllStringSubmatch(text, 20) {
		if s := matchState(m[1]); s != "" {
			return s
		}
	}
	switch {
	case federalRe.MatchString(text):
		return "Federal"
	case euRe.MatchString(text):
		return "EU"
	case ukRe.MatchString(text):
		return "UK"
	}
	return ""
}

// matchState returns the longest state name that prefixes s.
func matchState(s string) string {
	best := ""
	for _, st := range states {
		if strings.HasPrefix(s, st) && len(st) > len(best) {
			best = st
		}
	}
	return best
}

var dateRe = regexp.MustCompile(`\b(?:(January|February|March|April|May|June|July|August|September|October|November|December) (\d{1,2}), (\d{4})|(\d{4})-(\d{2})-(\d{2}))\b`)

// dateWindow is how far into the text a publication date is looked for.
const dateWindow = 3000

// DetectDate returns the first plausible date near the start of text.
func DetectDate(text string) *time.Time {
	if len(text) > dateWindow {
		text = text[:dateWindow]
	}
	for _, m := range dateRe.FindAllString(text, -1) {
		for _, layout := range []string{"January 2, 2006", store.DateLayout} {
			t, err := time.Parse(layout, m)
			if err == nil && t.Year() >= 1700 && t.Year() <= time.Now().Year()+1 {
				return &t
			}
		}
	}
	return nil
}

// concepts maps a legal concept to the phrases that signal it.
var concepts = map[string][]string{
	"arbitration":             {"arbitration", "arbitrator"},
	"breach of contract":      {"breach of contract", "material breach", "breach of this agreement"},
	"civil rights":            {"civil rights", "42 u.s.c. § 1983", "section 1983", "equal protection"},
	"confidentiality":         {"confidential information", "confidentiality", "non-disclosure"},
	"damages":                 {"damages", "compensatory", "punitive"},
	"data protection":         {"personal data", "data protection", "gdpr", "data subject"},
	"due process":             {"due process"},
	"employment":              {"employee", "employer", "employment"},
	"force majeure":           {"force majeure", "act of god"},
	"governing law":           {"governing law", "governed by the laws"},
	"indemnification":         {"indemnif", "hold harmless"},
	"intellectual property":   {"intellectual property", "copyright", "patent", "trademark"},
	"jurisdiction":            {"jurisdiction", "venue"},
	"limitation of liability": {"limitation of liability", "in no event shall", "liable for any indirect"},
	"negligence":              {"negligence", "negligent", "duty of care"},
	"qualified immunity":      {"qualified immunity"},
	"statute of limitations":  {"statute of limitations", "limitations period", "time-barred"},
	"summary judgment":        {"summary judgment"},
	"termination":             {"termination", "terminate"},
	"warranty":                {"warranty", "warranties", "merchantability"},
}

// maxConcepts bounds the concept tags per document.
const maxConcepts = 12

// CountConcepts returns how often text mentions each legal concept.
func CountConcepts(text string) map[string]int {
	lower := strings.ToLower(text)
	out := make(map[string]int)
	for name, phrases := range concepts {
		n := 0
		for _, p := range phrases {
			n += strings.Count(lower, p)
		}
		if n > 0 {
			out[name] = n
		}
	}
	return out
}

// DetectConcepts returns the legal concepts text mentions, most frequent
// first.
func DetectConcepts(text string) []string {
	return TopConcepts(CountConcepts(text), maxConcepts)
}

// TopConcepts orders counted concepts by frequency, then name, and keeps n.
func TopConcepts(counts map[string]int, n int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	return names[:min(len(names), n)]
}
