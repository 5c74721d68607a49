package retrieval

import "strings"

// abbreviationGroups lists interchangeable spellings of common legal
// abbreviations, each as tokenised words. A query using any member also
// searches for the others.
var abbreviationGroups = [][]string{
	{"u s c", "usc", "united states code"},
	{"c f r", "cfr", "code of federal regulations"},
	{"u s c a", "usca"},
	{"s ct", "supreme court reporter"},
	{"scotus", "supreme court"},
	{"f supp", "federal supplement"},
	{"l ed", "lawyers edition"},
	{"pub l", "public law"},
	{"fed r civ p", "frcp", "federal rules of civil procedure"},
	{"fed r evid", "fre", "federal rules of evidence"},
	{"ucc", "u c c", "uniform commercial code"},
	{"nda", "non disclosure agreement", "confidentiality agreement"},
	{"gdpr", "general data protection regulation"},
	{"ada", "americans with disabilities act"},
	{"ip", "intellectual property"},
	{"llc", "limited liability company"},
}

// expandAbbreviations returns the alternative spellings of every
// abbreviation group found in words, excluding forms already present.
func expandAbbreviations(words []string) []string {
	joined := " " + strings.Join(words, " ") + " "
	var out []string
	for _, group := range abbreviationGroups {
		hit := false
		for _, form := range group {
			if strings.Contains(joined, " "+form+" ") {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, form := range group {
			if !strings.Contains(joined, " "+form+" ") {
				out = append(out, form)
			}
		}
	}
	return out
}
