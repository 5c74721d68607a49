package enrich

import (
	"math"
	"strings"
)

// TextStats are surface measures of a document's prose.
type TextStats struct {
	Words     int `json:"words"`
	Sentences int `json:"sentences"`
	Syllables int `json:"syllables"`
	// AvgSentenceWords is zero for text without sentences.
	AvgSentenceWords float64 `json:"avg_sentence_words"`
	// ReadingEase is the Flesch reading-ease score clamped to [0, 100];
	// legal prose typically lands below 30.
	ReadingEase float64 `json:"reading_ease"`
}

// Stats measures text.
func Stats(text string) TextStats {
	ws := words(text)
	st := TextStats{Words: len(ws), Sentences: len(sentences(text))}
	if st.Words == 0 || st.Sentences == 0 {
		return st
	}
	for _, w := range ws {
		st.Syllables += syllables(w)
	}
	st.AvgSentenceWords = float64(st.Words) / float64(st.Sentences)
	ease := 206.835 - 1.015*st.AvgSentenceWords - 84.6*float64(st.Syllables)/float64(st.Words)
	st.ReadingEase = math.Round(min(max(ease, 0), 100)*10) / 10
	return st
}

// syllables estimates the syllables in a lower-case word by counting
// vowel groups, dropping a silent final e.
func syllables(w string) int {
	if w == "" {
		return 0
	}
	n := 0
	prevVowel := false
	for _, r := range w {
		v := strings.ContainsRune("aeiouy", r)
		if v && !prevVowel {
			n++
		}
		prevVowel = v
	}
	if strings.HasSuffix(w, "e") && !strings.HasSuffix(w, "le") && n > 1 {
		n--
	}
	return max(n, 1)
}
