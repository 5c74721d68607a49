package analysis

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/brunobiangulo/lexrag/enrich"
	"github.com/brunobiangulo/lexrag/retrieval"
)

// maxThemes bounds the themes reported per document.
const maxThemes = 8

// DocumentAnalytics are measures computed from a document's stored text
// without a model call.
type DocumentAnalytics struct {
	DocumentID string           `json:"document_id"`
	Title      string           `json:"title"`
	Pages      int              `json:"pages"`
	Chunks     int              `json:"chunks"`
	Embedded   int              `json:"embedded_chunks"`
	Text       enrich.TextStats `json:"text"`
	// Complexity rises with sentence length and citation density, in [0, 1].
	Complexity      float64        `json:"complexity"`
	CitationCount   int            `json:"citation_count"`
	CitationsByKind map[string]int `json:"citations_by_kind"`
	// ConceptDensity is legal-concept mentions per thousand words.
	ConceptDensity float64        `json:"concept_density"`
	ConceptCounts  map[string]int `json:"concept_counts"`
	KeyThemes      []string       `json:"key_themes"`
	// TopCitations are the most repeated citations, most frequent first.
	TopCitations []string `json:"top_citations"`
}

// Analytics measures a completed document.
func (o *Orchestrator) Analytics(ctx context.Context, docID string) (*DocumentAnalytics, error) {
	doc, chunks, err := o.completedDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	embedded := 0
	for _, c := range chunks {
		b.WriteString(c.Content[min(c.Overlap, len(c.Content)):])
		b.WriteByte(' ')
		if c.Embedded {
			embedded++
		}
	}
	text := b.String()

	out := &DocumentAnalytics{
		DocumentID:      docID,
		Title:           doc.Title,
		Pages:           doc.PageCount,
		Chunks:          len(chunks),
		Embedded:        embedded,
		Text:            enrich.Stats(text),
		CitationsByKind: make(map[string]int),
		TopCitations:    []string{},
		ConceptCounts:   enrich.CountConcepts(text),
	}

	// Citations are counted by normalised form and reported as first written.
	citeCounts := make(map[string]int)
	written := make(map[string]string)
	for _, c := range retrieval.ExtractCitations(text) {
		out.CitationCount++
		out.CitationsByKind[c.Kind]++
		key := retrieval.NormalizeCitation(c.Text)
		if _, ok := written[key]; !ok {
			written[key] = c.Text
		}
		citeCounts[key]++
	}
	for _, key := range topByCount(citeCounts, maxThemes) {
		out.TopCitations = append(out.TopCitations, written[key])
	}
	out.KeyThemes = enrich.TopConcepts(out.ConceptCounts, maxThemes)

	mentions := 0
	for _, n := range out.ConceptCounts {
		mentions += n
	}
	if out.Text.Words > 0 {
		perK := 1000 / float64(out.Text.Words)
		out.ConceptDensity = round2(float64(mentions) * perK)
		out.Complexity = complexity(out.Text.AvgSentenceWords, float64(out.CitationCount)*perK)
	}
	return out, nil
}

// complexity blends sentence length (saturating at 40 words) with citation
// density (saturating at 20 per thousand words).
func complexity(avgSentenceWords, citationsPerK float64) float64 {
	length := min(avgSentenceWords/40, 1)
	cites := min(citationsPerK/20, 1)
	return round2(0.6*length + 0.4*cites)
}

func topByCount(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys[:min(len(keys), n)]
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
