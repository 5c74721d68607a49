package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/brunobiangulo/lexrag/llm"
)

// Passage is what a Reranker scores.
type Passage struct {
	Title   string
	Section string
	Content string
}

// Reranker re-scores the top fused candidates with a secondary relevance
// signal. It returns one score per passage; higher is better.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []Passage) ([]float64, error)
}

// LexicalReranker scores passages by query term coverage, with a bonus
// for the exact phrase and for cited authorities. It needs no model.
type LexicalReranker struct{}

// Rerank implements Reranker.
func (LexicalReranker) Rerank(_ context.Context, query string, passages []Passage) ([]float64, error) {
	terms := significantTerms(query)
	phrase := NormalizeCitation(query)
	var cites []string
	for _, c := range ExtractCitations(query) {
		cites = append(cites, c.Text)
	}

	scores := make([]float64, len(passages))
	for i, p := range passages {
		text := p.Title + " " + p.Section + " " + p.Content
		norm := " " + NormalizeCitation(text) + " "
		var s float64
		if len(terms) > 0 {
			hit := 0
			for _, t := range terms {
				if strings.Contains(norm, " "+t+" ") {
					hit++
				}
			}
			s = float64(hit) / float64(len(terms))
		}
		if phrase != "" && strings.Contains(norm, " "+phrase+" ") {
			s += 0.5
		}
		for _, c := range cites {
			if CitationIn(c, text) {
				s += 0.5
			}
		}
		scores[i] = s
	}
	return scores, nil
}

// LLMReranker asks a chat model to grade each passage from 0 to 10.
type LLMReranker struct {
	Provider llm.Provider
	Model    string
	// MaxChars truncates each passage in the prompt.
	MaxChars int
}

const rerankSystemPrompt = `You grade how well legal passages answer a research query.
Reply with JSON only: {"scores": [n, ...]} holding one integer from 0 (irrelevant) to 10 (directly answers) per passage, in passage order.`

// Rerank implements Reranker.
func (r LLMReranker) Rerank(ctx context.Context, query string, passages []Passage) ([]float64, error) {
	maxChars := r.MaxChars
	if maxChars <= 0 {
		maxChars = 800
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	for i, p := range passages {
		content := p.Content
		if len(content) > maxChars {
			content = truncateWords(content, maxChars)
		}
		fmt.Fprintf(&b, "[P%d] %s | %s\n%s\n\n", i+1, p.Title, p.Section, content)
	}

	resp, err := r.Provider.Chat(ctx, llm.ChatRequest{
		Model:       r.Model,
		Messages:    llm.Prompt(rerankSystemPrompt, b.String()),
		Temperature: 0,
		MaxTokens:   20 + 4*len(passages),
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("rerank: parsing scores: %w", err)
	}
	if len(parsed.Scores) != len(passages) {
		return nil, fmt.Errorf("rerank: got %d scores for %d passages", len(parsed.Scores), len(passages))
	}
	for i, s := range parsed.Scores {
		parsed.Scores[i] = min(max(s, 0), 10) / 10
	}
	return parsed.Scores, nil
}

// truncateWords cuts s to at most n bytes on a word boundary.
func truncateWords(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
	}
	return s[:cut]
}
