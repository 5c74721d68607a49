// Package enrich derives document-level metadata once a document's text is
// known: citations, legal concepts, type, jurisdiction, date, a summary and
// key points.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brunobiangulo/lexrag/chunker"
	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

// Config holds enrichment configuration.
type Config struct {
	// UseLLM enables model-written summaries. Without it, or when every
	// model call fails, summaries are extractive.
	UseLLM      bool   `yaml:"use_llm"`
	Model       string `yaml:"model"`
	Concurrency int    `yaml:"concurrency"`
	// MaxSections and SectionChars bound the text sent to the model.
	MaxSections    int           `yaml:"max_sections"`
	SectionChars   int           `yaml:"section_chars"`
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`
	MaxCitations   int           `yaml:"max_citations"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		UseLLM:         true,
		Concurrency:    4,
		MaxSections:    6,
		SectionChars:   4000,
		PerCallTimeout: 90 * time.Second,
		MaxCitations:   50,
	}
}

// Metadata is what pattern matching alone finds in a document.
type Metadata struct {
	Citations    []retrieval.Citation
	DefinedTerms []string
	Concepts     []string
	DocumentType store.DocumentType
	Jurisdiction string
	PublishedAt  *time.Time
}

// Extract runs every detector over text.
func Extract(text string) Metadata {
	return Metadata{
		Citations:    retrieval.ExtractCitations(text),
		DefinedTerms: chunker.DefinedTerms(text),
		Concepts:     DetectConcepts(text),
		DocumentType: DetectType(text),
		Jurisdiction: DetectJurisdiction(text),
		PublishedAt:  DetectDate(text),
	}
}

// Enricher produces a store.Enrichment for a completed document.
type Enricher struct {
	chat llm.Provider
	cfg  Config
}

// New creates an enricher. chat may be nil, which disables model summaries.
func New(chat llm.Provider, cfg Config) *Enricher {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxSections <= 0 {
		cfg.MaxSections = def.MaxSections
	}
	if cfg.SectionChars <= 0 {
		cfg.SectionChars = def.SectionChars
	}
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = def.PerCallTimeout
	}
	if cfg.MaxCitations <= 0 {
		cfg.MaxCitations = def.MaxCitations
	}
	return &Enricher{chat: chat, cfg: cfg}
}

// Enrich derives the enrichment of a document from its full text. It
// never fails: model errors fall back to extractive summaries.
func (e *Enricher) Enrich(ctx context.Context, title, text string) store.Enrichment {
	start := time.Now()
	meta := Extract(text)
	out := store.Enrichment{
		LegalConcepts: meta.Concepts,
		Citations:     citationTexts(meta.Citations, e.cfg.MaxCitations),
		DocumentType:  meta.DocumentType,
		Jurisdiction:  meta.Jurisdiction,
		PublishedAt:   meta.PublishedAt,
	}
	if out.DocumentType == store.TypeOther {
		out.DocumentType = ""
	}

	method := "extractive"
	if e.chat != nil && e.cfg.UseLLM && strings.TrimSpace(text) != "" {
		if s, err := e.summarize(ctx, title, text); err == nil {
			out.Summary, out.KeyPoints = s.Summary, s.KeyPoints
			method = "llm"
		} else {
			slog.Warn("enrich: model summary failed, using extractive summary", "error", err)
		}
	}
	if out.Summary == "" {
		out.Summary = ExtractiveSummary(text, summarySentences)
		out.KeyPoints = keyPoints(text, meta)
	}

	slog.Info("enrich: document enriched",
		"method", method, "citations", len(out.Citations), "concepts", len(out.LegalConcepts),
		"type", meta.DocumentType, "jurisdiction", meta.Jurisdiction,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out
}

func citationTexts(cs []retrieval.Citation, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range cs {
		key := retrieval.NormalizeCitation(c.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c.Text)
		if len(out) == limit {
			break
		}
	}
	return out
}

// sectionSummary is the JSON each summary call returns.
type sectionSummary struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

const sectionPrompt = `You summarize legal documents for lawyers.
Reply with JSON only: {"summary": "3-5 sentence summary", "key_points": ["up to 5 key obligations, holdings or rules"]}.
Use only the text given. Keep defined terms and citations exactly as written.`

const combinePrompt = `You merge partial summaries of one legal document into a single summary.
Reply with JSON only: {"summary": "one paragraph summary of the whole document", "key_points": ["up to 8 key points"]}.`

// summarize summarises each section concurrently and merges the partial
// summaries. Sections that fail are skipped; it fails only if all do.
func (e *Enricher) summarize(ctx context.Context, title, text string) (*sectionSummary, error) {
	sections := splitSections(text, e.cfg.SectionChars, e.cfg.MaxSections)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, e.cfg.Concurrency)
		partials = make([]*sectionSummary, len(sections))
		errs     []error
	)
	for i, sec := range sections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, ctx.Err())
				mu.Unlock()
				return
			}
			user := fmt.Sprintf("Document: %s\nPart %d of %d:\n\n%s", title, i+1, len(sections), sec)
			s, err := e.ask(ctx, sectionPrompt, user)
			if err != nil {
				slog.Debug("enrich: section summary failed", "section", i+1, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			partials[i] = s
		}()
	}
	wg.Wait()

	var ok []*sectionSummary
	for _, p := range partials {
		if p != nil {
			ok = append(ok, p)
		}
	}
	if len(ok) == 0 {
		return nil, fmt.Errorf("all %d section summaries failed: %w", len(sections), errs[0])
	}
	if len(ok) == 1 {
		return ok[0], nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s\n\n", title)
	for i, p := range ok {
		fmt.Fprintf(&b, "Part %d: %s\n", i+1, p.Summary)
		for _, k := range p.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", k)
		}
	}
	merged, err := e.ask(ctx, combinePrompt, b.String())
	if err != nil {
		slog.Debug("enrich: merge failed, joining partial summaries", "error", err)
		merged = &sectionSummary{}
		for _, p := range ok {
			merged.Summary = strings.TrimSpace(merged.Summary + " " + p.Summary)
			merged.KeyPoints = append(merged.KeyPoints, p.KeyPoints...)
		}
	}
	return merged, nil
}

// ask runs one model call under the per-call timeout.
func (e *Enricher) ask(ctx context.Context, system, user string) (*sectionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PerCallTimeout)
	defer cancel()
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Model:          e.cfg.Model,
		Messages:       llm.Prompt(system, user),
		Temperature:    0,
		MaxTokens:      700,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}
	var s sectionSummary
	if err := llm.DecodeJSON(resp.Content, &s); err != nil {
		return nil, err
	}
	s.Summary = strings.TrimSpace(s.Summary)
	if s.Summary == "" {
		return nil, fmt.Errorf("empty summary")
	}
	return &s, nil
}

// splitSections cuts text into at most max pieces of about size bytes,
// breaking on paragraph or line boundaries where possible. Beyond max
// pieces the rest of the text is dropped.
func splitSections(text string, size, max int) []string {
	text = strings.TrimSpace(text)
	var out []string
	for len(text) > 0 && len(out) < max {
		if len(text) <= size {
			out = append(out, text)
			break
		}
		cut := strings.LastIndex(text[:size], "\n\n")
		if cut < size/2 {
			cut = strings.LastIndexAny(text[:size], "\n ")
		}
		if cut <= 0 {
			cut = size
			for cut > 0 && text[cut]&0xC0 == 0x80 {
				cut--
			}
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	return out
}
