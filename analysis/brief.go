package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

// BriefKind selects the structure of a brief.
type BriefKind string

const (
	BriefResearch BriefKind = "research"
	BriefArgument BriefKind = "argument"
	BriefMotion   BriefKind = "motion"
)

var briefPrompts = map[BriefKind]string{
	BriefResearch: "You are writing a legal research brief. Provide comprehensive analysis with citations to the sources and the precedents they rely on.",
	BriefArgument: "You are writing a legal argument brief. Structure the argument logically and support every step with the sources.",
	BriefMotion:   "You are writing a motion brief. Follow the usual motion structure: introduction, statement of facts, argument, conclusion.",
}

const (
	defaultBriefWords = 2000
	minBriefWords     = 200
	maxBriefWords     = 5000
	// briefTemperature leaves room for prose while staying on the sources.
	briefTemperature = 0.4
)

// BriefRequest asks for a brief on Topic. With DocumentIDs the brief is
// written from those documents; otherwise from the chunks retrieval finds
// for Topic, limited to Jurisdiction when set.
type BriefRequest struct {
	Topic        string    `json:"topic"`
	Kind         BriefKind `json:"brief_type,omitempty"`
	Jurisdiction string    `json:"jurisdiction,omitempty"`
	DocumentIDs  []string  `json:"document_ids,omitempty"`
	MaxWords     int       `json:"max_length,omitempty"`
}

// BriefSource is one document or chunk a brief was written from.
type BriefSource struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	ChunkID    int64  `json:"chunk_id,omitempty"`
}

// Brief is a model-written brief.
type Brief struct {
	Topic        string        `json:"topic"`
	Kind         BriefKind     `json:"brief_type"`
	Jurisdiction string        `json:"jurisdiction,omitempty"`
	Text         string        `json:"brief"`
	Sources      []BriefSource `json:"sources"`
	ModelUsed    string        `json:"model_used,omitempty"`
	TotalTokens  int           `json:"total_tokens,omitempty"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// Brief writes a brief grounded in stored documents.
func (o *Orchestrator) Brief(ctx context.Context, req BriefRequest) (*Brief, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		return nil, &AnalysisError{Stage: StageRequest, Err: errors.New("topic must not be empty")}
	}
	if req.Kind == "" {
		req.Kind = BriefResearch
	}
	sys, ok := briefPrompts[req.Kind]
	if !ok {
		return nil, &AnalysisError{Stage: StageRequest, Err: fmt.Errorf("unknown brief type %q", req.Kind)}
	}
	switch {
	case req.MaxWords == 0:
		req.MaxWords = defaultBriefWords
	case req.MaxWords < minBriefWords || req.MaxWords > maxBriefWords:
		return nil, &AnalysisError{Stage: StageRequest,
			Err: fmt.Errorf("max length must be in [%d, %d] words", minBriefWords, maxBriefWords)}
	}
	if len(req.DocumentIDs) > maxCompared {
		return nil, &AnalysisError{Stage: StageRequest,
			Err: fmt.Errorf("a brief takes at most %d documents, got %d", maxCompared, len(req.DocumentIDs))}
	}

	start := time.Now()
	var (
		sources    []BriefSource
		sourceText string
		err        error
	)
	if len(req.DocumentIDs) > 0 {
		sources, sourceText, err = o.briefFromDocuments(ctx, req.DocumentIDs)
	} else {
		sources, sourceText, err = o.briefFromSearch(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, &AnalysisError{Stage: StageRetrieve, Err: errors.New("no sources found for the topic")}
	}

	jurisdiction := req.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = "General"
	}
	user := fmt.Sprintf("Topic: %s\nBrief type: %s\nJurisdiction: %s\nMaximum length: %d words\n\nRelevant legal sources:\n%s\nWrite a %s brief on %q based on the sources above.",
		req.Topic, req.Kind, jurisdiction, req.MaxWords, sourceText, req.Kind, req.Topic)
	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Model:       o.cfg.Model,
		Messages:    llm.Prompt(sys, user),
		Temperature: briefTemperature,
		// About four tokens for every three words.
		MaxTokens: req.MaxWords * 4 / 3,
	})
	if err != nil {
		return nil, &AnalysisError{Stage: StageModel, Err: err}
	}
	slog.Info("analysis: brief complete", "kind", req.Kind, "sources", len(sources),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &Brief{
		Topic:        req.Topic,
		Kind:         req.Kind,
		Jurisdiction: req.Jurisdiction,
		Text:         strings.TrimSpace(resp.Content),
		Sources:      sources,
		ModelUsed:    resp.Model,
		TotalTokens:  resp.TotalTokens,
		GeneratedAt:  time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) briefFromDocuments(ctx context.Context, ids []string) ([]BriefSource, string, error) {
	var (
		b       strings.Builder
		sources []BriefSource
	)
	for i, id := range ids {
		doc, text, _, err := o.documentText(ctx, id, o.cfg.BriefMaxChars)
		if err != nil {
			return nil, "", err
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, doc.Title, docLabel(doc), text)
		sources = append(sources, BriefSource{DocumentID: doc.ID, Title: doc.Title})
	}
	return sources, b.String(), nil
}

func (o *Orchestrator) briefFromSearch(ctx context.Context, req BriefRequest) ([]BriefSource, string, error) {
	q := retrieval.Query{
		Text:        req.Topic,
		Mode:        retrieval.ModeHybrid,
		Limit:       o.cfg.BriefEvidence,
		PerDocument: o.cfg.PerDocument,
	}
	if req.Jurisdiction != "" {
		q.Filters = store.Filter{Jurisdictions: []string{req.Jurisdiction}}
	}
	resp, err := o.search.Search(ctx, q)
	if err != nil {
		return nil, "", &AnalysisError{Stage: StageRetrieve, Err: err}
	}
	var (
		b       strings.Builder
		sources []BriefSource
	)
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, r.Title, truncate(r.Content, o.cfg.MaxEvidenceChars))
		sources = append(sources, BriefSource{DocumentID: r.DocumentID, Title: r.Title, ChunkID: r.ChunkID})
	}
	return sources, b.String(), nil
}
