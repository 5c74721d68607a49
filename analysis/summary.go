package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/store"
)

// SummaryKind selects the summary style.
type SummaryKind string

const (
	SummaryComprehensive SummaryKind = "comprehensive"
	SummaryExecutive     SummaryKind = "executive"
	SummaryKeyPoints     SummaryKind = "key_points"
)

var summaryPrompts = map[SummaryKind]string{
	SummaryComprehensive: "You are a legal document summarizer. Write a comprehensive summary covering every key point, legal principle and implication.",
	SummaryExecutive:     "You are writing an executive summary for legal professionals. Focus on the most critical points and their practical implications.",
	SummaryKeyPoints:     "You are extracting key points from a legal document. List only the essential legal concepts, obligations and holdings, one per line.",
}

// CompareKind selects what a comparison looks for.
type CompareKind string

const (
	CompareSimilarity     CompareKind = "similarity"
	CompareDifferences    CompareKind = "differences"
	CompareLegalAlignment CompareKind = "legal_alignment"
)

var comparePrompts = map[CompareKind]string{
	CompareSimilarity:     "You are comparing legal documents for similarities. Identify common themes, legal principles and overlapping provisions.",
	CompareDifferences:    "You are comparing legal documents for differences. Highlight contrasting positions, different legal approaches and unique provisions.",
	CompareLegalAlignment: "You are analyzing legal alignment between documents. Assess consistency, conflicts and overall legal coherence.",
}

// maxCompared bounds how many documents one comparison accepts.
const maxCompared = 5

// Summary is a model-written summary of one document.
type Summary struct {
	DocumentID  string      `json:"document_id"`
	Kind        SummaryKind `json:"kind"`
	Text        string      `json:"summary"`
	Truncated   bool        `json:"truncated"`
	ModelUsed   string      `json:"model_used,omitempty"`
	TotalTokens int         `json:"total_tokens,omitempty"`
}

// Comparison is a model-written comparison of several documents.
type Comparison struct {
	Kind        CompareKind `json:"comparison_type"`
	DocumentIDs []string    `json:"document_ids"`
	Analysis    string      `json:"analysis"`
	ModelUsed   string      `json:"model_used,omitempty"`
	TotalTokens int         `json:"total_tokens,omitempty"`
}

// Summarize writes a summary of a completed document. An empty kind
// selects a comprehensive summary.
func (o *Orchestrator) Summarize(ctx context.Context, docID string, kind SummaryKind) (*Summary, error) {
	if kind == "" {
		kind = SummaryComprehensive
	}
	sys, ok := summaryPrompts[kind]
	if !ok {
		return nil, &AnalysisError{Stage: StageRequest, Err: fmt.Errorf("unknown summary kind %q", kind)}
	}
	doc, text, truncated, err := o.documentText(ctx, docID, o.cfg.SummaryMaxChars)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	user := fmt.Sprintf("Write a %s summary of this %s, %q:\n\n%s",
		strings.ReplaceAll(string(kind), "_", " "), docLabel(doc), doc.Title, text)
	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Model:       o.cfg.Model,
		Messages:    llm.Prompt(sys, user),
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		return nil, &AnalysisError{Stage: StageModel, Err: err}
	}
	slog.Info("analysis: summary complete", "doc_id", docID, "kind", kind,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &Summary{
		DocumentID:  docID,
		Kind:        kind,
		Text:        strings.TrimSpace(resp.Content),
		Truncated:   truncated,
		ModelUsed:   resp.Model,
		TotalTokens: resp.TotalTokens,
	}, nil
}

// Compare asks the model to compare two to five documents.
func (o *Orchestrator) Compare(ctx context.Context, docIDs []string, kind CompareKind) (*Comparison, error) {
	if kind == "" {
		kind = CompareSimilarity
	}
	sys, ok := comparePrompts[kind]
	if !ok {
		return nil, &AnalysisError{Stage: StageRequest, Err: fmt.Errorf("unknown comparison type %q", kind)}
	}
	if len(docIDs) < 2 || len(docIDs) > maxCompared {
		return nil, &AnalysisError{Stage: StageRequest,
			Err: fmt.Errorf("comparison needs 2 to %d documents, got %d", maxCompared, len(docIDs))}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Compare these legal documents for %s:\n\n", strings.ReplaceAll(string(kind), "_", " "))
	for i, id := range docIDs {
		doc, text, _, err := o.documentText(ctx, id, o.cfg.CompareMaxChars)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "Document %d: %s (%s)\n%s\n\n", i+1, doc.Title, docLabel(doc), text)
	}

	resp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Model:       o.cfg.Model,
		Messages:    llm.Prompt(sys, b.String()),
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		return nil, &AnalysisError{Stage: StageModel, Err: err}
	}
	return &Comparison{
		Kind:        kind,
		DocumentIDs: docIDs,
		Analysis:    strings.TrimSpace(resp.Content),
		ModelUsed:   resp.Model,
		TotalTokens: resp.TotalTokens,
	}, nil
}

// documentText reassembles up to maxChars of a document's text from its
// chunks.
func (o *Orchestrator) documentText(ctx context.Context, docID string, maxChars int) (*store.Document, string, bool, error) {
	doc, chunks, err := o.completedDocument(ctx, docID)
	if err != nil {
		return nil, "", false, err
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content[min(c.Overlap, len(c.Content)):])
		if b.Len() > maxChars {
			break
		}
	}
	text := strings.TrimSpace(b.String())
	if len(text) > maxChars {
		return doc, truncate(text, maxChars), true, nil
	}
	return doc, text, false, nil
}

// completedDocument loads a document and its chunks, refusing documents
// that have not finished processing.
func (o *Orchestrator) completedDocument(ctx context.Context, docID string) (*store.Document, []store.Chunk, error) {
	if o.docs == nil {
		return nil, nil, errors.New("analysis: no document source configured")
	}
	doc, err := o.docs.GetDocument(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	if doc.Status != store.StatusCompleted {
		return nil, nil, &AnalysisError{Stage: StageRequest,
			Err: fmt.Errorf("document %s is %s, not completed", docID, doc.Status)}
	}
	chunks, err := o.docs.GetChunks(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	return doc, chunks, nil
}

func docLabel(d *store.Document) string {
	label := strings.ReplaceAll(string(d.DocumentType), "_", " ")
	if label == "" || d.DocumentType == store.TypeOther {
		label = "legal document"
	}
	if d.Jurisdiction != "" {
		label += ", " + d.Jurisdiction
	}
	return label
}
