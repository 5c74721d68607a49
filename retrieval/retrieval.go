// Package retrieval answers search queries over the chunk indexes in
// semantic, keyword or hybrid mode.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/lexrag/store"
)

// Mode selects the ranking strategy.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode validates a mode name. The empty string selects hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeSemantic:
		return ModeSemantic, nil
	case ModeKeyword:
		return ModeKeyword, nil
	}
	return "", &RetrievalError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
}

// RetrievalError is a malformed query. It is a client error and is never
// retried.
type RetrievalError struct {
	Field  string
	Reason string
}

func (e *RetrievalError) Error() string {
	return "invalid query: " + e.Field + ": " + e.Reason
}

// Index is the read side of the chunk store.
type Index interface {
	SearchVectors(ctx context.Context, vec []float32, k int) ([]store.Hit, error)
	SearchKeyword(ctx context.Context, match string, limit int, f store.Filter) ([]store.Hit, error)
	CountVectors(ctx context.Context) (int, error)
	DocumentCentroid(ctx context.Context, docID string) ([]float32, error)
	FilterValues(ctx context.Context) (*store.FilterValues, error)
}

// QueryEmbedder embeds query text with the model used for chunks.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds retrieval engine configuration.
type Config struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	DefaultLimit        int     `yaml:"default_limit"`
	MaxLimit            int     `yaml:"max_limit"`
	SemanticWeight      float64 `yaml:"semantic_weight"`
	KeywordWeight       float64 `yaml:"keyword_weight"`
	// CitationBoost multiplies the keyword weight when the query cites an
	// authority.
	CitationBoost float64 `yaml:"citation_boost"`
	// CandidateFactor sets how many candidates each mode fetches per
	// requested result.
	CandidateFactor int `yaml:"candidate_factor"`
	RerankTopK      int `yaml:"rerank_top_k"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.3,
		DefaultLimit:        10,
		MaxLimit:            50,
		SemanticWeight:      1.0,
		KeywordWeight:       1.0,
		CitationBoost:       2.0,
		CandidateFactor:     4,
		RerankTopK:          20,
	}
}

// Query is one search request.
type Query struct {
	Text    string       `json:"query"`
	Mode    Mode         `json:"mode,omitempty"`
	Filters store.Filter `json:"filters"`
	Limit   int          `json:"limit,omitempty"`
	// PerDocument caps results per document; 0 means 1. Values above
	// Limit are treated as Limit.
	PerDocument int  `json:"per_document,omitempty"`
	Rerank      bool `json:"rerank,omitempty"`
}

// Result is one ranked chunk.
type Result struct {
	DocumentID   string             `json:"document_id"`
	ChunkID      int64              `json:"chunk_id"`
	ChunkKey     string             `json:"chunk_key"`
	Score        float64            `json:"score"`
	FusedScore   float64            `json:"fused_score"`
	RerankScore  *float64           `json:"rerank_score,omitempty"`
	SemanticRank int                `json:"semantic_rank,omitempty"` // 1-based, 0 = absent
	KeywordRank  int                `json:"keyword_rank,omitempty"`
	Similarity   float64            `json:"similarity,omitempty"`
	Title        string             `json:"title"`
	Filename     string             `json:"filename"`
	PageNumber   int                `json:"page_number"`
	SectionTitle string             `json:"section_title,omitempty"`
	DocumentType store.DocumentType `json:"document_type"`
	Jurisdiction string             `json:"jurisdiction,omitempty"`
	PublishedAt  *time.Time         `json:"published_at,omitempty"`
	Content      string             `json:"content"`
	Snippet      string             `json:"snippet"`
	Highlights   []Span             `json:"highlights,omitempty"`
}

// Response is a ranked result list plus how it was produced.
type Response struct {
	Results []Result `json:"results"`
	// MaxFusedScore is the fused score of a chunk ranked first by every
	// mode that ran; FusedScore / MaxFusedScore lies in [0,1].
	MaxFusedScore float64 `json:"max_fused_score"`
	Mode          Mode    `json:"mode"`
	KeywordQuery  string  `json:"keyword_query,omitempty"`
	CitationQuery bool    `json:"citation_query,omitempty"`
	SemanticHits  int     `json:"semantic_hits"`
	KeywordHits   int     `json:"keyword_hits"`
	ElapsedMs     int64   `json:"elapsed_ms"`
}

// Engine performs semantic, keyword and hybrid retrieval.
type Engine struct {
	index    Index
	embedder QueryEmbedder
	reranker Reranker
	cfg      Config
}

// New creates a retrieval engine. A nil reranker selects the lexical one.
func New(index Index, embedder QueryEmbedder, reranker Reranker, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.SemanticWeight <= 0 {
		cfg.SemanticWeight = def.SemanticWeight
	}
	if cfg.KeywordWeight <= 0 {
		cfg.KeywordWeight = def.KeywordWeight
	}
	if cfg.CitationBoost <= 0 {
		cfg.CitationBoost = def.CitationBoost
	}
	if cfg.CandidateFactor <= 0 {
		cfg.CandidateFactor = def.CandidateFactor
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = def.RerankTopK
	}
	if reranker == nil {
		reranker = LexicalReranker{}
	}
	return &Engine{index: index, embedder: embedder, reranker: reranker, cfg: cfg}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// validate normalises q in place.
func (e *Engine) validate(q *Query) error {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return &RetrievalError{Field: "query", Reason: "must not be empty"}
	}
	mode, err := ParseMode(string(q.Mode))
	if err != nil {
		return err
	}
	q.Mode = mode
	switch {
	case q.Limit < 0:
		return &RetrievalError{Field: "limit", Reason: "must not be negative"}
	case q.Limit == 0:
		q.Limit = e.cfg.DefaultLimit
	case q.Limit > e.cfg.MaxLimit:
		return &RetrievalError{Field: "limit", Reason: fmt.Sprintf("%d exceeds maximum %d", q.Limit, e.cfg.MaxLimit)}
	}
	if q.PerDocument < 0 {
		return &RetrievalError{Field: "per_document", Reason: "must not be negative"}
	}
	if q.PerDocument == 0 {
		q.PerDocument = 1
	}
	// More than Limit per document can never be returned.
	q.PerDocument = min(q.PerDocument, q.Limit)
	return validateFilter(q.Filters)
}

func validateFilter(f store.Filter) error {
	for _, t := range f.DocumentTypes {
		if _, err := store.ParseDocumentType(string(t)); err != nil {
			return &RetrievalError{Field: "filters.document_types", Reason: err.Error()}
		}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return &RetrievalError{Field: "filters", Reason: "from is after to"}
	}
	return nil
}

// Search runs q and returns at most q.Limit results with strictly
// descending scores.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	if err := e.validate(&q); err != nil {
		return nil, err
	}
	start := time.Now()
	resp := &Response{Mode: q.Mode}

	want := q.Limit * q.PerDocument * e.cfg.CandidateFactor
	if q.Rerank && want < e.cfg.RerankTopK {
		want = e.cfg.RerankTopK
	}
	match, citation := keywordQuery(q.Text)
	resp.KeywordQuery, resp.CitationQuery = match, citation

	var semHits, kwHits []store.Hit
	switch q.Mode {
	case ModeSemantic:
		hits, err := e.semantic(ctx, q.Text, want, q.Filters)
		if err != nil {
			return nil, err
		}
		semHits = hits
	case ModeKeyword:
		hits, err := e.index.SearchKeyword(ctx, match, want, q.Filters)
		if err != nil {
			return nil, err
		}
		kwHits = hits
	case ModeHybrid:
		var semErr error
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			// A failed embedding degrades hybrid to keyword-only.
			semHits, semErr = e.semantic(gctx, q.Text, want, q.Filters)
			return nil
		})
		g.Go(func() error {
			var err error
			kwHits, err = e.index.SearchKeyword(gctx, match, want, q.Filters)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if semErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("retrieval: semantic search failed, using keyword results only", "error", semErr)
		}
	}
	resp.SemanticHits, resp.KeywordHits = len(semHits), len(kwHits)

	kwWeight := e.cfg.KeywordWeight
	if citation {
		kwWeight *= e.cfg.CitationBoost
	}
	lists := []ranked{
		{mode: ModeSemantic, hits: perDocument(semHits, q.PerDocument), weight: e.cfg.SemanticWeight},
		{mode: ModeKeyword, hits: perDocument(kwHits, q.PerDocument), weight: kwWeight},
	}
	resp.MaxFusedScore = maxFused(lists...)

	cands := fuseRRF(lists...)
	if q.Rerank && len(cands) > 0 {
		cands = e.rerank(ctx, q.Text, cands)
	}
	if q.Mode == ModeHybrid {
		// Keep every chunk within twice its best single-mode rank.
		cands = rankFloor(cands, len(lists))
	}
	cands = limitPerDocument(cands, q.PerDocument)
	if len(cands) > q.Limit {
		cands = cands[:q.Limit]
	}

	resp.Results = e.results(q.Text, cands)
	resp.ElapsedMs = time.Since(start).Milliseconds()
	slog.Debug("retrieval: search complete",
		"mode", q.Mode, "semantic_hits", len(semHits), "keyword_hits", len(kwHits),
		"results", len(resp.Results), "citation", citation, "elapsed_ms", resp.ElapsedMs)
	return resp, nil
}

// semantic embeds text and returns up to want hits at or above the
// similarity threshold that pass f. The KNN depth doubles until enough
// hits survive filtering or the index has nothing more to give.
func (e *Engine) semantic(ctx context.Context, text string, want int, f store.Filter) ([]store.Hit, error) {
	if e.embedder == nil {
		return nil, errors.New("retrieval: no embedder configured")
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return e.nearest(ctx, vec, want, f)
}

func (e *Engine) nearest(ctx context.Context, vec []float32, want int, f store.Filter) ([]store.Hit, error) {
	total, err := e.index.CountVectors(ctx)
	if err != nil {
		return nil, err
	}
	k := want
	for {
		hits, err := e.index.SearchVectors(ctx, vec, min(k, max(total, 1)))
		if err != nil {
			return nil, err
		}
		var kept []store.Hit
		belowThreshold := false
		for _, h := range hits {
			if h.Score < e.cfg.SimilarityThreshold {
				belowThreshold = true
				break
			}
			if f.Match(h) {
				kept = append(kept, h)
			}
		}
		if len(kept) >= want || belowThreshold || k >= total || len(hits) < k {
			if len(kept) > want {
				kept = kept[:want]
			}
			return kept, nil
		}
		k *= 2
	}
}

// rerank re-scores the top RerankTopK candidates and moves them ahead of
// the rest in rerank order. On failure the fused order is kept.
func (e *Engine) rerank(ctx context.Context, query string, cands []*candidate) []*candidate {
	n := min(len(cands), e.cfg.RerankTopK)
	passages := make([]Passage, n)
	for i, c := range cands[:n] {
		passages[i] = Passage{Title: c.hit.Title, Section: c.hit.SectionTitle, Content: c.hit.Content}
	}
	scores, err := e.reranker.Rerank(ctx, query, passages)
	if err != nil || len(scores) != n {
		slog.Warn("retrieval: rerank failed, keeping fused order", "error", err)
		return cands
	}
	top := append([]*candidate(nil), cands[:n]...)
	for i, c := range top {
		c.rerank, c.reranked = scores[i], true
	}
	// Stable so equal rerank scores keep fused order.
	sort.SliceStable(top, func(i, j int) bool { return top[i].rerank > top[j].rerank })
	return append(top, cands[n:]...)
}

// results converts ordered candidates into Results with strictly
// descending scores.
func (e *Engine) results(query string, cands []*candidate) []Result {
	terms := highlightTerms(query)
	out := make([]Result, len(cands))
	scores := make([]float64, len(cands))
	for i, c := range cands {
		h := c.hit
		snip := snippet(h.Content, terms)
		out[i] = Result{
			DocumentID:   h.DocumentID,
			ChunkID:      h.ChunkID,
			ChunkKey:     h.ChunkKey,
			FusedScore:   c.fused,
			SemanticRank: c.semanticRank,
			KeywordRank:  c.keywordRank,
			Similarity:   c.similarity,
			Title:        h.Title,
			Filename:     h.Filename,
			PageNumber:   h.PageNumber,
			SectionTitle: h.SectionTitle,
			DocumentType: h.DocumentType,
			Jurisdiction: h.Jurisdiction,
			PublishedAt:  h.PublishedAt,
			Content:      h.Content,
			Snippet:      snip,
			Highlights:   highlights(snip, terms),
		}
		scores[i] = c.fused
		if c.reranked {
			r := c.rerank
			out[i].RerankScore = &r
		}
	}
	strictlyDescending(scores)
	for i := range out {
		out[i].Score = scores[i]
	}
	return out
}

// highlightTerms are the significant query terms plus every token of a
// cited authority.
func highlightTerms(query string) []string {
	terms := significantTerms(query)
	for _, c := range ExtractCitations(query) {
		terms = append(terms, tokenize(c.Text)...)
	}
	return terms
}

// perDocument keeps at most n hits per document, preserving order.
func perDocument(hits []store.Hit, n int) []store.Hit {
	counts := make(map[string]int)
	out := hits[:0:0]
	for _, h := range hits {
		if counts[h.DocumentID] >= n {
			continue
		}
		counts[h.DocumentID]++
		out = append(out, h)
	}
	return out
}

func limitPerDocument(cands []*candidate, n int) []*candidate {
	counts := make(map[string]int)
	seen := make(map[int64]bool)
	out := cands[:0:0]
	for _, c := range cands {
		if seen[c.hit.ChunkID] || counts[c.hit.DocumentID] >= n {
			continue
		}
		seen[c.hit.ChunkID] = true
		counts[c.hit.DocumentID]++
		out = append(out, c)
	}
	return out
}

// SearchCitation finds chunks quoting a specific authority, such as
// "42 U.S.C. § 1983", by exact phrase.
func (e *Engine) SearchCitation(ctx context.Context, citation string, limit int) ([]Result, error) {
	phrase := NormalizeCitation(citation)
	if phrase == "" {
		return nil, &RetrievalError{Field: "citation", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		return nil, &RetrievalError{Field: "limit", Reason: fmt.Sprintf("%d exceeds maximum %d", limit, e.cfg.MaxLimit)}
	}
	hits, err := e.index.SearchKeyword(ctx, `"`+phrase+`"`, limit, store.Filter{})
	if err != nil {
		return nil, err
	}
	cands := fuseRRF(ranked{mode: ModeKeyword, hits: hits, weight: 1})
	return e.results(citation, cands), nil
}

// Similar returns chunks of other documents closest to the mean vector of
// documentID, one per document.
func (e *Engine) Similar(ctx context.Context, documentID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		return nil, &RetrievalError{Field: "limit", Reason: fmt.Sprintf("%d exceeds maximum %d", limit, e.cfg.MaxLimit)}
	}
	centroid, err := e.index.DocumentCentroid(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if centroid == nil {
		return nil, nil
	}
	hits, err := e.nearest(ctx, centroid, limit*e.cfg.CandidateFactor, store.Filter{ExcludeDocument: documentID})
	if err != nil {
		return nil, err
	}
	cands := fuseRRF(ranked{mode: ModeSemantic, hits: perDocument(hits, 1), weight: 1})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return e.results("", cands), nil
}

// Filters reports the values search filters can take.
func (e *Engine) Filters(ctx context.Context) (*store.FilterValues, error) {
	return e.index.FilterValues(ctx)
}
