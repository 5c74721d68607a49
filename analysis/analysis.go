// Package analysis grounds a reasoning-model call in retrieved evidence and
// assembles a structured, auditable legal analysis.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

// Type selects the analytical focus.
type Type string

const (
	TypeGeneral   Type = "general"
	TypeCaseLaw   Type = "case_law"
	TypeStatute   Type = "statute"
	TypePrecedent Type = "precedent"
)

// ParseType validates an analysis type. The empty string selects general.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypeGeneral, nil
	case TypeGeneral, TypeCaseLaw, TypeStatute, TypePrecedent:
		return t, nil
	}
	return "", &AnalysisError{Stage: StageRequest, Err: fmt.Errorf("unknown analysis type %q", s)}
}

// Status tells a full analysis from an evidence-only one.
type Status string

const (
	StatusComplete Status = "complete"
	StatusDegraded Status = "degraded"
)

// Stages reported by AnalysisError.
const (
	StageRequest  = "request"
	StageRetrieve = "retrieve"
	StageModel    = "model"
	StageParse    = "parse"
)

// AnalysisError reports a failed analysis and the stage that failed.
type AnalysisError struct {
	Stage string
	Err   error
}

func (e *AnalysisError) Error() string {
	return "analysis " + e.Stage + ": " + e.Err.Error()
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Request asks for one analysis.
type Request struct {
	Query                   string `json:"query"`
	Type                    Type   `json:"analysis_type"`
	IncludeCitations        bool   `json:"include_citations"`
	IncludeCounterarguments bool   `json:"include_counterarguments"`
	// AllowDegraded returns an evidence-only result instead of an error
	// when the model step fails.
	AllowDegraded bool         `json:"allow_degraded"`
	Filters       store.Filter `json:"filters"`
}

// Evidence is one retrieved chunk shown to the model, labelled E1, E2, ...
type Evidence struct {
	Label        string  `json:"label"`
	DocumentID   string  `json:"document_id"`
	ChunkID      int64   `json:"chunk_id"`
	Title        string  `json:"title"`
	Filename     string  `json:"filename"`
	PageNumber   int     `json:"page_number"`
	SectionTitle string  `json:"section_title,omitempty"`
	Content      string  `json:"content"`
	FusedScore   float64 `json:"fused_score"`
}

// Citation is an authority the model relied on.
type Citation struct {
	Text     string   `json:"text"`
	Evidence []string `json:"evidence,omitempty"`
	// Verified is set when the citation occurs in the evidence.
	Verified bool `json:"verified"`
}

// Precedent is a case the model identified as relevant.
type Precedent struct {
	Case      string `json:"case"`
	Citation  string `json:"citation,omitempty"`
	Relevance string `json:"relevance,omitempty"`
}

// Result is an assembled analysis. It is not modified after Analyze
// returns it.
type Result struct {
	Query               string      `json:"query"`
	Type                Type        `json:"analysis_type"`
	Status              Status      `json:"status"`
	Unavailable         string      `json:"unavailable,omitempty"`
	Analysis            string      `json:"analysis,omitempty"`
	KeyPoints           []string    `json:"key_points,omitempty"`
	Citations           []Citation  `json:"citations,omitempty"`
	Precedents          []Precedent `json:"precedents,omitempty"`
	Counterarguments    []string    `json:"counterarguments,omitempty"`
	ReasoningChain      []string    `json:"reasoning_chain,omitempty"`
	Confidence          float64     `json:"confidence"`
	Factors             Factors     `json:"confidence_factors"`
	SourceDocumentIDs   []string    `json:"source_document_ids"`
	Evidence            []Evidence  `json:"evidence"`
	UnverifiedCitations []string    `json:"unverified_citations,omitempty"`
	Fingerprint         string      `json:"fingerprint"`
	ModelUsed           string      `json:"model_used,omitempty"`
	PromptTokens        int         `json:"prompt_tokens,omitempty"`
	CompletionTokens    int         `json:"completion_tokens,omitempty"`
	TotalTokens         int         `json:"total_tokens,omitempty"`
	Cached              bool        `json:"cached"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Config holds orchestrator configuration.
type Config struct {
	Model         string  `yaml:"model"`
	EvidenceLimit int     `yaml:"evidence_limit"`
	PerDocument   int     `yaml:"per_document"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	// MaxEvidenceChars truncates each evidence block in the prompt.
	MaxEvidenceChars int           `yaml:"max_evidence_chars"`
	Weights          Weights       `yaml:"weights"`
	CacheSize        int           `yaml:"cache_size"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	// SummaryMaxChars and CompareMaxChars bound the document text sent
	// for summaries and comparisons.
	SummaryMaxChars int `yaml:"summary_max_chars"`
	CompareMaxChars int `yaml:"compare_max_chars"`
	// Timeout bounds one shared analysis run: retrieval plus every model
	// attempt.
	Timeout time.Duration `yaml:"timeout"`
	// EntityChunks caps the chunks sent for entity extraction, processed
	// EntityConcurrency at a time.
	EntityChunks      int `yaml:"entity_chunks"`
	EntityConcurrency int `yaml:"entity_concurrency"`
	// BriefEvidence is how many retrieved chunks ground a brief written
	// without named documents; BriefMaxChars bounds each named document.
	BriefEvidence int `yaml:"brief_evidence"`
	BriefMaxChars int `yaml:"brief_max_chars"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EvidenceLimit:     8,
		PerDocument:       2,
		Temperature:       0.2,
		MaxTokens:         2000,
		MaxEvidenceChars:  1500,
		Weights:           DefaultWeights(),
		CacheSize:         256,
		CacheTTL:          time.Hour,
		SummaryMaxChars:   6000,
		CompareMaxChars:   2000,
		Timeout:           3 * time.Minute,
		EntityChunks:      40,
		EntityConcurrency: 4,
		BriefEvidence:     15,
		BriefMaxChars:     3000,
	}
}

// Searcher runs the grounding retrieval.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (*retrieval.Response, error)
}

// Documents reads stored documents for summaries and comparisons.
type Documents interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	GetChunks(ctx context.Context, docID string) ([]store.Chunk, error)
}

// AuditLog records every assembled analysis.
type AuditLog interface {
	LogAnalysis(ctx context.Context, a store.AnalysisLog) error
}

// Deps are the orchestrator's collaborators. Search and Chat are required.
type Deps struct {
	Search    Searcher
	Chat      llm.Provider
	Documents Documents
	// Cache defaults to an in-memory LRU sized by Config.
	Cache Cache
	Audit AuditLog
}

// Orchestrator runs analyses.
type Orchestrator struct {
	search Searcher
	chat   llm.Provider
	docs   Documents
	cache  Cache
	audit  AuditLog
	cfg    Config
	group  singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context of one shared analysis run. It is cancelled once
// the last caller waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates an orchestrator.
func New(d Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.EvidenceLimit <= 0 {
		cfg.EvidenceLimit = def.EvidenceLimit
	}
	if cfg.PerDocument <= 0 {
		cfg.PerDocument = def.PerDocument
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxEvidenceChars <= 0 {
		cfg.MaxEvidenceChars = def.MaxEvidenceChars
	}
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = def.SummaryMaxChars
	}
	if cfg.CompareMaxChars <= 0 {
		cfg.CompareMaxChars = def.CompareMaxChars
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.EntityChunks <= 0 {
		cfg.EntityChunks = def.EntityChunks
	}
	if cfg.EntityConcurrency <= 0 {
		cfg.EntityConcurrency = def.EntityConcurrency
	}
	if cfg.BriefEvidence <= 0 {
		cfg.BriefEvidence = def.BriefEvidence
	}
	if cfg.BriefMaxChars <= 0 {
		cfg.BriefMaxChars = def.BriefMaxChars
	}
	cache := d.Cache
	if cache == nil {
		cache = NewMemoryCache(cfg.CacheSize, cfg.CacheTTL)
	}
	return &Orchestrator{
		search:  d.Search,
		chat:    d.Chat,
		docs:    d.Documents,
		cache:   cache,
		audit:   d.Audit,
		cfg:     cfg,
		flights: make(map[string]*flight),
	}
}

// Fingerprint identifies requests that must produce the same analysis:
// the normalised query, the type, the output options and the filters.
// AllowDegraded is caller policy and does not take part.
func Fingerprint(req Request) string {
	filters, _ := json.Marshal(req.Filters)
	t := req.Type
	if t == "" {
		t = TypeGeneral
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%t|%t|%s",
		strings.Join(strings.Fields(strings.ToLower(req.Query)), " "),
		t, req.IncludeCitations, req.IncludeCounterarguments, filters)
	return hex.EncodeToString(h.Sum(nil))
}

// outcome is what one analysis run produces. A failed run carries both
// the error and the degraded result callers may opt into.
type outcome struct {
	result *Result
	err    error
}

// Analyze runs req. Identical requests within the cache TTL are answered
// from the cache, and concurrent identical requests share one model call.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (*Result, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, &AnalysisError{Stage: StageRequest, Err: errors.New("query must not be empty")}
	}
	t, err := ParseType(string(req.Type))
	if err != nil {
		return nil, err
	}
	req.Type = t
	fp := Fingerprint(req)

	if r, ok := o.cache.Get(ctx, fp); ok {
		slog.Debug("analysis: cache hit", "fingerprint", fp[:12])
		return cachedCopy(r), nil
	}

	// The run belongs to every caller sharing it, so it is detached from
	// the leader's cancellation and abandoned only when all have left.
	f := o.join(ctx, fp)
	ch := o.group.DoChan(fp, func() (any, error) {
		if r, ok := o.cache.Get(f.ctx, fp); ok {
			return outcome{result: cachedCopy(r)}, nil
		}
		out := o.run(f.ctx, req, fp)
		if out.err == nil && out.result.Status == StatusComplete {
			o.cache.Set(f.ctx, fp, out.result)
		}
		return out, nil
	})
	var out outcome
	select {
	case res := <-ch:
		o.leave(fp, f, false)
		out = res.Val.(outcome)
		if res.Shared {
			slog.Debug("analysis: shared in-flight result", "fingerprint", fp[:12])
		}
	case <-ctx.Done():
		o.leave(fp, f, true)
		return nil, ctx.Err()
	}

	if out.err != nil {
		var re *retrieval.RetrievalError
		if req.AllowDegraded && out.result != nil && !errors.As(out.err, &re) {
			return out.result, nil
		}
		return nil, out.err
	}
	return out.result, nil
}

// join registers the caller on the flight for fp, starting one if none is
// running.
func (o *Orchestrator) join(ctx context.Context, fp string) *flight {
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.flights[fp]
	if f == nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
		f = &flight{ctx: fctx, cancel: cancel}
		o.flights[fp] = f
	}
	f.waiters++
	return f
}

// leave drops the caller from f. The last caller to leave cancels the run;
// when it gave up early the key is forgotten so the next request starts a
// fresh run instead of joining the abandoned one.
func (o *Orchestrator) leave(fp string, f *flight, abandoned bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if o.flights[fp] == f {
		delete(o.flights, fp)
	}
	f.cancel()
	if abandoned {
		o.group.Forget(fp)
		slog.Debug("analysis: run abandoned by all callers", "fingerprint", fp[:12])
	}
}

func cachedCopy(r *Result) *Result {
	c := *r
	c.Cached = true
	return &c
}

// run performs one uncached analysis.
func (o *Orchestrator) run(ctx context.Context, req Request, fp string) outcome {
	start := time.Now()
	base := Result{Query: req.Query, Type: req.Type, Fingerprint: fp, CreatedAt: time.Now().UTC()}

	resp, err := o.search.Search(ctx, retrieval.Query{
		Text:        req.Query,
		Mode:        retrieval.ModeHybrid,
		Filters:     req.Filters,
		Limit:       o.cfg.EvidenceLimit,
		PerDocument: o.cfg.PerDocument,
	})
	if err != nil {
		var re *retrieval.RetrievalError
		if errors.As(err, &re) {
			return outcome{err: err}
		}
		return outcome{
			result: degraded(base, nil, "retrieval failed"),
			err:    &AnalysisError{Stage: StageRetrieve, Err: err},
		}
	}

	evidence := evidenceFrom(resp.Results)
	if len(evidence) == 0 {
		slog.Info("analysis: no evidence, skipping model call", "query_len", len(req.Query))
		return outcome{result: degraded(base, nil, "no relevant evidence found")}
	}

	prompt := buildAnalysisPrompt(req, evidence, o.cfg.MaxEvidenceChars)
	chatResp, err := o.chat.Chat(ctx, llm.ChatRequest{
		Model:          o.cfg.Model,
		Messages:       llm.Prompt(systemPrompt(req), prompt),
		Temperature:    o.cfg.Temperature,
		MaxTokens:      o.cfg.MaxTokens,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("analysis: model call failed", "error", err)
		return outcome{
			result: degraded(base, evidence, "reasoning model failed"),
			err:    &AnalysisError{Stage: StageModel, Err: err},
		}
	}

	parsed, err := parseResponse(chatResp.Content)
	if err != nil {
		slog.Warn("analysis: unparseable model response", "error", err, "response_len", len(chatResp.Content))
		return outcome{
			result: degraded(base, evidence, "model response could not be parsed"),
			err:    &AnalysisError{Stage: StageParse, Err: err},
		}
	}

	r := assemble(base, req, parsed, evidence, resp.MaxFusedScore, o.cfg.Weights)
	r.ModelUsed = chatResp.Model
	r.PromptTokens = chatResp.PromptTokens
	r.CompletionTokens = chatResp.CompletionTokens
	r.TotalTokens = chatResp.TotalTokens

	o.log(ctx, r)
	slog.Info("analysis: complete",
		"type", r.Type, "evidence", len(evidence), "confidence", fmt.Sprintf("%.2f", r.Confidence),
		"unverified", len(r.UnverifiedCitations), "elapsed", time.Since(start).Round(time.Millisecond))
	return outcome{result: r}
}

func (o *Orchestrator) log(ctx context.Context, r *Result) {
	if o.audit == nil {
		return
	}
	err := o.audit.LogAnalysis(ctx, store.AnalysisLog{
		Fingerprint:      r.Fingerprint,
		Query:            r.Query,
		AnalysisType:     string(r.Type),
		Status:           string(r.Status),
		Confidence:       r.Confidence,
		Sources:          r.SourceDocumentIDs,
		ModelUsed:        r.ModelUsed,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
	})
	if err != nil {
		slog.Warn("analysis: audit log write failed", "error", err)
	}
}

func evidenceFrom(results []retrieval.Result) []Evidence {
	out := make([]Evidence, len(results))
	for i, r := range results {
		out[i] = Evidence{
			Label:        fmt.Sprintf("E%d", i+1),
			DocumentID:   r.DocumentID,
			ChunkID:      r.ChunkID,
			Title:        r.Title,
			Filename:     r.Filename,
			PageNumber:   r.PageNumber,
			SectionTitle: r.SectionTitle,
			Content:      r.Content,
			FusedScore:   r.FusedScore,
		}
	}
	return out
}

// degraded builds an evidence-only result.
func degraded(base Result, evidence []Evidence, reason string) *Result {
	r := base
	r.Status = StatusDegraded
	r.Unavailable = "analysis unavailable: " + reason
	r.Evidence = evidence
	r.SourceDocumentIDs = documentIDs(evidence)
	return &r
}

// documentIDs lists the distinct documents of evidence in order.
func documentIDs(evidence []Evidence) []string {
	seen := make(map[string]bool)
	ids := []string{}
	for _, e := range evidence {
		if !seen[e.DocumentID] {
			seen[e.DocumentID] = true
			ids = append(ids, e.DocumentID)
		}
	}
	return ids
}
