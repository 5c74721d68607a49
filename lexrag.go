// Package lexrag ingests legal documents, retrieves their passages by
// meaning and by keyword, and produces grounded legal analyses.
package lexrag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/brunobiangulo/lexrag/analysis"
	"github.com/brunobiangulo/lexrag/chunker"
	"github.com/brunobiangulo/lexrag/embedding"
	"github.com/brunobiangulo/lexrag/enrich"
	"github.com/brunobiangulo/lexrag/llm"
	"github.com/brunobiangulo/lexrag/parser"
	"github.com/brunobiangulo/lexrag/resilience"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

// Common types of the public API.
type (
	Document        = store.Document
	Chunk           = store.Chunk
	Query           = retrieval.Query
	SearchResponse  = retrieval.Response
	SearchResult    = retrieval.Result
	AnalysisRequest = analysis.Request
	AnalysisResult  = analysis.Result
)

// Engine is the main entry point: it owns the store, the providers and the
// ingestion workers. It is safe for concurrent use.
type Engine struct {
	cfg       Config
	store     *store.Store
	chat      llm.Provider
	parsers   *parser.Registry
	chunker   *chunker.Chunker
	embedder  *embedding.Embedder
	retriever *retrieval.Engine
	analyzer  *analysis.Orchestrator
	enricher  *enrich.Enricher
	pool      *pool
	cron      *cron.Cron
	redis     *redis.Client
	closed    atomic.Bool
	active    sync.Map // document IDs being processed
	locks     docLocks

	// pendingGrace is how long a pending document may wait before the
	// maintenance job re-queues it.
	pendingGrace time.Duration
	// staleAfter is how long a document may sit in processing without a
	// worker before it is failed as interrupted.
	staleAfter time.Duration
}

// Option customises engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	chat   llm.Provider
	embed  llm.Provider
	vision llm.VisionProvider
}

// WithChatProvider replaces the chat provider built from Config.Chat.
func WithChatProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.chat = p }
}

// WithEmbeddingProvider replaces the provider built from Config.Embedding.
func WithEmbeddingProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.embed = p }
}

// WithVisionProvider replaces the provider built from Config.Vision.
func WithVisionProvider(p llm.VisionProvider) Option {
	return func(o *engineOptions) { o.vision = p }
}

// New creates an engine with the given configuration.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	if o.chat == nil {
		if o.chat, err = llm.NewProvider(cfg.Chat); err != nil {
			return nil, fmt.Errorf("%w: creating chat provider: %v", ErrInvalidConfig, err)
		}
	}
	if o.embed == nil {
		if o.embed, err = llm.NewProvider(cfg.Embedding); err != nil {
			return nil, fmt.Errorf("%w: creating embedding provider: %v", ErrInvalidConfig, err)
		}
	}
	if o.vision == nil && cfg.Vision.Provider != "" {
		p, err := llm.NewProvider(cfg.Vision)
		if err != nil {
			return nil, fmt.Errorf("%w: creating vision provider: %v", ErrInvalidConfig, err)
		}
		vp, ok := p.(llm.VisionProvider)
		if !ok {
			return nil, fmt.Errorf("%w: provider %q has no vision support", ErrInvalidConfig, cfg.Vision.Provider)
		}
		o.vision = vp
	}

	chatPolicy := cfg.Resilience.Chat
	chatPolicy.Breaker = resilience.NewBreaker("chat", cfg.Resilience.Breaker)
	embedPolicy := cfg.Resilience.Embed
	embedPolicy.Breaker = resilience.NewBreaker("embed", cfg.Resilience.Breaker)
	chat := llm.NewResilient(o.chat, chatPolicy, embedPolicy)

	var vision llm.VisionProvider
	if o.vision != nil {
		visionPolicy := cfg.Resilience.Chat
		visionPolicy.Name = "vision"
		visionPolicy.Breaker = resilience.NewBreaker("vision", cfg.Resilience.Breaker)
		vision = llm.NewResilient(o.vision, visionPolicy, embedPolicy)
	}

	chunkr, err := chunker.New(cfg.Chunking)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	embedCfg := cfg.Embedder
	if embedCfg.Model == "" {
		embedCfg.Model = cfg.Embedding.Model
	}
	embedCfg.Dimension = cfg.EmbeddingDim
	embedder := embedding.New(o.embed, embedPolicy, embedCfg)

	var reranker retrieval.Reranker
	if cfg.LLMRerank {
		reranker = retrieval.LLMReranker{Provider: chat, Model: cfg.Chat.Model}
	}
	retriever := retrieval.New(s, embedder, reranker, cfg.Retrieval)

	e := &Engine{
		cfg:          cfg,
		store:        s,
		chat:         chat,
		parsers:      parser.NewRegistry(cfg.Parser, vision),
		chunker:      chunkr,
		embedder:     embedder,
		retriever:    retriever,
		pendingGrace: time.Minute,
		staleAfter:   30 * time.Minute,
	}

	var cache analysis.Cache = analysis.NewMemoryCache(cfg.Analysis.CacheSize, cfg.Analysis.CacheTTL)
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := analysis.ConnectRedis(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			slog.Warn("engine: redis unavailable, analysis cache is in-memory only", "error", err)
		} else {
			e.redis = client
			cache = analysis.Tiered{cache, analysis.NewRedisCache(client, cfg.Analysis.CacheTTL)}
		}
	}

	analysisCfg := cfg.Analysis
	if analysisCfg.Model == "" {
		analysisCfg.Model = cfg.Chat.Model
	}
	e.analyzer = analysis.New(analysis.Deps{
		Search:    retriever,
		Chat:      chat,
		Documents: s,
		Cache:     cache,
		Audit:     s,
	}, analysisCfg)

	enrichCfg := cfg.Enrich
	if enrichCfg.Model == "" {
		enrichCfg.Model = cfg.Chat.Model
	}
	e.enricher = enrich.New(chat, enrichCfg)

	e.pool = newPool(cfg.Workers, cfg.QueueSize, e.runJob)
	if cfg.MaintenanceSchedule != "" {
		if err := e.startMaintenance(cfg.MaintenanceSchedule); err != nil {
			e.Close()
			return nil, fmt.Errorf("%w: maintenance_schedule: %v", ErrInvalidConfig, err)
		}
	}

	slog.Info("engine: ready",
		"db", cfg.resolveDBPath(), "chat", cfg.Chat.Provider+"/"+cfg.Chat.Model,
		"embedding", cfg.Embedding.Provider+"/"+embedCfg.Model, "dim", cfg.EmbeddingDim,
		"workers", cfg.Workers, "redis", e.redis != nil)
	return e, nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// notFound maps store.ErrNotFound onto ErrDocumentNotFound.
func notFound(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return err
}

// Search runs a semantic, keyword or hybrid query.
func (e *Engine) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := e.retriever.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	e.logSearch(ctx, q, resp, time.Since(start))
	return resp, nil
}

// SearchCitation finds passages quoting the given authority.
func (e *Engine) SearchCitation(ctx context.Context, citation string, limit int) ([]SearchResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.retriever.SearchCitation(ctx, citation, limit)
}

// Similar returns the closest passages of other documents.
func (e *Engine) Similar(ctx context.Context, documentID string, limit int) ([]SearchResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := e.store.GetDocument(ctx, documentID); err != nil {
		return nil, notFound(err, documentID)
	}
	return e.retriever.Similar(ctx, documentID, limit)
}

// Filters reports the values search filters can take.
func (e *Engine) Filters(ctx context.Context) (*store.FilterValues, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.retriever.Filters(ctx)
}

// Analyze produces a grounded analysis of req.Query.
func (e *Engine) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.analyzer.Analyze(ctx, req)
}

// Summarize summarises one completed document.
func (e *Engine) Summarize(ctx context.Context, documentID string, kind analysis.SummaryKind) (*analysis.Summary, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	s, err := e.analyzer.Summarize(ctx, documentID, kind)
	return s, notFound(err, documentID)
}

// Compare contrasts two or more completed documents.
func (e *Engine) Compare(ctx context.Context, documentIDs []string, kind analysis.CompareKind) (*analysis.Comparison, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	c, err := e.analyzer.Compare(ctx, documentIDs, kind)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
	}
	return c, err
}

// ExtractEntities lists the parties, courts, judges and authorities named
// in a completed document. An empty types list asks for every type.
func (e *Engine) ExtractEntities(ctx context.Context, documentID string, types []analysis.EntityType) (*analysis.Entities, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ents, err := e.analyzer.ExtractEntities(ctx, documentID, types)
	return ents, notFound(err, documentID)
}

// Brief writes a legal brief from the given documents or from search.
func (e *Engine) Brief(ctx context.Context, req analysis.BriefRequest) (*analysis.Brief, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	b, err := e.analyzer.Brief(ctx, req)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
	}
	return b, err
}

// Analytics measures a completed document without calling a model.
func (e *Engine) Analytics(ctx context.Context, documentID string) (*analysis.DocumentAnalytics, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	a, err := e.analyzer.Analytics(ctx, documentID)
	return a, notFound(err, documentID)
}

// UpdateDocument overwrites the non-empty fields of m and returns the
// updated document. Chunks and vectors are left alone.
func (e *Engine) UpdateDocument(ctx context.Context, id string, m Metadata) (*Document, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if m.DocumentType != "" {
		t, err := store.ParseDocumentType(string(m.DocumentType))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		m.DocumentType = t
	}
	if err := e.store.UpdateDocumentMeta(ctx, id, store.DocumentMeta(m)); err != nil {
		return nil, notFound(err, id)
	}
	doc, err := e.store.GetDocument(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	slog.Info("engine: document metadata updated", "doc_id", id)
	return doc, nil
}

// Stats reports corpus counts and the ingestion backlog.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, int, error) {
	if err := e.checkOpen(); err != nil {
		return nil, 0, err
	}
	st, err := e.store.Stats(ctx)
	return st, e.pool.pending(), err
}

// Store returns the underlying store for diagnostic access.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Close stops the scheduler and the workers, then closes the store.
// Documents still queued stay pending and are picked up on the next start.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.pool.close()
	if e.redis != nil {
		e.redis.Close()
	}
	return e.store.Close()
}
