package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/lexrag"
	"github.com/brunobiangulo/lexrag/analysis"
	"github.com/brunobiangulo/lexrag/parser"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

// service is the part of *lexrag.Engine the HTTP API uses.
type service interface {
	Submit(ctx context.Context, path string, opts ...lexrag.IngestOption) (string, error)
	Wait(ctx context.Context, id string) (*lexrag.Document, error)
	GetDocument(ctx context.Context, id string) (*lexrag.Document, error)
	ListDocuments(ctx context.Context, opts store.ListOptions) ([]lexrag.Document, error)
	Chunks(ctx context.Context, id string) ([]lexrag.Chunk, error)
	Reprocess(ctx context.Context, id string, force bool) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, q lexrag.Query) (*lexrag.SearchResponse, error)
	SearchCitation(ctx context.Context, citation string, limit int) ([]lexrag.SearchResult, error)
	Similar(ctx context.Context, id string, limit int) ([]lexrag.SearchResult, error)
	Filters(ctx context.Context) (*store.FilterValues, error)
	Analyze(ctx context.Context, req lexrag.AnalysisRequest) (*lexrag.AnalysisResult, error)
	Summarize(ctx context.Context, id string, kind analysis.SummaryKind) (*analysis.Summary, error)
	Compare(ctx context.Context, ids []string, kind analysis.CompareKind) (*analysis.Comparison, error)
	Stats(ctx context.Context) (*store.Stats, int, error)
	UpdateDocument(ctx context.Context, id string, m lexrag.Metadata) (*lexrag.Document, error)
	ExtractEntities(ctx context.Context, id string, types []analysis.EntityType) (*analysis.Entities, error)
	Analytics(ctx context.Context, id string) (*analysis.DocumentAnalytics, error)
	Brief(ctx context.Context, req analysis.BriefRequest) (*analysis.Brief, error)
	Suggest(ctx context.Context, prefix string, limit int) ([]string, error)
	Autocomplete(ctx context.Context, prefix string, limit int) ([]string, error)
	Trending(ctx context.Context, tf lexrag.Timeframe, limit int) ([]store.QueryCount, error)
}

type handler struct {
	svc       service
	uploadDir string
	maxUpload int64
}

func newHandler(svc service, uploadDir string, maxUpload int64) *handler {
	return &handler{svc: svc, uploadDir: uploadDir, maxUpload: maxUpload}
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /documents", h.handleUpload)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /documents/{id}", h.handleGetDocument)
	mux.HandleFunc("PUT /documents/{id}", h.handleUpdateDocument)
	mux.HandleFunc("GET /documents/{id}/status", h.handleStatus)
	mux.HandleFunc("GET /documents/{id}/chunks", h.handleChunks)
	mux.HandleFunc("POST /documents/{id}/reprocess", h.handleReprocess)
	mux.HandleFunc("DELETE /documents/{id}", h.handleDeleteDocument)
	mux.HandleFunc("GET /documents/{id}/similar", h.handleSimilar)
	mux.HandleFunc("POST /documents/{id}/summary", h.handleSummary)
	mux.HandleFunc("POST /documents/{id}/entities", h.handleEntities)
	mux.HandleFunc("GET /documents/{id}/analytics", h.handleAnalytics)
	mux.HandleFunc("POST /search", h.handleSearch)
	mux.HandleFunc("GET /search/filters", h.handleFilters)
	mux.HandleFunc("GET /search/citations", h.handleCitations)
	mux.HandleFunc("GET /search/suggestions", h.handleSuggestions)
	mux.HandleFunc("GET /search/autocomplete", h.handleAutocomplete)
	mux.HandleFunc("GET /search/trending", h.handleTrending)
	mux.HandleFunc("POST /analysis", h.handleAnalysis)
	mux.HandleFunc("POST /analysis/compare", h.handleCompare)
	mux.HandleFunc("POST /analysis/brief", h.handleBrief)
	mux.HandleFunc("GET /health", h.handleHealth)
	return mux
}

// ingestRequest is the JSON form of POST /documents, naming a file that
// is already on the server.
type ingestRequest struct {
	Path   string `json:"path"`
	Format string `json:"format,omitempty"`
	metadataRequest
	Force bool `json:"force,omitempty"`
	Wait  bool `json:"wait,omitempty"`
}

// metadataRequest carries descriptive fields, on upload and on PUT.
type metadataRequest struct {
	Title        string `json:"title,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	PublishedAt  string `json:"published_at,omitempty"` // YYYY-MM-DD
	Source       string `json:"source,omitempty"`
}

func (req *metadataRequest) metadata() (lexrag.Metadata, error) {
	meta := lexrag.Metadata{Title: req.Title, Jurisdiction: req.Jurisdiction, Source: req.Source}
	if req.DocumentType != "" {
		t, err := store.ParseDocumentType(req.DocumentType)
		if err != nil {
			return meta, err
		}
		meta.DocumentType = t
	}
	if req.PublishedAt != "" {
		t, err := time.Parse(store.DateLayout, req.PublishedAt)
		if err != nil {
			return meta, fmt.Errorf("published_at must be YYYY-MM-DD: %w", err)
		}
		meta.PublishedAt = &t
	}
	return meta, nil
}

// options converts the request into ingest options.
func (req *ingestRequest) options() ([]lexrag.IngestOption, error) {
	var opts []lexrag.IngestOption
	if req.Force {
		opts = append(opts, lexrag.WithForce())
	}
	if req.Format != "" {
		f, err := parser.ParseFormat(req.Format)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lexrag.WithFormat(f))
	}
	meta, err := req.metadata()
	if err != nil {
		return nil, err
	}
	if meta != (lexrag.Metadata{}) {
		opts = append(opts, lexrag.WithMetadata(meta))
	}
	return opts, nil
}

// POST /documents
// Accepts a multipart upload in field "file" or JSON naming a server path.
// The document is queued; "wait" blocks until it completes or fails.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()
		path, err := h.saveUpload(file, header.Filename)
		if err != nil {
			reqLog(r).Error("http: saving upload", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save file")
			return
		}
		req = ingestRequest{
			Path:   path,
			Format: r.FormValue("format"),
			metadataRequest: metadataRequest{
				Title:        r.FormValue("title"),
				DocumentType: r.FormValue("document_type"),
				Jurisdiction: r.FormValue("jurisdiction"),
				PublishedAt:  r.FormValue("published_at"),
				Source:       r.FormValue("source"),
			},
			Force: r.FormValue("force") == "true",
			Wait:  r.FormValue("wait") == "true",
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		info, err := os.Stat(req.Path)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
	}

	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.svc.Submit(r.Context(), req.Path, opts...)
	if id != "" {
		setDocID(r, id)
	}
	if err != nil {
		if id != "" && errors.Is(err, lexrag.ErrQueueFull) {
			// Registered; the maintenance job will pick it up.
			writeJSON(w, http.StatusAccepted, map[string]any{"document_id": id, "status": store.StatusPending})
			return
		}
		writeEngineError(w, r, "ingest", err)
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]any{"document_id": id, "status": store.StatusPending})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()
	doc, err := h.svc.Wait(ctx, id)
	if err != nil {
		writeEngineError(w, r, "ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// saveUpload stores an upload under a directory named by its content
// hash, so uploading the same file twice yields the same path and the
// same document.
func (h *handler) saveUpload(src io.Reader, name string) (string, error) {
	safeName := filepath.Base(filepath.Clean("/" + name))
	if safeName == "/" || safeName == "." {
		safeName = "upload"
	}
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(h.uploadDir, "upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), src); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	dir := filepath.Join(h.uploadDir, hex.EncodeToString(hash.Sum(nil))[:16])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, safeName)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return dst, nil
}

// GET /documents?status=&limit=&offset=
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{Status: store.Status(q.Get("status"))}
	switch opts.Status {
	case "", store.StatusPending, store.StatusProcessing, store.StatusCompleted, store.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit"), 50, 1, 500); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if opts.Offset, err = intParam(q.Get("offset"), 0, 0, 1<<30); err != nil {
		writeError(w, http.StatusBadRequest, "offset: "+err.Error())
		return
	}
	docs, err := h.svc.ListDocuments(r.Context(), opts)
	if err != nil {
		writeEngineError(w, r, "list documents", err)
		return
	}
	if docs == nil {
		docs = []lexrag.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "limit": opts.Limit, "offset": opts.Offset})
}

// GET /documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PUT /documents/{id}
// Updates descriptive metadata; omitted fields keep their values.
func (h *handler) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	meta, err := req.metadata()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if meta == (lexrag.Metadata{}) {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	doc, err := h.svc.UpdateDocument(r.Context(), r.PathValue("id"), meta)
	if err != nil {
		writeEngineError(w, r, "update document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GET /documents/{id}/status
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": doc.ID,
		"status":      doc.Status,
		"error":       doc.Error,
		"updated_at":  doc.UpdatedAt,
	})
}

// GET /documents/{id}/chunks
func (h *handler) handleChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := h.svc.Chunks(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, "chunks", err)
		return
	}
	if chunks == nil {
		chunks = []lexrag.Chunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

// POST /documents/{id}/reprocess?force=true
func (h *handler) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"
	if err := h.svc.Reprocess(r.Context(), id, force); err != nil {
		writeEngineError(w, r, "reprocess", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"document_id": id, "force": force})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, r, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /documents/{id}/similar?limit=
func (h *handler) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	results, err := h.svc.Similar(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeEngineError(w, r, "similar", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": nonNil(results)})
}

// POST /documents/{id}/summary
func (h *handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind analysis.SummaryKind `json:"kind"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Kind == "" {
		req.Kind = analysis.SummaryComprehensive
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	s, err := h.svc.Summarize(ctx, r.PathValue("id"), req.Kind)
	if err != nil {
		writeEngineError(w, r, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// POST /documents/{id}/entities
func (h *handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Types []string `json:"entity_types"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	types := make([]analysis.EntityType, 0, len(req.Types))
	for _, s := range req.Types {
		t, err := analysis.ParseEntityType(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		types = append(types, t)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()
	ents, err := h.svc.ExtractEntities(ctx, r.PathValue("id"), types)
	if err != nil {
		writeEngineError(w, r, "entities", err)
		return
	}
	writeJSON(w, http.StatusOK, ents)
}

// GET /documents/{id}/analytics
func (h *handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Analytics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, r, "analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q lexrag.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	resp, err := h.svc.Search(ctx, q)
	if err != nil {
		writeEngineError(w, r, "search", err)
		return
	}
	resp.Results = nonNil(resp.Results)
	writeJSON(w, http.StatusOK, resp)
}

// GET /search/filters
func (h *handler) handleFilters(w http.ResponseWriter, r *http.Request) {
	fv, err := h.svc.Filters(r.Context())
	if err != nil {
		writeEngineError(w, r, "filters", err)
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

// GET /search/citations?q=&limit=
func (h *handler) handleCitations(w http.ResponseWriter, r *http.Request) {
	citation := strings.TrimSpace(r.URL.Query().Get("q"))
	if citation == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	results, err := h.svc.SearchCitation(r.Context(), citation, limit)
	if err != nil {
		writeEngineError(w, r, "citation search", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"citation": citation, "results": nonNil(results)})
}

// GET /search/suggestions?q=&limit=
func (h *handler) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	h.completions(w, r, "suggestions", h.svc.Suggest)
}

// GET /search/autocomplete?q=&limit=
func (h *handler) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	h.completions(w, r, "autocomplete", h.svc.Autocomplete)
}

func (h *handler) completions(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, string, int) ([]string, error)) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 10, 1, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	prefix := q.Get("q")
	out, err := fn(r.Context(), prefix, limit)
	if err != nil {
		writeEngineError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": prefix, op: nonNil(out)})
}

// GET /search/trending?timeframe=day|week|month&limit=
func (h *handler) handleTrending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	tf := lexrag.Timeframe(q.Get("timeframe"))
	out, err := h.svc.Trending(r.Context(), tf, limit)
	if err != nil {
		writeEngineError(w, r, "trending", err)
		return
	}
	if tf == "" {
		tf = lexrag.TimeframeWeek
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeframe": tf, "queries": nonNil(out)})
}

// POST /analysis
func (h *handler) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req lexrag.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	res, err := h.svc.Analyze(ctx, req)
	if err != nil {
		writeEngineError(w, r, "analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /analysis/compare
func (h *handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentIDs []string             `json:"document_ids"`
		Kind        analysis.CompareKind `json:"comparison_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Kind == "" {
		req.Kind = analysis.CompareSimilarity
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	c, err := h.svc.Compare(ctx, req.DocumentIDs, req.Kind)
	if err != nil {
		writeEngineError(w, r, "compare", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// POST /analysis/brief
func (h *handler) handleBrief(w http.ResponseWriter, r *http.Request) {
	var req analysis.BriefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	b, err := h.svc.Brief(ctx, req)
	if err != nil {
		writeEngineError(w, r, "brief", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, pending, err := h.svc.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": stats, "queued": pending})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		rerr *retrieval.RetrievalError
		aerr *analysis.AnalysisError
		xerr *lexrag.ExtractionError
	)
	switch {
	case errors.Is(err, lexrag.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.As(err, &rerr), errors.Is(err, lexrag.ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.As(err, &aerr) && aerr.Stage == analysis.StageRequest:
		return http.StatusBadRequest
	case errors.As(err, &xerr) && (errors.Is(err, parser.ErrUnsupportedFormat) || errors.Is(err, os.ErrNotExist)):
		return http.StatusBadRequest
	case errors.Is(err, lexrag.ErrQueueFull), errors.Is(err, lexrag.ErrCircuitOpen), errors.Is(err, lexrag.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		reqLog(r).Error("http: "+op+" failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// intParam parses an optional integer query parameter within [lo, hi].
func intParam(s string, def, lo, hi int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("must be in [%d, %d]", lo, hi)
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
