package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lexrag"
	"github.com/brunobiangulo/lexrag/analysis"
	"github.com/brunobiangulo/lexrag/parser"
	"github.com/brunobiangulo/lexrag/retrieval"
	"github.com/brunobiangulo/lexrag/store"
)

// fakeService records calls and serves canned documents.
type fakeService struct {
	docs      map[string]*lexrag.Document
	submitted []string
	submitErr error
	lastQuery lexrag.Query
	searchErr error
	lastTypes []analysis.EntityType
	lastBrief analysis.BriefRequest
}

func newFakeService() *fakeService {
	return &fakeService{docs: map[string]*lexrag.Document{
		"doc-1": {ID: "doc-1", Filename: "lease.pdf", Status: store.StatusCompleted},
	}}
}

func (f *fakeService) Submit(_ context.Context, path string, _ ...lexrag.IngestOption) (string, error) {
	f.submitted = append(f.submitted, path)
	id := fmt.Sprintf("doc-%d", len(f.docs)+1)
	f.docs[id] = &lexrag.Document{ID: id, Path: path, Status: store.StatusPending}
	return id, f.submitErr
}

func (f *fakeService) Wait(ctx context.Context, id string) (*lexrag.Document, error) {
	d, err := f.GetDocument(ctx, id)
	if err == nil {
		d.Status = store.StatusCompleted
	}
	return d, err
}

func (f *fakeService) GetDocument(_ context.Context, id string) (*lexrag.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", lexrag.ErrDocumentNotFound, id)
	}
	return d, nil
}

func (f *fakeService) ListDocuments(context.Context, store.ListOptions) ([]lexrag.Document, error) {
	return nil, nil
}

func (f *fakeService) Chunks(ctx context.Context, id string) ([]lexrag.Chunk, error) {
	if _, err := f.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return []lexrag.Chunk{{DocumentID: id, Content: "rent is due monthly"}}, nil
}

func (f *fakeService) Reprocess(ctx context.Context, id string, _ bool) error {
	_, err := f.GetDocument(ctx, id)
	return err
}

func (f *fakeService) Delete(ctx context.Context, id string) error {
	if _, err := f.GetDocument(ctx, id); err != nil {
		return err
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeService) Search(_ context.Context, q lexrag.Query) (*lexrag.SearchResponse, error) {
	f.lastQuery = q
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &lexrag.SearchResponse{Mode: q.Mode}, nil
}

func (f *fakeService) SearchCitation(context.Context, string, int) ([]lexrag.SearchResult, error) {
	return []lexrag.SearchResult{{DocumentID: "doc-1", Content: "42 U.S.C. § 1983"}}, nil
}

func (f *fakeService) Similar(ctx context.Context, id string, _ int) ([]lexrag.SearchResult, error) {
	_, err := f.GetDocument(ctx, id)
	return nil, err
}

func (f *fakeService) Filters(context.Context) (*store.FilterValues, error) {
	return &store.FilterValues{DocumentTypes: []string{"contract"}}, nil
}

func (f *fakeService) Analyze(_ context.Context, req lexrag.AnalysisRequest) (*lexrag.AnalysisResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &analysis.AnalysisError{Stage: analysis.StageRequest, Err: fmt.Errorf("query must not be empty")}
	}
	return &lexrag.AnalysisResult{Query: req.Query, Status: analysis.StatusComplete}, nil
}

func (f *fakeService) Summarize(_ context.Context, id string, kind analysis.SummaryKind) (*analysis.Summary, error) {
	return &analysis.Summary{DocumentID: id, Kind: kind}, nil
}

func (f *fakeService) Compare(_ context.Context, ids []string, kind analysis.CompareKind) (*analysis.Comparison, error) {
	if len(ids) < 2 {
		return nil, &analysis.AnalysisError{Stage: analysis.StageRequest, Err: fmt.Errorf("need 2 documents")}
	}
	return &analysis.Comparison{Kind: kind}, nil
}

func (f *fakeService) Stats(context.Context) (*store.Stats, int, error) {
	return &store.Stats{Documents: len(f.docs)}, 0, nil
}

func (f *fakeService) UpdateDocument(ctx context.Context, id string, m lexrag.Metadata) (*lexrag.Document, error) {
	d, err := f.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Title != "" {
		d.Title = m.Title
	}
	if m.DocumentType != "" {
		d.DocumentType = m.DocumentType
	}
	return d, nil
}

func (f *fakeService) ExtractEntities(ctx context.Context, id string, types []analysis.EntityType) (*analysis.Entities, error) {
	if _, err := f.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	f.lastTypes = types
	return &analysis.Entities{DocumentID: id, Entities: []analysis.Entity{{Name: "Acme Corp", Type: analysis.EntityParty, Mentions: 2}}}, nil
}

func (f *fakeService) Analytics(ctx context.Context, id string) (*analysis.DocumentAnalytics, error) {
	if _, err := f.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return &analysis.DocumentAnalytics{DocumentID: id, CitationCount: 3}, nil
}

func (f *fakeService) Brief(_ context.Context, req analysis.BriefRequest) (*analysis.Brief, error) {
	f.lastBrief = req
	if req.Topic == "" {
		return nil, &analysis.AnalysisError{Stage: analysis.StageRequest, Err: fmt.Errorf("topic must not be empty")}
	}
	return &analysis.Brief{Topic: req.Topic, Kind: req.Kind, Text: "brief"}, nil
}

func (f *fakeService) Suggest(_ context.Context, prefix string, _ int) ([]string, error) {
	if len(prefix) < 2 {
		return nil, &retrieval.RetrievalError{Field: "query", Reason: "needs at least 2 characters"}
	}
	return []string{"contract law"}, nil
}

func (f *fakeService) Autocomplete(_ context.Context, prefix string, _ int) ([]string, error) {
	if prefix == "" {
		return nil, &retrieval.RetrievalError{Field: "query", Reason: "must not be empty"}
	}
	return nil, nil
}

func (f *fakeService) Trending(_ context.Context, tf lexrag.Timeframe, _ int) ([]store.QueryCount, error) {
	if tf == "year" {
		return nil, &retrieval.RetrievalError{Field: "timeframe", Reason: "unknown"}
	}
	return []store.QueryCount{{Query: "security deposit", Count: 4}}, nil
}

func serve(t *testing.T, svc service, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	h := newHandler(svc, t.TempDir(), 10<<20)
	rec := httptest.NewRecorder()
	h.routes().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestUploadMultipart(t *testing.T) {
	svc := newFakeService()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "../../etc/lease.txt")
	require.NoError(t, err)
	fw.Write([]byte("The tenant shall pay rent."))
	mw.WriteField("document_type", "contract")
	mw.WriteField("jurisdiction", "New York")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := serve(t, svc, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "pending", out["status"])
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "lease.txt", filepath.Base(svc.submitted[0]))
	data, err := os.ReadFile(svc.submitted[0])
	require.NoError(t, err)
	assert.Equal(t, "The tenant shall pay rent.", string(data))
}

func TestUploadSameContentSamePath(t *testing.T) {
	h := newHandler(newFakeService(), t.TempDir(), 10<<20)
	a, err := h.saveUpload(strings.NewReader("same bytes"), "a.txt")
	require.NoError(t, err)
	b, err := h.saveUpload(strings.NewReader("same bytes"), "a.txt")
	require.NoError(t, err)
	c, err := h.saveUpload(strings.NewReader("other bytes"), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestUploadJSONPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statute.txt")
	require.NoError(t, os.WriteFile(path, []byte("Section 1."), 0o644))

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"ok", fmt.Sprintf(`{"path":%q,"published_at":"2020-01-31"}`, path), http.StatusAccepted},
		{"wait", fmt.Sprintf(`{"path":%q,"wait":true}`, path), http.StatusOK},
		{"missing path", `{}`, http.StatusBadRequest},
		{"not a file", `{"path":"/definitely/not/here.txt"}`, http.StatusBadRequest},
		{"bad type", fmt.Sprintf(`{"path":%q,"document_type":"memo"}`, path), http.StatusBadRequest},
		{"bad date", fmt.Sprintf(`{"path":%q,"published_at":"31/01/2020"}`, path), http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := serve(t, newFakeService(), req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestUploadQueueFullStillAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	svc := newFakeService()
	svc.submitErr = lexrag.ErrQueueFull

	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(fmt.Sprintf(`{"path":%q}`, path)))
	rec := serve(t, svc, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["document_id"])
}

func TestDocumentRoutes(t *testing.T) {
	tests := []struct {
		method, path string
		status       int
	}{
		{http.MethodGet, "/documents", http.StatusOK},
		{http.MethodGet, "/documents?status=bogus", http.StatusBadRequest},
		{http.MethodGet, "/documents?limit=0", http.StatusBadRequest},
		{http.MethodGet, "/documents/doc-1", http.StatusOK},
		{http.MethodGet, "/documents/nope", http.StatusNotFound},
		{http.MethodGet, "/documents/doc-1/status", http.StatusOK},
		{http.MethodGet, "/documents/doc-1/chunks", http.StatusOK},
		{http.MethodGet, "/documents/nope/chunks", http.StatusNotFound},
		{http.MethodPost, "/documents/doc-1/reprocess?force=true", http.StatusAccepted},
		{http.MethodGet, "/documents/doc-1/similar?limit=5", http.StatusOK},
		{http.MethodGet, "/documents/nope/similar", http.StatusNotFound},
		{http.MethodPost, "/documents/doc-1/summary", http.StatusOK},
		{http.MethodDelete, "/documents/doc-1", http.StatusOK},
		{http.MethodDelete, "/documents/nope", http.StatusNotFound},
		{http.MethodGet, "/search/filters", http.StatusOK},
		{http.MethodGet, "/search/citations?q=42+U.S.C.+1983", http.StatusOK},
		{http.MethodGet, "/search/citations", http.StatusBadRequest},
		{http.MethodGet, "/documents/doc-1/analytics", http.StatusOK},
		{http.MethodGet, "/documents/nope/analytics", http.StatusNotFound},
		{http.MethodPost, "/documents/doc-1/entities", http.StatusOK},
		{http.MethodPost, "/documents/nope/entities", http.StatusNotFound},
		{http.MethodGet, "/search/suggestions?q=con", http.StatusOK},
		{http.MethodGet, "/search/suggestions?q=c", http.StatusBadRequest},
		{http.MethodGet, "/search/autocomplete?q=lea", http.StatusOK},
		{http.MethodGet, "/search/autocomplete", http.StatusBadRequest},
		{http.MethodGet, "/search/trending", http.StatusOK},
		{http.MethodGet, "/search/trending?timeframe=year", http.StatusBadRequest},
		{http.MethodGet, "/search/trending?limit=0", http.StatusBadRequest},
		{http.MethodGet, "/health", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(t, newFakeService(), httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestListDocumentsEmptyArray(t *testing.T) {
	rec := serve(t, newFakeService(), httptest.NewRequest(http.MethodGet, "/documents", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"documents":[]`)
}

func TestSearchRoute(t *testing.T) {
	svc := newFakeService()
	rec := serve(t, svc, httptest.NewRequest(http.MethodPost, "/search",
		strings.NewReader(`{"query":"security deposit","mode":"keyword","limit":3,"filters":{"document_types":["contract"]}}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "security deposit", svc.lastQuery.Text)
	assert.Equal(t, retrieval.ModeKeyword, svc.lastQuery.Mode)
	assert.Equal(t, []store.DocumentType{store.TypeContract}, svc.lastQuery.Filters.DocumentTypes)
	assert.Contains(t, rec.Body.String(), `"results":[]`)

	svc.searchErr = &retrieval.RetrievalError{Field: "mode", Reason: "unknown mode"}
	rec = serve(t, svc, httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"x","mode":"fuzzy"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisRoutes(t *testing.T) {
	rec := serve(t, newFakeService(), httptest.NewRequest(http.MethodPost, "/analysis",
		strings.NewReader(`{"query":"Is the non-compete enforceable?","analysis_type":"general"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, newFakeService(), httptest.NewRequest(http.MethodPost, "/analysis", strings.NewReader(`{"query":" "}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, newFakeService(), httptest.NewRequest(http.MethodPost, "/analysis/compare",
		strings.NewReader(`{"document_ids":["a","b"]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "similarity", decode(t, rec)["comparison_type"])

	rec = serve(t, newFakeService(), httptest.NewRequest(http.MethodPost, "/analysis/compare",
		strings.NewReader(`{"document_ids":["a"]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateDocumentRoute(t *testing.T) {
	svc := newFakeService()
	rec := serve(t, svc, httptest.NewRequest(http.MethodPut, "/documents/doc-1",
		strings.NewReader(`{"title":"Lease 2024","document_type":"Contract"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "Lease 2024", body["title"])
	assert.Equal(t, "contract", body["document_type"])

	tests := []struct {
		name, path, body string
		status           int
	}{
		{"unknown type", "/documents/doc-1", `{"document_type":"memo"}`, http.StatusBadRequest},
		{"bad date", "/documents/doc-1", `{"published_at":"May 2024"}`, http.StatusBadRequest},
		{"nothing to update", "/documents/doc-1", `{}`, http.StatusBadRequest},
		{"missing document", "/documents/nope", `{"title":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, svc, httptest.NewRequest(http.MethodPut, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestEntitiesRoute(t *testing.T) {
	svc := newFakeService()
	rec := serve(t, svc, httptest.NewRequest(http.MethodPost, "/documents/doc-1/entities",
		strings.NewReader(`{"entity_types":["parties","court"]}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []analysis.EntityType{analysis.EntityParty, analysis.EntityCourt}, svc.lastTypes)
	assert.Contains(t, rec.Body.String(), `"name":"Acme Corp"`)

	rec = serve(t, svc, httptest.NewRequest(http.MethodPost, "/documents/doc-1/entities",
		strings.NewReader(`{"entity_types":["weather"]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBriefRoute(t *testing.T) {
	svc := newFakeService()
	rec := serve(t, svc, httptest.NewRequest(http.MethodPost, "/analysis/brief",
		strings.NewReader(`{"topic":"implied warranty of habitability","brief_type":"argument","jurisdiction":"NY","max_length":800}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, analysis.BriefArgument, svc.lastBrief.Kind)
	assert.Equal(t, 800, svc.lastBrief.MaxWords)
	assert.Equal(t, "NY", svc.lastBrief.Jurisdiction)

	rec = serve(t, svc, httptest.NewRequest(http.MethodPost, "/analysis/brief", strings.NewReader(`{"topic":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiscoveryRoutesReturnArrays(t *testing.T) {
	rec := serve(t, newFakeService(), httptest.NewRequest(http.MethodGet, "/search/autocomplete?q=lea", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"autocomplete":[]`)

	rec = serve(t, newFakeService(), httptest.NewRequest(http.MethodGet, "/search/trending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "week", body["timeframe"])
	assert.Len(t, body["queries"], 1)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", lexrag.ErrDocumentNotFound), http.StatusNotFound},
		{lexrag.ErrQueueFull, http.StatusServiceUnavailable},
		{lexrag.ErrCircuitOpen, http.StatusServiceUnavailable},
		{lexrag.ErrEngineClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: unknown document type", lexrag.ErrInvalidMetadata), http.StatusBadRequest},
		{&lexrag.ExtractionError{Path: "a.exe", Err: parser.ErrUnsupportedFormat}, http.StatusBadRequest},
		{&analysis.AnalysisError{Stage: analysis.StageModel, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&analysis.AnalysisError{Stage: analysis.StageModel, Err: fmt.Errorf("bad gateway")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := authMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCORSMiddleware(t *testing.T) {
	h := corsMiddleware("https://app.example.com, https://admin.example.com",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/search", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://admin.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// captureLogs routes the default logger to a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

// logRecord returns the first JSON log line with message msg.
func logRecord(t *testing.T, buf *bytes.Buffer, msg string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) == nil && rec["msg"] == msg {
			return rec
		}
	}
	t.Fatalf("no %q log line in:\n%s", msg, buf.String())
	return nil
}

func TestRequestMiddlewareTagsRequestAndDocument(t *testing.T) {
	logs := captureLogs(t)
	h := requestMiddleware(newHandler(newFakeService(), t.TempDir(), 10<<20).routes())

	req := httptest.NewRequest(http.MethodGet, "/documents/doc-1", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))

	line := logRecord(t, logs, "http: request")
	assert.Equal(t, "req-42", line["request_id"])
	assert.Equal(t, "doc-1", line["doc_id"])
	assert.Equal(t, "GET /documents/{id}", line["route"])
	assert.EqualValues(t, http.StatusOK, line["status"])
	assert.Positive(t, line["bytes"])
}

func TestRequestMiddlewareGeneratesID(t *testing.T) {
	logs := captureLogs(t)
	h := requestMiddleware(newHandler(newFakeService(), t.TempDir(), 10<<20).routes())

	path := filepath.Join(t.TempDir(), "lease.txt")
	require.NoError(t, os.WriteFile(path, []byte("rent is due monthly"), 0o644))
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(fmt.Sprintf(`{"path":%q}`, path)))
	req.Header.Set(requestIDHeader, "not a valid id!")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	id := rec.Header().Get(requestIDHeader)
	_, err := uuid.Parse(id)
	require.NoError(t, err, "malformed incoming ids are replaced")

	line := logRecord(t, logs, "http: request")
	assert.Equal(t, id, line["request_id"])
	assert.Equal(t, decode(t, rec)["document_id"], line["doc_id"], "created document is logged")
}

func TestRecoveryMiddleware(t *testing.T) {
	logs := captureLogs(t)
	h := requestMiddleware(recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	panicked := logRecord(t, logs, "http: panic recovered")
	assert.Equal(t, "req-7", panicked["request_id"])
	assert.Equal(t, "boom", panicked["error"])
	assert.EqualValues(t, http.StatusInternalServerError, logRecord(t, logs, "http: request")["status"])
}

func TestRecoveryMiddlewareKeepsStartedReply(t *testing.T) {
	captureLogs(t)
	h := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, setupLogging(&buf, "json", "debug"))
	assert.Error(t, setupLogging(&buf, "xml", "info"))
	assert.Error(t, setupLogging(&buf, "text", "loud"))
}
