package lexrag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/lexrag/parser"
	"github.com/brunobiangulo/lexrag/store"
)

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	force          bool
	meta           *Metadata
	format         parser.Format
	skipEnrichment bool
}

// Metadata is caller-supplied descriptive information about a document.
// Detected values never overwrite fields set here.
type Metadata struct {
	Title        string
	DocumentType store.DocumentType
	Jurisdiction string
	PublishedAt  *time.Time
	Source       string
}

// WithForce reprocesses the document even if the file hash is unchanged.
// Unchanged chunks keep their vectors.
func WithForce() IngestOption {
	return func(o *ingestOptions) { o.force = true }
}

// WithMetadata attaches descriptive metadata to the document.
func WithMetadata(m Metadata) IngestOption {
	return func(o *ingestOptions) { o.meta = &m }
}

// WithFormat declares the file format instead of inferring it from the
// extension.
func WithFormat(f parser.Format) IngestOption {
	return func(o *ingestOptions) { o.format = f }
}

// WithSkipEnrichment completes the document without summary, tags or
// detected metadata.
func WithSkipEnrichment() IngestOption {
	return func(o *ingestOptions) { o.skipEnrichment = true }
}

func buildIngestOptions(opts []IngestOption) ingestOptions {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Submit registers the document at path as pending and queues it for
// processing. Poll Status or call Wait to follow it. When the queue is
// full the document ID is returned together with ErrQueueFull.
func (e *Engine) Submit(ctx context.Context, path string, opts ...IngestOption) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	o := buildIngestOptions(opts)
	doc, err := e.register(ctx, path, o)
	if err != nil {
		return "", err
	}
	if err := e.pool.submit(job{docID: doc.ID, opts: o}); err != nil {
		return doc.ID, err
	}
	slog.Info("ingest: document queued", "doc_id", doc.ID, "file", doc.Filename)
	return doc.ID, nil
}

// Ingest registers and processes the document at path before returning.
// A worker already processing the same document finishes first.
func (e *Engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	o := buildIngestOptions(opts)
	doc, err := e.register(ctx, path, o)
	if err != nil {
		return "", err
	}
	return doc.ID, e.process(ctx, doc.ID, o)
}

// Reprocess queues an existing document again. Without force, an
// unchanged file only gets its missing vectors retried. When the document
// is already queued its job takes on force; when it is running it runs
// once more afterwards.
func (e *Engine) Reprocess(ctx context.Context, id string, force bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if _, err := e.store.GetDocument(ctx, id); err != nil {
		return notFound(err, id)
	}
	return e.pool.submit(job{docID: id, opts: ingestOptions{force: force}})
}

// Status returns the document with its current processing state.
func (e *Engine) Status(ctx context.Context, id string) (*Document, error) {
	return e.GetDocument(ctx, id)
}

// waitPoll is how often Wait re-reads a document that is not queued here,
// e.g. one being processed by another process.
const waitPoll = 250 * time.Millisecond

// Wait blocks until the document reaches completed or failed and no job
// for it is queued.
func (e *Engine) Wait(ctx context.Context, id string) (*Document, error) {
	t := time.NewTicker(waitPoll)
	defer t.Stop()
	for {
		if ch := e.pool.done(id); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		doc, err := e.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc.Status.Terminal() && e.pool.done(id) == nil {
			return doc, nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetDocument returns one document.
func (e *Engine) GetDocument(ctx context.Context, id string) (*Document, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	d, err := e.store.GetDocument(ctx, id)
	if err != nil {
		return nil, notFound(err, id)
	}
	return d, nil
}

// ListDocuments returns documents, newest first.
func (e *Engine) ListDocuments(ctx context.Context, opts store.ListOptions) ([]Document, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.ListDocuments(ctx, opts)
}

// Chunks returns the chunks of a document in order.
func (e *Engine) Chunks(ctx context.Context, id string) ([]Chunk, error) {
	if _, err := e.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return e.store.GetChunks(ctx, id)
}

// Delete removes a document with its chunks and index entries.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.store.DeleteDocument(ctx, id); err != nil {
		return notFound(err, id)
	}
	slog.Info("ingest: document deleted", "doc_id", id)
	return nil
}

// register returns the document for path, creating it as pending when
// the path is new.
func (e *Engine) register(ctx context.Context, path string, o ingestOptions) (*Document, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, &ExtractionError{Path: absPath, Format: o.format, Err: err}
	}
	if info.IsDir() {
		return nil, &ExtractionError{Path: absPath, Format: o.format, Err: errors.New("is a directory")}
	}
	format := o.format
	if format == "" {
		if format, err = parser.FormatFromPath(absPath); err != nil {
			return nil, &ExtractionError{Path: absPath, Err: err}
		}
	}

	existing, err := e.store.GetDocumentByPath(ctx, absPath)
	switch {
	case err == nil:
		if o.meta != nil {
			if err := e.store.UpdateDocumentMeta(ctx, existing.ID, store.DocumentMeta(*o.meta)); err != nil {
				return nil, err
			}
		}
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	filename := filepath.Base(absPath)
	doc := &Document{
		ID:       uuid.NewString(),
		Path:     absPath,
		Filename: filename,
		Title:    strings.TrimSuffix(filename, filepath.Ext(filename)),
		Format:   string(format),
		FileSize: info.Size(),
	}
	if m := o.meta; m != nil {
		if m.Title != "" {
			doc.Title = m.Title
		}
		doc.DocumentType = m.DocumentType
		doc.Jurisdiction = m.Jurisdiction
		doc.PublishedAt = m.PublishedAt
		doc.Source = m.Source
	}
	if err := e.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}
	slog.Info("ingest: document registered", "doc_id", doc.ID, "file", filename, "format", format)
	return doc, nil
}

func (e *Engine) runJob(ctx context.Context, j job) {
	if err := e.process(ctx, j.docID, j.opts); err != nil {
		slog.Warn("ingest: job failed", "doc_id", j.docID, "error", err)
	}
}

// process runs a registered document through extraction, chunking,
// embedding and enrichment and leaves it completed or failed.
func (e *Engine) process(ctx context.Context, docID string, o ingestOptions) error {
	unlock, err := e.locks.lock(ctx, docID)
	if err != nil {
		return err
	}
	defer unlock()
	e.active.Store(docID, struct{}{})
	defer e.active.Delete(docID)

	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return notFound(err, docID)
	}
	hash, hashErr := fileHash(doc.Path)
	if hashErr == nil && !o.force && doc.Status == store.StatusCompleted && doc.ContentHash == hash {
		slog.Debug("ingest: unchanged, retrying missing vectors only", "doc_id", docID)
		return e.retryMissing(ctx, doc)
	}

	if err := e.store.TransitionStatus(ctx, docID, store.StatusProcessing, ""); err != nil {
		return err
	}
	start := time.Now()
	if hashErr != nil {
		return e.fail(ctx, doc, &ExtractionError{Path: doc.Path, Err: hashErr})
	}

	format := o.format
	if format == "" {
		if format, err = parser.ParseFormat(doc.Format); err != nil {
			return e.fail(ctx, doc, &ExtractionError{Path: doc.Path, Err: err})
		}
	}
	slog.Info("ingest: extracting", "doc_id", docID, "file", doc.Filename, "format", format)
	ex, err := e.parsers.Extract(ctx, doc.Path, format)
	if err != nil {
		return e.fail(ctx, doc, err)
	}
	for _, w := range ex.Warnings {
		slog.Warn("ingest: extraction warning", "doc_id", docID, "warning", w)
	}
	info, statErr := os.Stat(doc.Path)
	size := doc.FileSize
	if statErr == nil {
		size = info.Size()
	}
	if err := e.store.UpdateSourceInfo(ctx, docID, store.SourceInfo{
		ContentHash: hash,
		ParseMethod: ex.Method,
		Format:      string(format),
		FileSize:    size,
		PageCount:   ex.PagesTotal,
	}); err != nil {
		return e.fail(ctx, doc, err)
	}

	chunks, err := e.chunker.Chunk(ex.Text, ex.Pages)
	if err != nil {
		return e.fail(ctx, doc, err)
	}

	// Vectors of content that moved to a new ordinal are reused.
	reusable, err := e.vectorsByContent(ctx, docID)
	if err != nil {
		return e.fail(ctx, doc, err)
	}
	stored, err := e.store.ReplaceChunks(ctx, docID, chunks)
	if err != nil {
		return e.fail(ctx, doc, err)
	}

	reused := make(map[int64][]float32)
	var missing []store.Chunk
	embedded := 0
	for _, c := range stored {
		switch v, ok := reusable[c.ContentHash]; {
		case c.Embedded:
			embedded++
		case ok:
			reused[c.ID] = v
		default:
			missing = append(missing, c)
		}
	}
	if err := e.store.UpsertVectors(ctx, reused); err != nil {
		return e.fail(ctx, doc, err)
	}
	embedded += len(reused)

	res, err := e.embedChunks(ctx, missing)
	if err != nil {
		return e.fail(ctx, doc, err)
	}
	embedded += res.stored
	if embedded == 0 {
		err := error(ErrAllEmbeddingsFailed)
		if res.firstErr != nil {
			err = fmt.Errorf("%w: %w", ErrAllEmbeddingsFailed, res.firstErr)
		}
		return e.fail(ctx, doc, err)
	}
	slog.Info("ingest: chunks indexed",
		"doc_id", docID, "chunks", len(stored), "kept", len(stored)-len(missing)-len(reused),
		"reused", len(reused), "embedded", res.stored, "failed", res.failed)

	var en store.Enrichment
	if !o.skipEnrichment {
		en = e.enricher.Enrich(ctx, doc.Title, ex.Text)
	}
	if err := e.store.CompleteDocument(ctx, docID, en); err != nil {
		return e.fail(ctx, doc, err)
	}
	slog.Info("ingest: document completed",
		"doc_id", docID, "file", doc.Filename, "pages", ex.PagesTotal, "chunks", len(stored),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// fail records err on the document and returns it. The status write
// survives cancellation of ctx.
func (e *Engine) fail(ctx context.Context, doc *Document, err error) error {
	slog.Warn("ingest: document failed", "doc_id", doc.ID, "file", doc.Filename, "error", err)
	if terr := e.store.TransitionStatus(context.WithoutCancel(ctx), doc.ID, store.StatusFailed, err.Error()); terr != nil {
		slog.Error("ingest: recording failure", "doc_id", doc.ID, "error", terr)
	}
	return err
}

// vectorsByContent maps the content hash of each embedded chunk of docID
// to its vector.
func (e *Engine) vectorsByContent(ctx context.Context, docID string) (map[string][]float32, error) {
	old, err := e.store.GetChunks(ctx, docID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	hashes := make(map[int64]string)
	for _, c := range old {
		if c.Embedded {
			ids = append(ids, c.ID)
			hashes[c.ID] = c.ContentHash
		}
	}
	vecs, err := e.store.Vectors(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(vecs))
	for id, v := range vecs {
		out[hashes[id]] = v
	}
	return out, nil
}

// embedOutcome summarises one embedding pass.
type embedOutcome struct {
	stored   int
	failed   int
	firstErr error
}

// embedChunks embeds chunks and stores their vectors. Per-chunk failures
// are recorded on the chunk and reported in the outcome; the returned
// error is set only when the index write fails.
func (e *Engine) embedChunks(ctx context.Context, chunks []store.Chunk) (embedOutcome, error) {
	var out embedOutcome
	if len(chunks) == 0 {
		return out, nil
	}
	// Vectors are built from the stored content alone so a query for a
	// chunk's exact text lands on it; headings are matched by the keyword
	// index.
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	start := time.Now()
	results := e.embedder.EmbedBatch(ctx, texts)
	vecs := make(map[int64][]float32, len(chunks))
	failed := make(map[string][]int64)
	for i, r := range results {
		if r.Err != nil {
			if out.firstErr == nil {
				out.firstErr = r.Err
			}
			reason := fmt.Sprint(r.Err.Err)
			failed[reason] = append(failed[reason], chunks[i].ID)
			continue
		}
		vecs[chunks[i].ID] = r.Vector
	}
	if err := e.store.UpsertVectors(ctx, vecs); err != nil {
		return out, err
	}
	for reason, ids := range failed {
		if err := e.store.MarkEmbedFailed(ctx, ids, reason); err != nil {
			slog.Warn("ingest: recording embedding failure", "error", err)
		}
	}
	out.stored = len(vecs)
	out.failed = len(chunks) - len(vecs)
	if out.failed > 0 {
		slog.Warn("ingest: some embeddings failed", "failed", out.failed, "total", len(chunks), "error", out.firstErr)
	}
	slog.Debug("ingest: embeddings stored", "chunks", out.stored,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

// retryMissing embeds the chunks of a completed document that have no
// vector yet. The document stays completed whatever the outcome.
func (e *Engine) retryMissing(ctx context.Context, doc *Document) error {
	missing, err := e.store.UnembeddedChunks(ctx, doc.ID)
	if err != nil || len(missing) == 0 {
		return err
	}
	res, err := e.embedChunks(ctx, missing)
	if err != nil {
		return err
	}
	slog.Info("ingest: retried missing vectors", "doc_id", doc.ID, "missing", len(missing), "embedded", res.stored)
	if res.stored == 0 {
		return res.firstErr
	}
	return nil
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
