package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the processing state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition follows.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedFrom lists the states a document may leave to enter the key.
var allowedFrom = map[Status][]Status{
	StatusPending:    {StatusCompleted, StatusFailed},
	StatusProcessing: {StatusPending, StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing, StatusPending},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// DocumentType classifies a legal document.
type DocumentType string

const (
	TypeCourtDecision DocumentType = "court_decision"
	TypeStatute       DocumentType = "statute"
	TypeRegulation    DocumentType = "regulation"
	TypeContract      DocumentType = "contract"
	TypeOther         DocumentType = "other"
)

// DocumentTypes lists every valid DocumentType.
var DocumentTypes = []DocumentType{TypeCourtDecision, TypeStatute, TypeRegulation, TypeContract, TypeOther}

// ParseDocumentType validates s. The empty string maps to TypeOther.
func ParseDocumentType(s string) (DocumentType, error) {
	if s == "" {
		return TypeOther, nil
	}
	for _, t := range DocumentTypes {
		if string(t) == strings.ToLower(strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown document type %q", s)
}

// DateLayout is the storage format of publication dates.
const DateLayout = "2006-01-02"

// Document represents a row in the documents table.
type Document struct {
	ID            string       `json:"id"`
	Path          string       `json:"path"`
	Filename      string       `json:"filename"`
	Title         string       `json:"title"`
	Format        string       `json:"format"`
	DocumentType  DocumentType `json:"document_type"`
	Jurisdiction  string       `json:"jurisdiction,omitempty"`
	PublishedAt   *time.Time   `json:"published_at,omitempty"`
	Source        string       `json:"source,omitempty"`
	Status        Status       `json:"status"`
	Error         string       `json:"error,omitempty"`
	ContentHash   string       `json:"content_hash,omitempty"`
	ParseMethod   string       `json:"parse_method,omitempty"`
	FileSize      int64        `json:"file_size"`
	PageCount     int          `json:"page_count"`
	Summary       string       `json:"summary,omitempty"`
	LegalConcepts []string     `json:"legal_concepts,omitempty"`
	Citations     []string     `json:"citations,omitempty"`
	KeyPoints     []string     `json:"key_points,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

const documentColumns = `id, path, filename, title, format, document_type, jurisdiction, published_at,
	source, status, error, content_hash, parse_method, file_size, page_count, summary,
	legal_concepts, citations, key_points, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*Document, error) {
	var (
		d                             Document
		published                     sql.NullString
		concepts, citations, keyPoint sql.NullString
	)
	if err := r.Scan(&d.ID, &d.Path, &d.Filename, &d.Title, &d.Format, &d.DocumentType,
		&d.Jurisdiction, &published, &d.Source, &d.Status, &d.Error, &d.ContentHash,
		&d.ParseMethod, &d.FileSize, &d.PageCount, &d.Summary,
		&concepts, &citations, &keyPoint, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.PublishedAt = parseDate(published)
	d.LegalConcepts = unmarshalStrings(concepts)
	d.Citations = unmarshalStrings(citations)
	d.KeyPoints = unmarshalStrings(keyPoint)
	return &d, nil
}

func parseDate(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(DateLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(DateLayout), Valid: true}
}

// CreateDocument registers a new document in StatusPending.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	if d.ID == "" || d.Path == "" {
		return fmt.Errorf("document id and path are required")
	}
	if d.DocumentType == "" {
		d.DocumentType = TypeOther
	}
	now := time.Now().UTC()
	d.Status = StatusPending
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, path, filename, title, format, document_type, jurisdiction,
			published_at, source, status, file_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Path, d.Filename, d.Title, d.Format, d.DocumentType, d.Jurisdiction,
		formatDate(d.PublishedAt), d.Source, d.Status, d.FileSize, now, now)
	return indexErr("documents", "create", err)
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return d, indexErr("documents", "get", err)
}

// GetDocumentByPath retrieves a document by its file path.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE path = ?", path)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document at %s: %w", path, ErrNotFound)
	}
	return d, indexErr("documents", "get", err)
}

// ListOptions narrows ListDocuments.
type ListOptions struct {
	Status Status
	// UpdatedBefore selects documents untouched since the given time.
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// ListDocuments returns documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, opts ListOptions) ([]Document, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if !opts.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, opts.UpdatedBefore.UTC())
	}
	q := "SELECT " + documentColumns + " FROM documents"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, indexErr("documents", "list", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, indexErr("documents", "list", err)
		}
		docs = append(docs, *d)
	}
	return docs, indexErr("documents", "list", rows.Err())
}

// DocumentMeta holds the caller-supplied descriptive fields.
type DocumentMeta struct {
	Title        string
	DocumentType DocumentType
	Jurisdiction string
	PublishedAt  *time.Time
	Source       string
}

// UpdateDocumentMeta overwrites the non-empty fields of m.
func (s *Store) UpdateDocumentMeta(ctx context.Context, id string, m DocumentMeta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			title = CASE WHEN ? = '' THEN title ELSE ? END,
			document_type = CASE WHEN ? = '' THEN document_type ELSE ? END,
			jurisdiction = CASE WHEN ? = '' THEN jurisdiction ELSE ? END,
			published_at = COALESCE(?, published_at),
			source = CASE WHEN ? = '' THEN source ELSE ? END,
			updated_at = ?
		WHERE id = ?
	`, m.Title, m.Title, m.DocumentType, m.DocumentType, m.Jurisdiction, m.Jurisdiction,
		formatDate(m.PublishedAt), m.Source, m.Source, time.Now().UTC(), id)
	return s.checkAffected(res, err, id, "update")
}

// SourceInfo is what extraction learned about the file.
type SourceInfo struct {
	ContentHash string
	ParseMethod string
	Format      string
	FileSize    int64
	PageCount   int
}

// UpdateSourceInfo records extraction results for a document.
func (s *Store) UpdateSourceInfo(ctx context.Context, id string, info SourceInfo) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET content_hash = ?, parse_method = ?, format = ?,
			file_size = ?, page_count = ?, updated_at = ?
		WHERE id = ?
	`, info.ContentHash, info.ParseMethod, info.Format, info.FileSize, info.PageCount,
		time.Now().UTC(), id)
	return s.checkAffected(res, err, id, "update")
}

// TransitionStatus moves a document to status to. errMsg is stored for
// StatusFailed and cleared otherwise. The update only applies when the
// current state allows it, so concurrent workers cannot both claim a
// document.
func (s *Store) TransitionStatus(ctx context.Context, id string, to Status, errMsg string) error {
	from := allowedFrom[to]
	if len(from) == 0 {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	args := []any{to, errMsg, time.Now().UTC(), id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return indexErr("documents", "transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return indexErr("documents", "transition", err)
	}
	if n == 0 {
		d, err := s.GetDocument(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, d.Status, to, id)
	}
	return nil
}

// Enrichment is written once, when a document completes.
type Enrichment struct {
	Summary       string
	LegalConcepts []string
	Citations     []string
	KeyPoints     []string
	// Detected values fill DocumentType and Jurisdiction only when the
	// caller left them unset.
	DocumentType DocumentType
	Jurisdiction string
	PublishedAt  *time.Time
}

// CompleteDocument stores the enrichment and moves the document from
// processing to completed in one transaction.
func (s *Store) CompleteDocument(ctx context.Context, id string, e Enrichment) error {
	concepts, err := marshalStrings(e.LegalConcepts)
	if err != nil {
		return err
	}
	citations, err := marshalStrings(e.Citations)
	if err != nil {
		return err
	}
	keyPoints, err := marshalStrings(e.KeyPoints)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE documents SET
				status = 'completed', error = '',
				summary = ?, legal_concepts = ?, citations = ?, key_points = ?,
				document_type = CASE WHEN document_type = 'other' AND ? != '' THEN ? ELSE document_type END,
				jurisdiction = CASE WHEN jurisdiction = '' THEN ? ELSE jurisdiction END,
				published_at = COALESCE(published_at, ?),
				updated_at = ?
			WHERE id = ? AND status = 'processing'
		`, e.Summary, concepts, citations, keyPoints, e.DocumentType, e.DocumentType,
			e.Jurisdiction, formatDate(e.PublishedAt), time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: complete %s", ErrInvalidTransition, id)
		}
		return nil
	})
	return indexErr("documents", "complete", err)
}

// DeleteDocument removes a document, its chunks and both index entries.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteIndexesTx(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil
	})
	return indexErr("documents", "delete", err)
}

// FilterValues are the distinct filterable values present in the corpus.
type FilterValues struct {
	DocumentTypes []string   `json:"document_types"`
	Jurisdictions []string   `json:"jurisdictions"`
	Earliest      *time.Time `json:"earliest,omitempty"`
	Latest        *time.Time `json:"latest,omitempty"`
}

// FilterValues reports what completed documents can be filtered by.
func (s *Store) FilterValues(ctx context.Context) (*FilterValues, error) {
	fv := &FilterValues{}
	distinct := func(col string) ([]string, error) {
		rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT "+col+" FROM documents WHERE status = 'completed' AND "+col+" != '' ORDER BY "+col)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var out []string
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, rows.Err()
	}

	var err error
	if fv.DocumentTypes, err = distinct("document_type"); err != nil {
		return nil, indexErr("documents", "filters", err)
	}
	if fv.Jurisdictions, err = distinct("jurisdiction"); err != nil {
		return nil, indexErr("documents", "filters", err)
	}
	var lo, hi sql.NullString
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(published_at), MAX(published_at) FROM documents WHERE status = 'completed'").Scan(&lo, &hi); err != nil {
		return nil, indexErr("documents", "filters", err)
	}
	fv.Earliest, fv.Latest = parseDate(lo), parseDate(hi)
	return fv, nil
}

func (s *Store) checkAffected(res sql.Result, err error, id, op string) error {
	if err != nil {
		return indexErr("documents", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return indexErr("documents", op, err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}
