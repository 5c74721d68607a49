package store

import (
	"context"
	"database/sql"
)

// UpsertKeyword indexes the text of one chunk for keyword search.
func (s *Store) UpsertKeyword(ctx context.Context, chunkID int64, docID, content, heading string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertKeywordTx(ctx, tx, chunkID, docID, content, heading)
	})
	return indexErr("keyword", "upsert", err)
}

func upsertKeywordTx(ctx context.Context, tx *sql.Tx, chunkID int64, docID, content, heading string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE rowid = ?", chunkID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO chunks_fts (rowid, content, heading, document_id) VALUES (?, ?, ?, ?)",
		chunkID, content, heading, docID)
	return err
}

// SearchKeyword runs an FTS5 MATCH expression and returns up to limit hits
// ranked by BM25. Filter predicates are evaluated inside the query.
func (s *Store) SearchKeyword(ctx context.Context, match string, limit int, f Filter) ([]Hit, error) {
	if match == "" || limit <= 0 {
		return nil, nil
	}
	where, args := f.sql()
	q := `
		SELECT bm25(chunks_fts, 1.0, 0.5) AS bm, ` + hitColumns + `
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ?` + where + `
		ORDER BY bm, c.id
		LIMIT ?`
	all := append([]any{match}, args...)
	all = append(all, limit)

	rows, err := s.db.QueryContext(ctx, q, all...)
	if err != nil {
		return nil, indexErr("keyword", "search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var rank float64
		h, err := scanHit(rows, &rank)
		if err != nil {
			return nil, indexErr("keyword", "search", err)
		}
		// BM25 is negative, lower is better.
		h.Score = -rank
		hits = append(hits, h)
	}
	return hits, indexErr("keyword", "search", rows.Err())
}

// DeleteKeywordByDocument removes the keyword entries of a document.
func (s *Store) DeleteKeywordByDocument(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM chunks_fts WHERE rowid IN (
			SELECT id FROM chunks WHERE document_id = ?
		)`, docID)
	return indexErr("keyword", "delete", err)
}
