package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Hit is a chunk returned by either index together with the document
// fields needed for filtering and display.
type Hit struct {
	ChunkID      int64        `json:"chunk_id"`
	ChunkKey     string       `json:"chunk_key"`
	DocumentID   string       `json:"document_id"`
	Ordinal      int          `json:"ordinal"`
	Content      string       `json:"content"`
	SectionTitle string       `json:"section_title,omitempty"`
	PageNumber   int          `json:"page_number"`
	Title        string       `json:"title"`
	Filename     string       `json:"filename"`
	DocumentType DocumentType `json:"document_type"`
	Jurisdiction string       `json:"jurisdiction,omitempty"`
	PublishedAt  *time.Time   `json:"published_at,omitempty"`
	// Score is cosine similarity for vector hits and the negated BM25 rank
	// for keyword hits; higher is better in both.
	Score float64 `json:"score"`
}

const hitColumns = `c.id, c.chunk_key, c.document_id, c.ordinal, c.content, c.section_title,
	c.page_number, d.title, d.filename, d.document_type, d.jurisdiction, d.published_at`

func scanHit(r rowScanner, score *float64) (Hit, error) {
	var (
		h         Hit
		published sql.NullString
	)
	err := r.Scan(score, &h.ChunkID, &h.ChunkKey, &h.DocumentID, &h.Ordinal, &h.Content,
		&h.SectionTitle, &h.PageNumber, &h.Title, &h.Filename, &h.DocumentType,
		&h.Jurisdiction, &published)
	h.PublishedAt = parseDate(published)
	return h, err
}

// UpsertVector stores the vector of one chunk and flags the chunk as
// embedded in the same transaction.
func (s *Store) UpsertVector(ctx context.Context, chunkID int64, vec []float32) error {
	return s.UpsertVectors(ctx, map[int64][]float32{chunkID: vec})
}

// UpsertVectors stores several vectors in one transaction. Chunks deleted
// in the meantime are skipped.
func (s *Store) UpsertVectors(ctx context.Context, vecs map[int64][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	for id, v := range vecs {
		if len(v) != s.embeddingDim {
			return &IndexError{Op: "upsert", Index: "vector",
				Err: fmt.Errorf("chunk %d: dimension %d, want %d", id, len(v), s.embeddingDim)}
		}
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for id, v := range vecs {
			res, err := tx.ExecContext(ctx,
				"UPDATE chunks SET embedded = 1, embed_error = '' WHERE id = ?", id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			// vec0 has no upsert.
			if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_id = ?", id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)", id, serializeFloat32(v)); err != nil {
				return err
			}
		}
		return nil
	})
	return indexErr("vector", "upsert", err)
}

// Vectors returns the stored vectors of the given chunks.
func (s *Store) Vectors(ctx context.Context, chunkIDs []int64) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_id, embedding FROM vec_chunks WHERE chunk_id IN ("+placeholders(len(chunkIDs))+")", args...)
	if err != nil {
		return nil, indexErr("vector", "read", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, indexErr("vector", "read", err)
		}
		out[id] = deserializeFloat32(blob)
	}
	return out, indexErr("vector", "read", rows.Err())
}

// SearchVectors returns the k nearest embedded chunks by cosine
// similarity, best first.
func (s *Store) SearchVectors(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.distance, `+hitColumns+`
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(vec), k)
	if err != nil {
		return nil, indexErr("vector", "search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var distance float64
		h, err := scanHit(rows, &distance)
		if err != nil {
			return nil, indexErr("vector", "search", err)
		}
		h.Score = 1 - distance
		hits = append(hits, h)
	}
	return hits, indexErr("vector", "search", rows.Err())
}

// CountVectors returns the number of stored vectors.
func (s *Store) CountVectors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE embedded = 1").Scan(&n)
	return n, indexErr("vector", "count", err)
}

// DocumentCentroid returns the mean vector of a document's chunks, or nil
// when none are embedded.
func (s *Store) DocumentCentroid(ctx context.Context, docID string) ([]float32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.embedding FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE c.document_id = ?`, docID)
	if err != nil {
		return nil, indexErr("vector", "read", err)
	}
	defer rows.Close()

	var (
		sum []float32
		n   int
	)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, indexErr("vector", "read", err)
		}
		v := deserializeFloat32(blob)
		if sum == nil {
			sum = make([]float32, len(v))
		}
		for i := range v {
			sum[i] += v[i]
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, indexErr("vector", "read", err)
	}
	if n == 0 {
		return nil, nil
	}
	for i := range sum {
		sum[i] /= float32(n)
	}
	return sum, nil
}

// DeleteVectorsByDocument removes every vector of a document and clears
// the embedded flags.
func (s *Store) DeleteVectorsByDocument(ctx context.Context, docID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE chunks SET embedded = 0 WHERE document_id = ?", docID)
		return err
	})
	return indexErr("vector", "delete", err)
}

func deleteIndexesTx(ctx context.Context, tx *sql.Tx, docID string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM vec_chunks WHERE chunk_id IN (
			SELECT id FROM chunks WHERE document_id = ?
		)`, docID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM chunks_fts WHERE rowid IN (
			SELECT id FROM chunks WHERE document_id = ?
		)`, docID)
	return err
}
