package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID           int64  `json:"id"`
	Key          string `json:"key"`
	DocumentID   string `json:"document_id"`
	Ordinal      int    `json:"ordinal"`
	Content      string `json:"content"`
	Overlap      int    `json:"overlap"`
	StartOffset  int    `json:"start_offset"`
	EndOffset    int    `json:"end_offset"`
	PageNumber   int    `json:"page_number"`
	SectionTitle string `json:"section_title,omitempty"`
	TokenCount   int    `json:"token_count"`
	ContentHash  string `json:"content_hash"`
	Embedded     bool   `json:"embedded"`
	EmbedError   string `json:"embed_error,omitempty"`
}

// ChunkKey derives chunk identity from its document, position and content.
func ChunkKey(documentID string, ordinal int, contentHash string) string {
	h := sha256.Sum256([]byte(documentID + "|" + strconv.Itoa(ordinal) + "|" + contentHash))
	return hex.EncodeToString(h[:])
}

// ContentHash is the hex sha256 of chunk text.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

const chunkColumns = `id, chunk_key, document_id, ordinal, content, overlap, start_offset, end_offset,
	page_number, section_title, token_count, content_hash, embedded, embed_error`

func scanChunk(r rowScanner) (*Chunk, error) {
	var c Chunk
	if err := r.Scan(&c.ID, &c.Key, &c.DocumentID, &c.Ordinal, &c.Content, &c.Overlap,
		&c.StartOffset, &c.EndOffset, &c.PageNumber, &c.SectionTitle, &c.TokenCount,
		&c.ContentHash, &c.Embedded, &c.EmbedError); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) queryChunks(ctx context.Context, q string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, indexErr("chunks", "read", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, indexErr("chunks", "read", err)
		}
		out = append(out, *c)
	}
	return out, indexErr("chunks", "read", rows.Err())
}

// GetChunks returns the chunks of a document in ordinal order.
func (s *Store) GetChunks(ctx context.Context, docID string) ([]Chunk, error) {
	return s.queryChunks(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE document_id = ? ORDER BY ordinal", docID)
}

// GetChunk returns a single chunk by row id.
func (s *Store) GetChunk(ctx context.Context, id int64) (*Chunk, error) {
	c, err := scanChunk(s.db.QueryRowContext(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	return c, indexErr("chunks", "read", err)
}

// UnembeddedChunks returns the chunks of a document that have no vector.
func (s *Store) UnembeddedChunks(ctx context.Context, docID string) ([]Chunk, error) {
	return s.queryChunks(ctx, "SELECT "+chunkColumns+" FROM chunks WHERE document_id = ? AND embedded = 0 ORDER BY ordinal", docID)
}

// ReplaceChunks makes chunks the complete chunk set of docID. Rows whose
// key is unchanged are kept with their vector; rows whose key no longer
// appears are removed from both indexes; new rows are inserted together
// with their keyword entry. It runs in one transaction and returns the
// stored rows in ordinal order.
func (s *Store) ReplaceChunks(ctx context.Context, docID string, chunks []Chunk) ([]Chunk, error) {
	keep := make(map[string]bool, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		c.DocumentID = docID
		if c.ContentHash == "" {
			c.ContentHash = ContentHash(c.Content)
		}
		if c.Key == "" {
			c.Key = ChunkKey(docID, c.Ordinal, c.ContentHash)
		}
		keep[c.Key] = true
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := tx.QueryContext(ctx, "SELECT id, chunk_key FROM chunks WHERE document_id = ?", docID)
		if err != nil {
			return err
		}
		var stale []int64
		for existing.Next() {
			var id int64
			var key string
			if err := existing.Scan(&id, &key); err != nil {
				existing.Close()
				return err
			}
			if !keep[key] {
				stale = append(stale, id)
			}
		}
		existing.Close()
		if err := existing.Err(); err != nil {
			return err
		}

		for _, id := range stale {
			if err := deleteChunkTx(ctx, tx, id); err != nil {
				return err
			}
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (chunk_key, document_id, ordinal, content, overlap, start_offset,
				end_offset, page_number, section_title, token_count, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chunk_key) DO UPDATE SET
				overlap = excluded.overlap,
				start_offset = excluded.start_offset,
				end_offset = excluded.end_offset,
				page_number = excluded.page_number,
				section_title = excluded.section_title,
				token_count = excluded.token_count
			RETURNING id
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range chunks {
			c := &chunks[i]
			if err := stmt.QueryRowContext(ctx, c.Key, docID, c.Ordinal, c.Content, c.Overlap,
				c.StartOffset, c.EndOffset, c.PageNumber, c.SectionTitle, c.TokenCount,
				c.ContentHash).Scan(&c.ID); err != nil {
				return fmt.Errorf("upserting chunk %d: %w", c.Ordinal, err)
			}
			if err := upsertKeywordTx(ctx, tx, c.ID, docID, c.Content, c.SectionTitle); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, indexErr("chunks", "replace", err)
	}
	return s.GetChunks(ctx, docID)
}

// MarkEmbedFailed records why chunks are still missing a vector.
func (s *Store) MarkEmbedFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{reason}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET embed_error = ? WHERE embedded = 0 AND id IN ("+placeholders(len(ids))+")", args...)
	return indexErr("chunks", "mark", err)
}

func deleteChunkTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM vec_chunks WHERE chunk_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE rowid = ?", id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE id = ?", id)
	return err
}

// DocumentsMissingVectors lists completed documents that still have
// chunks without a vector.
func (s *Store) DocumentsMissingVectors(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.document_id FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedded = 0 AND d.status = 'completed'
		ORDER BY c.document_id`)
	if err != nil {
		return nil, indexErr("chunks", "read", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, indexErr("chunks", "read", err)
		}
		ids = append(ids, id)
	}
	return ids, indexErr("chunks", "read", rows.Err())
}
