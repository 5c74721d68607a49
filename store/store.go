// Package store persists documents and chunks in SQLite and exposes the
// vector (sqlite-vec) and keyword (FTS5) indexes over them.
//
// mattn/go-sqlite3 compiles FTS5 in only under the sqlite_fts5 build tag,
// so every binary and test using this package needs it:
//
//	CGO_ENABLED=1 go test -tags sqlite_fts5 ./...
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned when a document or chunk does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// IndexError is a read or write failure against the document store or one
// of its indexes.
type IndexError struct {
	Op    string // e.g. "upsert", "search", "delete"
	Index string // "documents", "chunks", "vector" or "keyword"
	Err   error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s index %s: %v", e.Index, e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

func indexErr(index, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	var ie *IndexError
	if errors.As(err, &ie) {
		return err
	}
	return &IndexError{Op: op, Index: index, Err: err}
}

// Store wraps the SQLite database for all lexrag persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", embeddingDim)
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, schemaErr(err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// schemaErr explains the most common schema failure: a binary built
// without FTS5.
func schemaErr(err error) error {
	if strings.Contains(err.Error(), "no such module: fts5") {
		return fmt.Errorf("creating schema: %w (rebuild with -tags sqlite_fts5)", err)
	}
	return fmt.Errorf("creating schema: %w", err)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// Stats holds counts of key database objects.
type Stats struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Embeddings int `json:"embeddings"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
}

// Stats returns counts of documents, chunks and embeddings.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM chunks WHERE embedded = 1", &stats.Embeddings},
		{"SELECT COUNT(*) FROM documents WHERE status = 'pending'", &stats.Pending},
		{"SELECT COUNT(*) FROM documents WHERE status = 'failed'", &stats.Failed},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, indexErr("documents", "stats", fmt.Errorf("%s: %w", q.query, err))
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func marshalStrings(v []string) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}
