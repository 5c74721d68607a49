package store

import (
	"context"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SearchLogEntry is one executed search.
type SearchLogEntry struct {
	Query         string
	Mode          string
	Results       int
	TopDocumentID string
	Latency       time.Duration
}

// QueryCount is a logged query with how often it ran.
type QueryCount struct {
	Query string    `json:"query"`
	Count int       `json:"count"`
	Last  time.Time `json:"last_searched"`
}

// NormalizeQuery lower-cases q and collapses its whitespace, so searches
// differing only in case or spacing count as one.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// LogSearch appends a search to the search log. Blank queries are skipped.
func (s *Store) LogSearch(ctx context.Context, e SearchLogEntry) error {
	norm := NormalizeQuery(e.Query)
	if norm == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_log (query, normalized, mode, results, top_document_id, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Query, norm, e.Mode, e.Results, e.TopDocumentID, e.Latency.Milliseconds(), time.Now().UTC())
	return indexErr("search_log", "insert", err)
}

// TrendingQueries returns the queries searched most since the given time,
// most frequent first and most recent breaking ties.
func (s *Store) TrendingQueries(ctx context.Context, since time.Time, limit int) ([]QueryCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT normalized, COUNT(*) AS n, MAX(created_at) AS last
		FROM search_log
		WHERE created_at >= ?
		GROUP BY normalized
		ORDER BY n DESC, last DESC
		LIMIT ?
	`, since.UTC(), limit)
	if err != nil {
		return nil, indexErr("search_log", "trending", err)
	}
	defer rows.Close()
	var out []QueryCount
	for rows.Next() {
		var (
			qc   QueryCount
			last string
		)
		if err := rows.Scan(&qc.Query, &qc.Count, &last); err != nil {
			return nil, indexErr("search_log", "trending", err)
		}
		qc.Last = parseTime(last)
		out = append(out, qc)
	}
	return out, indexErr("search_log", "trending", rows.Err())
}

// QueriesWithPrefix returns logged queries starting with prefix, most
// frequent first.
func (s *Store) QueriesWithPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	return s.strings(ctx, "search_log", `
		SELECT normalized FROM search_log
		WHERE normalized LIKE ? ESCAPE '\'
		GROUP BY normalized
		ORDER BY COUNT(*) DESC, normalized
		LIMIT ?
	`, likeEscape(NormalizeQuery(prefix))+"%", limit)
}

// ConceptsMatching returns the legal-concept tags of completed documents
// containing substr, most widely tagged first.
func (s *Store) ConceptsMatching(ctx context.Context, substr string, limit int) ([]string, error) {
	return s.strings(ctx, "documents", `
		SELECT c.value FROM documents d,
			json_each(CASE WHEN json_valid(d.legal_concepts) THEN d.legal_concepts ELSE '[]' END) c
		WHERE d.status = 'completed' AND c.value LIKE ? ESCAPE '\'
		GROUP BY c.value
		ORDER BY COUNT(*) DESC, c.value
		LIMIT ?
	`, "%"+likeEscape(strings.TrimSpace(substr))+"%", limit)
}

// TitlesMatching returns titles of completed documents containing substr,
// most recently updated first.
func (s *Store) TitlesMatching(ctx context.Context, substr string, limit int) ([]string, error) {
	return s.strings(ctx, "documents", `
		SELECT title FROM documents
		WHERE status = 'completed' AND title != '' AND title LIKE ? ESCAPE '\'
		GROUP BY title
		ORDER BY MAX(updated_at) DESC
		LIMIT ?
	`, "%"+likeEscape(strings.TrimSpace(substr))+"%", limit)
}

// PruneSearchLog deletes searches logged before the given time.
func (s *Store) PruneSearchLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM search_log WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, indexErr("search_log", "prune", err)
	}
	n, err := res.RowsAffected()
	return n, indexErr("search_log", "prune", err)
}

func (s *Store) strings(ctx context.Context, table, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, indexErr(table, "select", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, indexErr(table, "select", err)
		}
		out = append(out, v)
	}
	return out, indexErr(table, "select", rows.Err())
}

// parseTime reads a timestamp an aggregate returned as text.
func parseTime(s string) time.Time {
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// likeEscape escapes LIKE wildcards with a backslash.
func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
