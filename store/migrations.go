package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration upgrades the schema by one version. Versions are append-only:
// a released migration is never edited.
type migration struct {
	version int
	name    string
	stmts   []string
}

// Version 1 is the base schema from schemaSQL.
var migrations = []migration{
	{version: 1, name: "base schema"},
	{
		version: 2,
		name:    "document status and filter indexes",
		stmts: []string{
			"CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status, updated_at)",
			"CREATE INDEX IF NOT EXISTS idx_documents_filters ON documents(document_type, jurisdiction, published_at)",
		},
	},
	{
		version: 3,
		name:    "analysis log fingerprint index",
		stmts: []string{
			"CREATE INDEX IF NOT EXISTS idx_analysis_log_fingerprint ON analysis_log(fingerprint, created_at)",
		},
	},
	{
		version: 4,
		name:    "search log",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS search_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				query TEXT NOT NULL,
				normalized TEXT NOT NULL,
				mode TEXT NOT NULL,
				results INTEGER NOT NULL DEFAULT 0,
				top_document_id TEXT NOT NULL DEFAULT '',
				latency_ms INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			)`,
			"CREATE INDEX IF NOT EXISTS idx_search_log_created ON search_log(created_at)",
			"CREATE INDEX IF NOT EXISTS idx_search_log_normalized ON search_log(normalized)",
		},
	},
}

const schemaVersionDDL = `CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction together with its version row.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaVersionDDL); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		slog.Info("store: applying migration", "version", m.version, "name", m.name)
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, description) VALUES (?, ?)", m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a new database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}
