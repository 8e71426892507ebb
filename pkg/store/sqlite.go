// Package store provides the SQLite storage used next to (or instead of) the
// notebook documents: a document backend, the run ledger and the triple index.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound indicates that no row matched the given criteria.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the SQLite database behind a pipeline output directory.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// The dbPath can be a file path or ":memory:" for an in-memory database.
// Creates tables and indexes if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps a ":memory:" database on a single connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
// Also performs schema migrations for new columns.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		name TEXT PRIMARY KEY,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_cells (
		document TEXT NOT NULL,
		position INTEGER NOT NULL,
		cell_type TEXT NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (document, position),
		FOREIGN KEY (document) REFERENCES documents(name)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		article TEXT NOT NULL,
		stage TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS processed_sources (
		cid TEXT PRIMARY KEY,
		article TEXT,
		processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		chunk_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS triples (
		article TEXT NOT NULL,
		unit_key TEXT NOT NULL,
		unit_cid TEXT NOT NULL,
		subject TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_triples_unit ON triples(article, unit_key);
	CREATE INDEX IF NOT EXISTS idx_triples_subject ON triples(subject);
	CREATE INDEX IF NOT EXISTS idx_triples_object ON triples(object);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run schema migrations for new columns
	return s.migrateSchema()
}

// migrateSchema adds new columns to existing tables if they don't exist.
func (s *SQLiteStore) migrateSchema() error {
	// Databases created before stage summaries recorded create/regenerate splits
	if !s.columnExists("runs", "created") {
		_, err := s.db.Exec("ALTER TABLE runs ADD COLUMN created INTEGER NOT NULL DEFAULT 0")
		if err != nil {
			return fmt.Errorf("failed to add created column: %w", err)
		}
	}

	if !s.columnExists("runs", "regenerated") {
		_, err := s.db.Exec("ALTER TABLE runs ADD COLUMN regenerated INTEGER NOT NULL DEFAULT 0")
		if err != nil {
			return fmt.Errorf("failed to add regenerated column: %w", err)
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
func (s *SQLiteStore) columnExists(tableName, columnName string) bool {
	query := fmt.Sprintf("PRAGMA table_info(%s)", tableName)
	rows, err := s.db.Query(query)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int

		err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk)
		if err != nil {
			return false
		}

		if name == columnName {
			return true
		}
	}

	return false
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
