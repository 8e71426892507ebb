package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dan-solli/ontograph/pkg/docstore"
)

// DocumentBackend stores one named document as rows of document_cells.
type DocumentBackend struct {
	store *SQLiteStore
	name  string
}

// Compile-time interface check
var _ docstore.Backend = (*DocumentBackend)(nil)

// Document returns the backend for the document called name.
func (s *SQLiteStore) Document(name string) *DocumentBackend {
	return &DocumentBackend{store: s, name: name}
}

// Name implements docstore.Backend.
func (d *DocumentBackend) Name() string {
	return "sqlite:" + d.name
}

// Read returns the cells of the document in order. A document with no row
// is docstore.ErrNotFound.
func (d *DocumentBackend) Read(ctx context.Context) ([]docstore.Cell, error) {
	var name string
	err := d.store.db.QueryRowContext(ctx,
		"SELECT name FROM documents WHERE name = ?", d.name).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", d.name, err)
	}

	rows, err := d.store.db.QueryContext(ctx,
		"SELECT cell_type, source FROM document_cells WHERE document = ? ORDER BY position", d.name)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells of %s: %w", d.name, err)
	}
	defer rows.Close()

	var cells []docstore.Cell
	for rows.Next() {
		var typ, source string
		if err := rows.Scan(&typ, &source); err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		ct := docstore.CellType(typ)
		if !ct.Valid() {
			return nil, fmt.Errorf("%w: %s: cell %d has type %q", docstore.ErrCorrupt, d.name, len(cells), typ)
		}
		cells = append(cells, docstore.Cell{Type: ct, Source: source})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cells: %w", err)
	}

	return cells, nil
}

// Write replaces all cells of the document in a single transaction.
func (d *DocumentBackend) Write(ctx context.Context, cells []docstore.Cell) (err error) {
	tx, err := d.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO documents (name, updated_at) VALUES (?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET updated_at = CURRENT_TIMESTAMP`, d.name); err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", d.name, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM document_cells WHERE document = ?", d.name); err != nil {
		return fmt.Errorf("failed to clear cells of %s: %w", d.name, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO document_cells (document, position, cell_type, source) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare cell insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range cells {
		if _, err = stmt.ExecContext(ctx, d.name, i, string(c.Type), c.Source); err != nil {
			return fmt.Errorf("failed to insert cell %d of %s: %w", i, d.name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document %s: %w", d.name, err)
	}
	return nil
}

// Documents lists the stored document names.
func (s *SQLiteStore) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM documents ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan document name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
