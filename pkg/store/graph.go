package store

import (
	"context"
	"fmt"
	"strings"
)

// Triple is one generated RDF statement.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// String renders the triple as a Turtle line.
func (t Triple) String() string {
	return t.Subject + " " + t.Predicate + " " + t.Object + " ."
}

// IndexedTriple is a triple together with the unit that produced it.
type IndexedTriple struct {
	Triple
	Article string
	UnitKey string // slot key of the rdf unit, "{chunk}_{statement}"
	UnitCID string // output CID of the rdf unit
}

// TripleIndex maps generated triples back to the rdf unit that emitted them,
// which is where lineage queries start.
type TripleIndex interface {
	// ReplaceUnitTriples stores the triples of one rdf unit, dropping
	// whatever was indexed for that unit before.
	ReplaceUnitTriples(ctx context.Context, article, unitKey, unitCID string, triples []Triple) error

	// FindTriples returns triples whose subject, predicate or object contains
	// term, ordered by article and unit key.
	FindTriples(ctx context.Context, article, term string) ([]IndexedTriple, error)

	// RemoveUnits drops the triples of units not in keep.
	RemoveUnits(ctx context.Context, article string, keep map[string]bool) (int, error)

	// TripleCount returns the number of indexed triples for article, or all
	// triples when article is empty.
	TripleCount(ctx context.Context, article string) (int64, error)
}

// Compile-time interface check
var _ TripleIndex = (*SQLiteStore)(nil)

// ReplaceUnitTriples stores the triples of one rdf unit.
func (s *SQLiteStore) ReplaceUnitTriples(ctx context.Context, article, unitKey, unitCID string, triples []Triple) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		"DELETE FROM triples WHERE article = ? AND unit_key = ?", article, unitKey); err != nil {
		return fmt.Errorf("failed to clear triples of %s: %w", unitKey, err)
	}
	for _, t := range triples {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO triples (article, unit_key, unit_cid, subject, predicate, object)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			article, unitKey, unitCID, t.Subject, t.Predicate, t.Object); err != nil {
			return fmt.Errorf("failed to insert triple: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit triples: %w", err)
	}
	return nil
}

// FindTriples returns triples mentioning term.
func (s *SQLiteStore) FindTriples(ctx context.Context, article, term string) ([]IndexedTriple, error) {
	pattern := "%" + escapeLike(term) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT article, unit_key, unit_cid, subject, predicate, object
		 FROM triples
		 WHERE (? = '' OR article = ?)
		   AND (subject LIKE ? ESCAPE '\' OR predicate LIKE ? ESCAPE '\' OR object LIKE ? ESCAPE '\')
		 ORDER BY article, rowid`,
		article, article, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to query triples: %w", err)
	}
	defer rows.Close()

	var out []IndexedTriple
	for rows.Next() {
		var t IndexedTriple
		if err := rows.Scan(&t.Article, &t.UnitKey, &t.UnitCID, &t.Subject, &t.Predicate, &t.Object); err != nil {
			return nil, fmt.Errorf("failed to scan triple: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triples: %w", err)
	}
	return out, nil
}

// RemoveUnits drops the triples of units not in keep.
func (s *SQLiteStore) RemoveUnits(ctx context.Context, article string, keep map[string]bool) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT unit_key FROM triples WHERE article = ?", article)
	if err != nil {
		return 0, fmt.Errorf("failed to list units: %w", err)
	}
	var stale []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unit key: %w", err)
		}
		if !keep[key] {
			stale = append(stale, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating units: %w", err)
	}

	for _, key := range stale {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM triples WHERE article = ? AND unit_key = ?", article, key); err != nil {
			return 0, fmt.Errorf("failed to delete triples of %s: %w", key, err)
		}
	}
	return len(stale), nil
}

// TripleCount returns the number of indexed triples.
func (s *SQLiteStore) TripleCount(ctx context.Context, article string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM triples WHERE (? = '' OR article = ?)", article, article).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count triples: %w", err)
	}
	return count, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
