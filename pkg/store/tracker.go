package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RunRecord is one stage run as stored in the ledger.
type RunRecord struct {
	ID          string
	Article     string
	Stage       string
	Processed   int
	Skipped     int
	Errors      int
	Created     int
	Regenerated int
	StartedAt   time.Time
	Duration    time.Duration
}

// RunLedger records stage runs and the source revisions that completed the
// whole pipeline.
// Separate from the document backend to maintain interface cohesion.
type RunLedger interface {
	// RecordRun stores a stage run. Uses upsert semantics by run ID, article and stage.
	RecordRun(ctx context.Context, run RunRecord) error

	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// IsSourceProcessed checks if an article revision (by source CID) has
	// been carried through every stage.
	IsSourceProcessed(ctx context.Context, sourceCID string) (bool, error)

	// MarkSourceProcessed records that a source revision completed the pipeline.
	// article: Optional title (metadata only, does not affect identity)
	// chunkCount: Number of chunks generated from this source
	MarkSourceProcessed(ctx context.Context, sourceCID, article string, chunkCount int) error

	// UnmarkArticle forgets every completed revision of article.
	UnmarkArticle(ctx context.Context, article string) (int, error)

	// ProcessedSourceCount returns the total number of processed sources tracked.
	ProcessedSourceCount(ctx context.Context) (int64, error)

	// ClearProcessedSources removes all source tracking records.
	// Stage documents are untouched; the next run still skips current units.
	ClearProcessedSources(ctx context.Context) error
}

// Compile-time interface check
var _ RunLedger = (*SQLiteStore)(nil)

// RecordRun stores a stage run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
		 (id, article, stage, processed, skipped, errors, created, regenerated, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runKey(run.ID, run.Article, run.Stage), run.Article, run.Stage,
		run.Processed, run.Skipped, run.Errors, run.Created, run.Regenerated,
		run.StartedAt.UTC(), run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, article, stage, processed, skipped, errors, created, regenerated, started_at, duration_ms
		 FROM runs
		 ORDER BY started_at DESC, id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.Article, &r.Stage, &r.Processed, &r.Skipped, &r.Errors,
			&r.Created, &r.Regenerated, &r.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.ID = strings.TrimSuffix(r.ID, runKey("", r.Article, r.Stage))
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// runKey is the ledger row key: one row per run, article and stage.
func runKey(id, article, stage string) string {
	return id + "/" + article + "/" + stage
}

// IsSourceProcessed checks if a source revision has completed the pipeline.
func (s *SQLiteStore) IsSourceProcessed(ctx context.Context, sourceCID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_sources WHERE cid = ?", sourceCID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check source processed status: %w", err)
	}
	return count > 0, nil
}

// MarkSourceProcessed records that a source revision completed the pipeline.
func (s *SQLiteStore) MarkSourceProcessed(ctx context.Context, sourceCID, article string, chunkCount int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO processed_sources (cid, article, processed_at, chunk_count)
		 VALUES (?, ?, CURRENT_TIMESTAMP, ?)`,
		sourceCID, article, chunkCount)
	if err != nil {
		return fmt.Errorf("failed to mark source as processed: %w", err)
	}
	return nil
}

// UnmarkArticle forgets every completed revision of article, so the next
// full run visits its stages again. It returns the number of rows removed.
func (s *SQLiteStore) UnmarkArticle(ctx context.Context, article string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM processed_sources WHERE article = ?", article)
	if err != nil {
		return 0, fmt.Errorf("failed to unmark article: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to unmark article: %w", err)
	}
	return int(n), nil
}

// ProcessedSourceCount returns the total number of processed sources tracked.
func (s *SQLiteStore) ProcessedSourceCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_sources").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get processed source count: %w", err)
	}
	return count, nil
}

// ClearProcessedSources removes all source tracking records.
func (s *SQLiteStore) ClearProcessedSources(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM processed_sources")
	if err != nil {
		return fmt.Errorf("failed to clear processed sources: %w", err)
	}
	return nil
}
