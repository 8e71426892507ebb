// Package trace exports one record per stage run for offline analysis of
// where pipeline time goes.
package trace

import (
	"context"
	"time"
)

// Exporter defines the interface for exporting stage traces.
// Implementations must be safe for concurrent use.
type Exporter interface {
	// Export writes a trace record to the configured destination.
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes any buffered records and releases resources.
	Close() error
}

// TraceRecord is one stage run over one article.
// It carries keys, CIDs and counts only, never unit content or prompts.
type TraceRecord struct {
	// Timestamp is the stage start time
	Timestamp time.Time `json:"timestamp"`

	// RunID correlates the stages of one pipeline invocation
	RunID string `json:"runId"`

	Article string `json:"article"`
	Stage   string `json:"stage"`

	// DurationMs is the total stage duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// Status is "success" or "error"; a stage with any failed unit is "error"
	Status string `json:"status"`

	// Spans has one entry per unit that ran the work function
	Spans []SpanRecord `json:"spans"`

	// ErrorType classifies the first failure (if Status == "error")
	// Values: network, timeout, llm, database, validation, unknown
	ErrorType string `json:"errorType,omitempty"`

	// Counters holds the run summary (processed, skipped, errors, ...)
	Counters map[string]int64 `json:"counters,omitempty"`
}

// SpanRecord is one processed unit.
type SpanRecord struct {
	// Name is the unit key, e.g. "3" or "3_2"
	Name string `json:"name"`

	// Decision is create or regenerate
	Decision string `json:"decision"`

	DurationMs int64 `json:"durationMs"`
	OK         bool  `json:"ok"`

	// ErrorType classifies the error (if OK == false)
	ErrorType string `json:"errorType,omitempty"`

	// Counters provides unit-specific metrics (e.g. iterations, triples)
	Counters map[string]int64 `json:"counters,omitempty"`
}

// FileExporterOptions configures a FileExporter.
// Available in both tracing and non-tracing builds to keep one call site.
type FileExporterOptions struct {
	// MaxSizeBytes triggers rotation once the file reaches it (default 10MB)
	MaxSizeBytes int64
	// MaxRotatedFiles is how many rotated files to keep (default 5)
	MaxRotatedFiles int
}

// NoopExporter drops every record. It is the exporter when no trace file
// is configured, and the only one in builds without the tracing tag.
type NoopExporter struct{}

// Export does nothing.
func (n *NoopExporter) Export(ctx context.Context, record *TraceRecord) error {
	return nil
}

// Close does nothing.
func (n *NoopExporter) Close() error {
	return nil
}
