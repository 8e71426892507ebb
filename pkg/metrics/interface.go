package metrics

import "context"

// Collector is the interface for metrics collection.
// Implementations include the Prometheus-backed collector and the no-op collector.
type Collector interface {
	// RecordUnit counts one unit decision. durationMs is the work time and is
	// only observed for units that ran the work function.
	RecordUnit(ctx context.Context, stage string, decision string, durationMs int64)
	RecordError(ctx context.Context, stage string, errorType string)
	RecordIterations(ctx context.Context, stage string, iterations int)
	SetStoreUnits(ctx context.Context, stage string, count int64)
}
