package metrics

import "context"

// NoopCollector is a no-op implementation used when no metrics file is requested.
type NoopCollector struct{}

// NewNoopCollector creates a no-op collector
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordUnit does nothing
func (n *NoopCollector) RecordUnit(ctx context.Context, stage string, decision string, durationMs int64) {
}

// RecordError does nothing
func (n *NoopCollector) RecordError(ctx context.Context, stage string, errorType string) {
}

// RecordIterations does nothing
func (n *NoopCollector) RecordIterations(ctx context.Context, stage string, iterations int) {
}

// SetStoreUnits does nothing
func (n *NoopCollector) SetStoreUnits(ctx context.Context, stage string, count int64) {
}
