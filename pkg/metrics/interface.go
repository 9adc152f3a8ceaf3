package metrics

import "context"

// Collector is the interface for metrics collection.
// Implementations include the Prometheus-backed collector and the no-op
// collector (default build without the metrics tag).
type Collector interface {
	RecordPass(ctx context.Context, pass string, status string, durationMs int64)
	RecordSession(ctx context.Context, event string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetEntityCount(ctx context.Context, kind string, count int64)
}
