//go:build !metrics

package metrics

import "context"

// NoopCollector is a no-op implementation when metrics are disabled.
// This file is only compiled when the 'metrics' build tag is NOT present.
type NoopCollector struct{}

// NewNoopCollector creates a no-op collector
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// Default returns the collector selected by build tags: no-op here.
func Default() Collector {
	return NewNoopCollector()
}

// RecordPass does nothing when metrics are disabled
func (n *NoopCollector) RecordPass(ctx context.Context, pass string, status string, durationMs int64) {
}

// RecordSession does nothing when metrics are disabled
func (n *NoopCollector) RecordSession(ctx context.Context, event string, durationMs int64) {
}

// RecordError does nothing when metrics are disabled
func (n *NoopCollector) RecordError(ctx context.Context, operation string, errorType string) {
}

// SetEntityCount does nothing when metrics are disabled
func (n *NoopCollector) SetEntityCount(ctx context.Context, kind string, count int64) {
}
