package telemetry

import "context"

// NoopSink discards every event. Used when no telemetry path is configured.
type NoopSink struct{}

// Emit does nothing.
func (n *NoopSink) Emit(ctx context.Context, ev *Event) error {
	return nil
}

// Close does nothing.
func (n *NoopSink) Close() error {
	return nil
}
