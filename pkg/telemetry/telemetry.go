// Package telemetry emits sanitized lifecycle events as JSON Lines. Events
// carry identifiers, durations, and counters only; entity content never
// leaves the store through this path.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	EventSessionStart    = "session.start"
	EventSessionEnd      = "session.end"
	EventMaintenancePass = "maintenance.pass"
)

// Sink writes telemetry events. Implementations must be safe for concurrent
// use.
type Sink interface {
	// Emit writes one event to the configured destination.
	Emit(ctx context.Context, ev *Event) error

	// Close flushes buffered events and releases resources. Call during
	// graceful shutdown.
	Close() error
}

// Event is one sanitized telemetry record.
type Event struct {
	// Timestamp is the event time in UTC.
	Timestamp time.Time `json:"timestamp"`

	// TraceID correlates related events.
	TraceID string `json:"traceId"`

	// Event is the event name: session.start, session.end,
	// maintenance.pass.
	Event string `json:"event"`

	// SessionID is set on session events.
	SessionID string `json:"sessionId,omitempty"`

	// Pass is the maintenance pass name: dedup, synth, detect.
	Pass string `json:"pass,omitempty"`

	// DurationMs is the elapsed time for end and pass events.
	DurationMs int64 `json:"durationMs,omitempty"`

	// Status is "success", "error", or "degraded".
	Status string `json:"status,omitempty"`

	// ErrorType classifies a failure: validation, not_found, conflict,
	// timeout, unavailable, unknown.
	ErrorType string `json:"errorType,omitempty"`

	// Counters holds event-specific counts (inherited entities, merges,
	// proposals). Never content.
	Counters map[string]int64 `json:"counters,omitempty"`
}

// SessionStart builds a session.start event.
func SessionStart(sessionID string, counters map[string]int64) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		TraceID:   uuid.New().String(),
		Event:     EventSessionStart,
		SessionID: sessionID,
		Counters:  counters,
	}
}

// SessionEnd builds a session.end event.
func SessionEnd(sessionID string, duration time.Duration, counters map[string]int64) *Event {
	return &Event{
		Timestamp:  time.Now().UTC(),
		TraceID:    uuid.New().String(),
		Event:      EventSessionEnd,
		SessionID:  sessionID,
		DurationMs: duration.Milliseconds(),
		Counters:   counters,
	}
}

// MaintenancePass builds a maintenance.pass event.
func MaintenancePass(pass string, duration time.Duration, status, errorType string, counters map[string]int64) *Event {
	return &Event{
		Timestamp:  time.Now().UTC(),
		TraceID:    uuid.New().String(),
		Event:      EventMaintenancePass,
		Pass:       pass,
		DurationMs: duration.Milliseconds(),
		Status:     status,
		ErrorType:  errorType,
		Counters:   counters,
	}
}

// FileSinkOption configures a FileSink.
type FileSinkOption func(*FileSink)
