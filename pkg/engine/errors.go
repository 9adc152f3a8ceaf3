package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/pentaxis93/talos-telemetry/pkg/store"
)

// Error type constants for classification
const (
	ErrTypeValidation  = "validation"
	ErrTypeNotFound    = "not_found"
	ErrTypeConflict    = "conflict"
	ErrTypeTimeout     = "timeout"
	ErrTypeUnavailable = "unavailable"
	ErrTypeUnknown     = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// This enables grouping errors by category in metrics and telemetry.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, store.ErrValidation):
		return ErrTypeValidation
	case errors.Is(err, store.ErrNotFound):
		return ErrTypeNotFound
	case errors.Is(err, store.ErrConflict):
		return ErrTypeConflict
	case errors.Is(err, store.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTypeTimeout
	case errors.Is(err, store.ErrUnavailable):
		return ErrTypeUnavailable
	}

	// Fallback for errors that escaped the sentinel taxonomy.
	errStrLower := strings.ToLower(err.Error())
	if strings.Contains(errStrLower, "timeout") || strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}
	if strings.Contains(errStrLower, "database is locked") ||
		strings.Contains(errStrLower, "unable to open") {
		return ErrTypeUnavailable
	}

	return ErrTypeUnknown
}
