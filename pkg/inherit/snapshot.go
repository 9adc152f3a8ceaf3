// Package inherit captures the session-open inheritance snapshot: INHERITED
// edges from a new session to every active entity of the durable kinds.
package inherit

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/pentaxis93/talos-telemetry/pkg/store"
)

// Snapshot describes one inheritance capture.
type Snapshot struct {
	Total   int
	PerKind map[store.Kind]int

	// Degraded is set when the store was unavailable and the session
	// opened without an inheritance record. Sessions always start;
	// inheritance is best-effort.
	Degraded bool
}

// Snapshotter wires the inheritance capture to a store.
type Snapshotter struct {
	store  store.EntityStore
	kinds  []store.Kind
	logger *slog.Logger
}

// New creates a Snapshotter over the default inherited kind set. A nil logger
// discards output.
func New(st store.EntityStore, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Snapshotter{store: st, kinds: store.InheritedKinds, logger: logger}
}

// Capture records the inherited knowledge of a freshly created session. The
// edge set is written in one transaction, so the snapshot reflects a single
// instant; entities created after the session never leak in. An unavailable
// store degrades to an empty snapshot instead of failing session open.
func (s *Snapshotter) Capture(ctx context.Context, sessionID string) (*Snapshot, error) {
	perKind, err := s.store.InheritActive(ctx, sessionID, s.kinds)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			s.logger.Warn("inheritance degraded, session opens without snapshot",
				"session", sessionID, "error", err)
			return &Snapshot{Degraded: true, PerKind: map[store.Kind]int{}}, nil
		}
		return nil, err
	}

	snap := &Snapshot{PerKind: perKind}
	for _, n := range perKind {
		snap.Total += n
	}
	s.logger.Info("inheritance captured",
		"session", sessionID, "total", snap.Total)
	return snap, nil
}
