package inherit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pentaxis93/talos-telemetry/pkg/store"
)

func setupTestStore(t *testing.T) *store.SQLiteStore {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return st
}

// TestCapture tests the snapshot totals and the boundary exclusion.
func TestCapture(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	create := func(kind store.Kind, content string, at time.Time) {
		t.Helper()
		_, err := st.Create(ctx, &store.Entity{Kind: kind, Content: content, CreatedAt: at})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	create(store.KindBelief, "b1", base)
	create(store.KindBelief, "b2", base)
	create(store.KindSutra, "s1", base)
	create(store.KindProtocol, "p1", base)
	// Observations are ephemeral; never inherited.
	create(store.KindObservation, "o1", base)

	session, err := st.Create(ctx, &store.Entity{Kind: store.KindSession, CreatedAt: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("Create session failed: %v", err)
	}

	// After the boundary.
	create(store.KindBelief, "late", base.Add(45*time.Minute))

	snap, err := New(st, nil).Capture(ctx, session)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if snap.Degraded {
		t.Error("Snapshot should not be degraded")
	}
	if snap.Total != 4 {
		t.Errorf("Total: got %d, want 4", snap.Total)
	}
	if snap.PerKind[store.KindBelief] != 2 {
		t.Errorf("Beliefs: got %d, want 2", snap.PerKind[store.KindBelief])
	}
	if snap.PerKind[store.KindObservation] != 0 {
		t.Error("Observations must not be inherited")
	}
}

// failingStore reports unavailability from InheritActive; everything else is
// unused by Capture.
type failingStore struct {
	store.EntityStore
}

func (failingStore) InheritActive(ctx context.Context, sessionID string, kinds []store.Kind) (map[store.Kind]int, error) {
	return nil, fmt.Errorf("%w: disk gone", store.ErrUnavailable)
}

// TestCaptureDegraded tests that an unavailable store degrades the snapshot
// instead of failing session open.
func TestCaptureDegraded(t *testing.T) {
	snap, err := New(failingStore{}, nil).Capture(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Degraded capture should not error: %v", err)
	}
	if !snap.Degraded {
		t.Error("Snapshot should be marked degraded")
	}
	if snap.Total != 0 || len(snap.PerKind) != 0 {
		t.Errorf("Degraded snapshot should be empty, got %+v", snap)
	}
}

// failingHardStore reports a non-availability failure.
type failingHardStore struct {
	store.EntityStore
}

func (failingHardStore) InheritActive(ctx context.Context, sessionID string, kinds []store.Kind) (map[store.Kind]int, error) {
	return nil, fmt.Errorf("%w: session missing", store.ErrNotFound)
}

func TestCapturePropagatesOtherErrors(t *testing.T) {
	_, err := New(failingHardStore{}, nil).Capture(context.Background(), "ghost")
	if err == nil {
		t.Fatal("Expected error for missing session")
	}
}
