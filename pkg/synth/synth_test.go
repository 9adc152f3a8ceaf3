package synth

import (
	"context"
	"strings"
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

func mustCreate(t *testing.T, st *store.SQLiteStore, e *store.Entity) string {
	t.Helper()
	id, err := st.Create(context.Background(), e)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return id
}

// TestCrystallize tests observation clustering into a provisional insight.
func TestCrystallize(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	members := []string{
		"deploy failed after schema change",
		"deployment broke following migration",
		"release failed right after schema migration",
	}
	vecs := [][]float32{{1, 0, 0}, {0.99, 0.1, 0}, {0.98, 0.12, 0}}
	for i, content := range members {
		mustCreate(t, st, &store.Entity{
			Kind: store.KindObservation, Content: content,
			Domain: "ops", Embedding: vecs[i],
		})
	}
	// Outside the cluster.
	mustCreate(t, st, &store.Entity{
		Kind: store.KindObservation, Content: "coffee machine fixed",
		Embedding: []float32{0, 1, 0},
	})

	s := New(st, nil, Config{}, nil)
	report, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Clusters != 1 {
		t.Fatalf("Clusters: got %d, want 1", report.Clusters)
	}
	if report.Crystallized != 3 {
		t.Errorf("Crystallized: got %d, want 3", report.Crystallized)
	}

	insights, err := st.Query(ctx, store.Filter{Kind: store.KindInsight, ActiveOnly: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("Expected 1 insight, got %d", len(insights))
	}
	insight := insights[0]
	if insight.Status != store.StatusProvisional {
		t.Errorf("Insight status: got %s, want provisional", insight.Status)
	}
	if insight.Confidence != 0.7 {
		t.Errorf("Insight confidence: got %v, want 0.7", insight.Confidence)
	}
	if insight.Domain != "ops" {
		t.Errorf("Insight domain: got %s, want ops", insight.Domain)
	}
	if !strings.Contains(insight.Content, " | ") {
		t.Errorf("Placeholder content should join members, got %q", insight.Content)
	}
	if len(insight.Embedding) != 3 {
		t.Errorf("Insight should carry the averaged member embedding")
	}

	// Members are consolidated now; re-running crystallizes nothing new.
	pending, err := st.Unconsolidated(ctx, store.KindObservation)
	if err != nil {
		t.Fatalf("Unconsolidated failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("Only the outlier should remain unconsolidated, got %d", len(pending))
	}

	again, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if again.Clusters != 0 || again.Crystallized != 0 {
		t.Errorf("Second run should be a no-op, got %+v", again)
	}
}

// TestCrystallizeNeedsMinimumCluster tests that singletons never crystallize.
func TestCrystallizeNeedsMinimumCluster(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	mustCreate(t, st, &store.Entity{
		Kind: store.KindObservation, Content: "lonely", Embedding: []float32{1, 0, 0},
	})
	mustCreate(t, st, &store.Entity{
		Kind: store.KindObservation, Content: "no vector at all",
	})

	report, err := New(st, nil, Config{}, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Clusters != 0 || report.Crystallized != 0 {
		t.Errorf("Nothing should crystallize, got %+v", report)
	}
}

// TestPatternFromFriction tests pattern creation and immediate promotion for
// recurring friction, and that a second run does not duplicate the pattern.
func TestPatternFromFriction(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	friction := mustCreate(t, st, &store.Entity{
		Kind: store.KindFriction, Content: "context lost between sessions",
		Recurrence: 3, Domain: "memory",
	})

	s := New(st, nil, Config{}, nil)
	report, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.PatternsCreated != 1 {
		t.Fatalf("PatternsCreated: got %d, want 1", report.PatternsCreated)
	}
	// The new pattern inherits the friction's recurrence, which already
	// meets the occurrence threshold, so the same run promotes it.
	if report.Promoted != 1 {
		t.Errorf("Promoted: got %d, want 1", report.Promoted)
	}

	patterns, err := st.Query(ctx, store.Filter{Kind: store.KindPattern, ActiveOnly: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("Expected 1 pattern, got %d", len(patterns))
	}
	p := patterns[0]
	if p.Status != store.StatusConfirmed {
		t.Errorf("Pattern status: got %s, want confirmed", p.Status)
	}
	if p.Recurrence != 3 {
		t.Errorf("Pattern recurrence: got %d, want 3", p.Recurrence)
	}

	links, err := st.EdgesBetween(ctx, friction, p.ID, store.RelManifestationOf)
	if err != nil {
		t.Fatalf("EdgesBetween failed: %v", err)
	}
	if len(links) != 1 {
		t.Errorf("Expected MANIFESTATION_OF link, got %d", len(links))
	}

	again, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if again.PatternsCreated != 0 {
		t.Errorf("Second run duplicated the pattern: %+v", again)
	}
}

// TestPromotionWithheldWhenContradicted tests that contradicted patterns stay
// emerging.
func TestPromotionWithheldWhenContradicted(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	p := mustCreate(t, st, &store.Entity{
		Kind: store.KindPattern, Content: "always pin versions", Recurrence: 5,
	})
	rival := mustCreate(t, st, &store.Entity{
		Kind: store.KindPattern, Content: "floating versions catch fixes sooner", Recurrence: 1,
	})
	if err := st.CreateEdge(ctx, &store.Relationship{
		Type: store.RelContradicts, SourceID: rival, TargetID: p,
	}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	report, err := New(st, nil, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Promoted != 0 {
		t.Errorf("Contradicted pattern must not promote, promoted %d", report.Promoted)
	}
	e, _ := st.Get(ctx, p)
	if e.Status != store.StatusEmerging {
		t.Errorf("Pattern status: got %s, want emerging", e.Status)
	}
}

// TestDeprecateStale tests decay and supersession of confirmed patterns.
func TestDeprecateStale(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -200)

	stale := mustCreate(t, st, &store.Entity{
		Kind: store.KindPattern, Content: "abandoned habit",
		Status: store.StatusConfirmed, CreatedAt: old,
	})
	cited := mustCreate(t, st, &store.Entity{
		Kind: store.KindPattern, Content: "still practiced routine",
		Status: store.StatusConfirmed, CreatedAt: old,
	})
	session := mustCreate(t, st, &store.Entity{Kind: store.KindSession})
	if err := st.CreateEdge(ctx, &store.Relationship{
		Type: store.RelInherited, SourceID: session, TargetID: cited,
	}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	superseded := mustCreate(t, st, &store.Entity{
		Kind: store.KindPattern, Content: "broad old rule", Status: store.StatusConfirmed,
	})
	replacement := mustCreate(t, st, &store.Entity{
		Kind: store.KindPattern, Content: "narrower sharper rule", Status: store.StatusConfirmed,
	})
	if err := st.CreateEdge(ctx, &store.Relationship{
		Type: store.RelSupersedes, SourceID: superseded, TargetID: replacement,
	}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	report, err := New(st, nil, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Deprecated != 2 {
		t.Fatalf("Deprecated: got %d, want 2", report.Deprecated)
	}

	status := func(id string) store.Status {
		e, _ := st.Get(ctx, id)
		return e.Status
	}
	if status(stale) != store.StatusDeprecated {
		t.Errorf("Stale pattern: got %s, want deprecated", status(stale))
	}
	if status(cited) != store.StatusConfirmed {
		t.Errorf("Recently inherited pattern: got %s, want confirmed", status(cited))
	}
	if status(superseded) != store.StatusDeprecated {
		t.Errorf("Superseded pattern: got %s, want deprecated", status(superseded))
	}
	if status(replacement) != store.StatusConfirmed {
		t.Errorf("Replacement pattern: got %s, want confirmed", status(replacement))
	}
}

// TestCrossDomainConnections tests contextual linking of similar insights
// across domains, and that an existing link suppresses re-linking.
func TestCrossDomainConnections(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	backend := mustCreate(t, st, &store.Entity{
		Kind: store.KindInsight, Content: "cache invalidation drives most incidents",
		Domain: "backend", Embedding: []float32{1, 0, 0},
	})
	frontend := mustCreate(t, st, &store.Entity{
		Kind: store.KindInsight, Content: "stale caches cause most UI bugs",
		Domain: "frontend", Embedding: []float32{0.97, 0.2, 0},
	})
	// Similar but same-domain pairs are dedup's business, not ours.
	mustCreate(t, st, &store.Entity{
		Kind: store.KindInsight, Content: "memoization hides cache staleness",
		Domain: "frontend", Embedding: []float32{0, 1, 0},
	})
	// Dissimilar cross-domain insight stays unlinked.
	mustCreate(t, st, &store.Entity{
		Kind: store.KindInsight, Content: "standups drift without an agenda",
		Domain: "process", Embedding: []float32{0, 0, 1},
	})
	// No domain, no link.
	mustCreate(t, st, &store.Entity{
		Kind: store.KindInsight, Content: "unfiled note",
		Embedding: []float32{0.98, 0.15, 0},
	})

	s := New(st, nil, Config{}, nil)
	report, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.CrossDomainLinks != 1 {
		t.Fatalf("CrossDomainLinks: got %d, want 1", report.CrossDomainLinks)
	}

	links, err := st.EdgesBetween(ctx, backend, frontend, store.RelLedTo)
	if err != nil {
		t.Fatalf("EdgesBetween failed: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("Expected 1 LED_TO link, got %d", len(links))
	}
	if links[0].Attrs["contribution"] != "contextual" {
		t.Errorf("Link contribution: got %v, want contextual", links[0].Attrs["contribution"])
	}

	again, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if again.CrossDomainLinks != 0 {
		t.Errorf("Second run re-linked an already-linked pair: %+v", again)
	}
}

// TestCrossDomainLinkCap tests the per-run budget.
func TestCrossDomainLinkCap(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	domains := []string{"backend", "frontend", "ops"}
	for i, d := range domains {
		mustCreate(t, st, &store.Entity{
			Kind: store.KindInsight, Content: "timeouts cascade under load " + d,
			Domain: d, Embedding: []float32{1, 0.01 * float32(i), 0},
		})
	}

	s := New(st, nil, Config{MaxCrossDomainLinks: 1}, nil)
	report, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.CrossDomainLinks != 1 {
		t.Errorf("CrossDomainLinks: got %d, want cap of 1", report.CrossDomainLinks)
	}
}

// TestCorroborate tests the confidence nudge and its kind restriction.
func TestCorroborate(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	belief := mustCreate(t, st, &store.Entity{
		Kind: store.KindBelief, Content: "b", Confidence: 0.5,
	})
	decision := mustCreate(t, st, &store.Entity{
		Kind: store.KindDecision, Content: "d", Confidence: 0.5,
	})

	s := New(st, nil, Config{}, nil)
	if err := s.Corroborate(ctx, belief); err != nil {
		t.Fatalf("Corroborate failed: %v", err)
	}
	e, _ := st.Get(ctx, belief)
	if e.Confidence < 0.549 || e.Confidence > 0.551 {
		t.Errorf("Confidence after nudge: got %v, want 0.55", e.Confidence)
	}

	// Repeated corroboration converges below 1 and never reaches it.
	for i := 0; i < 100; i++ {
		if err := s.Corroborate(ctx, belief); err != nil {
			t.Fatalf("Corroborate failed: %v", err)
		}
	}
	e, _ = st.Get(ctx, belief)
	if e.Confidence >= 1.0 {
		t.Errorf("Confidence reached %v, must stay below 1", e.Confidence)
	}

	// Non-belief, non-insight kinds are untouched.
	if err := s.Corroborate(ctx, decision); err != nil {
		t.Fatalf("Corroborate failed: %v", err)
	}
	d, _ := st.Get(ctx, decision)
	if d.Confidence != 0.5 {
		t.Errorf("Decision confidence changed to %v", d.Confidence)
	}
}
