package detect

import (
	"context"
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

// TestRecurringFrictionRule tests proposal emission for unresolved recurring
// friction.
func TestRecurringFrictionRule(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	flagged := mustCreate(t, st, &store.Entity{
		Kind: store.KindFriction, Content: "repeated context overflow", Recurrence: 3,
		Embedding: []float32{1, 0, 0},
	})
	mustCreate(t, st, &store.Entity{
		Kind: store.KindFriction, Content: "fixed long ago", Recurrence: 5,
		Resolution: "chunked the input", Embedding: []float32{0, 1, 0},
	})
	mustCreate(t, st, &store.Entity{
		Kind: store.KindFriction, Content: "rare glitch", Recurrence: 1,
		Embedding: []float32{0, 0, 1},
	})

	d := New(st, Config{}, nil)
	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Emitted != 1 {
		t.Fatalf("Emitted: got %d, want 1", report.Emitted)
	}

	proposals, err := st.Query(ctx, store.Filter{Kind: store.KindProposal, ActiveOnly: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("Expected 1 proposal, got %d", len(proposals))
	}
	p := proposals[0]
	if p.Status != store.ProposalPendingReview {
		t.Errorf("Proposal status: got %s, want pending_review", p.Status)
	}
	if p.Metadata["rule"] != RuleRecurringFriction {
		t.Errorf("Proposal rule: got %v", p.Metadata["rule"])
	}

	links, err := st.EdgesBetween(ctx, p.ID, flagged, store.RelProposes)
	if err != nil {
		t.Fatalf("EdgesBetween failed: %v", err)
	}
	if len(links) != 1 {
		t.Errorf("Expected PROPOSES edge to evidence, got %d", len(links))
	}
}

// TestRunIdempotent tests suppression by proposal key across runs.
func TestRunIdempotent(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	mustCreate(t, st, &store.Entity{
		Kind: store.KindFriction, Content: "repeated overflow", Recurrence: 4,
		Embedding: []float32{1, 0, 0},
	})

	d := New(st, Config{}, nil)
	first, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if first.Emitted != 1 {
		t.Fatalf("First run emitted %d, want 1", first.Emitted)
	}

	second, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if second.Emitted != 0 {
		t.Errorf("Second run emitted %d, want 0", second.Emitted)
	}
	if second.Suppressed == 0 {
		t.Error("Second run should report suppression")
	}

	// Governance moving the proposal along still suppresses re-emission;
	// the evidence is already under review.
	proposals, _ := st.Query(ctx, store.Filter{Kind: store.KindProposal})
	if err := st.UpdateStatus(ctx, proposals[0].ID, store.ProposalApproved); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	third, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Third run failed: %v", err)
	}
	if third.Emitted != 0 {
		t.Errorf("Approved proposal should still suppress, emitted %d", third.Emitted)
	}
}

// TestPatternPromotionRule tests the audit proposal for threshold-crossing
// emerging patterns.
func TestPatternPromotionRule(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	mustCreate(t, st, &store.Entity{
		Kind: store.KindPattern, Content: "premature abstraction", Recurrence: 3,
		Embedding: []float32{1, 0, 0},
	})
	// Already confirmed; not a promotion candidate.
	mustCreate(t, st, &store.Entity{
		Kind: store.KindPattern, Content: "settled habit", Recurrence: 9,
		Status: store.StatusConfirmed, Embedding: []float32{0, 1, 0},
	})

	report, err := New(st, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Emitted != 1 {
		t.Errorf("Emitted: got %d, want 1", report.Emitted)
	}
}

// TestContradictionRule tests detection of unresolved belief contradictions.
func TestContradictionRule(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	a := mustCreate(t, st, &store.Entity{
		Kind: store.KindBelief, Content: "a", Embedding: []float32{1, 0, 0},
	})
	b := mustCreate(t, st, &store.Entity{
		Kind: store.KindBelief, Content: "b", Embedding: []float32{0, 1, 0},
	})
	if err := st.CreateEdge(ctx, &store.Relationship{
		Type: store.RelContradicts, SourceID: a, TargetID: b,
	}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	// Resolved contradiction between two other beliefs; no proposal.
	c := mustCreate(t, st, &store.Entity{
		Kind: store.KindBelief, Content: "c", Embedding: []float32{0, 0, 1},
	})
	d := mustCreate(t, st, &store.Entity{
		Kind: store.KindBelief, Content: "d", Embedding: []float32{1, 1, 0},
	})
	if err := st.CreateEdge(ctx, &store.Relationship{
		Type: store.RelContradicts, SourceID: c, TargetID: d,
		Attrs: map[string]interface{}{"resolution": "c narrowed its claim"},
	}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	report, err := New(st, Config{}, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Emitted != 1 {
		t.Fatalf("Emitted: got %d, want 1", report.Emitted)
	}

	proposals, _ := st.Query(ctx, store.Filter{Kind: store.KindProposal})
	if proposals[0].Metadata["rule"] != RuleUnresolvedContradiction {
		t.Errorf("Proposal rule: got %v", proposals[0].Metadata["rule"])
	}
}

// TestMissingEmbeddingRule tests that unembedded entities of searched kinds
// are flagged once.
func TestMissingEmbeddingRule(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	blind := mustCreate(t, st, &store.Entity{
		Kind: store.KindObservation, Content: "never embedded",
	})
	mustCreate(t, st, &store.Entity{
		Kind: store.KindObservation, Content: "indexed fine",
		Embedding: []float32{1, 0, 0},
	})
	// Kinds outside the semantic index are not flagged.
	mustCreate(t, st, &store.Entity{Kind: store.KindDecision, Content: "chose sqlite"})

	d := New(st, Config{}, nil)
	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Emitted != 1 {
		t.Fatalf("Emitted: got %d, want 1", report.Emitted)
	}

	proposals, _ := st.Query(ctx, store.Filter{Kind: store.KindProposal, ActiveOnly: true})
	if len(proposals) != 1 {
		t.Fatalf("Expected 1 proposal, got %d", len(proposals))
	}
	if proposals[0].Metadata["rule"] != RuleMissingEmbedding {
		t.Errorf("Proposal rule: got %v", proposals[0].Metadata["rule"])
	}
	links, _ := st.EdgesBetween(ctx, proposals[0].ID, blind, store.RelProposes)
	if len(links) != 1 {
		t.Errorf("Expected PROPOSES edge to the unembedded entity, got %d", len(links))
	}

	second, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if second.Emitted != 0 {
		t.Errorf("Second run emitted %d, want 0", second.Emitted)
	}
}

// TestUnderutilizedKnowledgeRule tests flagging of old beliefs no session
// inherited and old insights with no downstream edges.
func TestUnderutilizedKnowledgeRule(t *testing.T) {
	st := setupTestStore(t)
	defer st.Close()

	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -60)

	idle := mustCreate(t, st, &store.Entity{
		Kind: store.KindBelief, Content: "nobody picked this up",
		CreatedAt: old, Embedding: []float32{1, 0, 0},
	})
	adopted := mustCreate(t, st, &store.Entity{
		Kind: store.KindBelief, Content: "inherited every session",
		CreatedAt: old, Embedding: []float32{0, 1, 0},
	})
	// Recent knowledge gets time before silence counts.
	mustCreate(t, st, &store.Entity{
		Kind: store.KindBelief, Content: "brand new", Embedding: []float32{0, 0, 1},
	})
	deadEnd := mustCreate(t, st, &store.Entity{
		Kind: store.KindInsight, Content: "went nowhere",
		CreatedAt: old, Embedding: []float32{1, 1, 0},
	})
	productive := mustCreate(t, st, &store.Entity{
		Kind: store.KindInsight, Content: "fed a belief",
		CreatedAt: old, Embedding: []float32{0, 1, 1},
	})

	session := mustCreate(t, st, &store.Entity{Kind: store.KindSession})
	if err := st.CreateEdge(ctx, &store.Relationship{
		Type: store.RelInherited, SourceID: session, TargetID: adopted,
	}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}
	if err := st.CreateEdge(ctx, &store.Relationship{
		Type: store.RelLedTo, SourceID: productive, TargetID: adopted,
	}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	d := New(st, Config{}, nil)
	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Emitted != 2 {
		t.Fatalf("Emitted: got %d, want 2 (idle belief, dead-end insight)", report.Emitted)
	}

	proposals, _ := st.Query(ctx, store.Filter{Kind: store.KindProposal, ActiveOnly: true})
	flagged := make(map[string]bool)
	for _, p := range proposals {
		if p.Metadata["rule"] != RuleUnderutilizedKnowledge {
			t.Errorf("Proposal rule: got %v", p.Metadata["rule"])
		}
		links, err := st.Edges(ctx, p.ID)
		if err != nil {
			t.Fatalf("Edges failed: %v", err)
		}
		for _, e := range links {
			if e.Type == store.RelProposes {
				flagged[e.TargetID] = true
			}
		}
	}
	if !flagged[idle] || !flagged[deadEnd] {
		t.Errorf("Expected %s and %s flagged, got %v", idle, deadEnd, flagged)
	}
	if flagged[adopted] || flagged[productive] {
		t.Errorf("Used knowledge must not be flagged, got %v", flagged)
	}
}

func TestProposalKeyStable(t *testing.T) {
	k1 := proposalKey("rule-x", []string{"b", "a"})
	k2 := proposalKey("rule-x", []string{"a", "b"})
	if k1 != k2 {
		t.Errorf("Key should be order-insensitive: %q vs %q", k1, k2)
	}
	if k1 != "rule-x|a|b" {
		t.Errorf("Key format: got %q", k1)
	}
}
