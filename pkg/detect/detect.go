// Package detect implements the signal-detection maintenance pass. It scans
// the store after consolidation and emits proposal records: structured
// evidence bundles for external governance, never automatic mutations.
package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pentaxis93/talos-telemetry/pkg/store"
)

// Rule identifiers. Part of the proposal key, so renaming one would re-emit
// open proposals.
const (
	RuleRecurringFriction       = "recurring-friction"
	RulePatternPromotion        = "pattern-promotion"
	RuleUnresolvedContradiction = "unresolved-contradiction"
	RuleMissingEmbedding        = "missing-embedding"
	RuleUnderutilizedKnowledge  = "underutilized-knowledge"
)

// Config holds detector thresholds.
type Config struct {
	// RecurrenceThreshold triggers the friction and promotion rules.
	// Default 3.
	RecurrenceThreshold int

	// EmbeddingKinds are scanned for entities lacking a vector. Defaults
	// to the kinds subject to semantic dedup and search.
	EmbeddingKinds []store.Kind

	// UnderutilizedDays is how old knowledge must be before never being
	// used counts as a signal. Default 30.
	UnderutilizedDays int
}

func (c *Config) applyDefaults() {
	if c.RecurrenceThreshold == 0 {
		c.RecurrenceThreshold = 3
	}
	if len(c.EmbeddingKinds) == 0 {
		c.EmbeddingKinds = []store.Kind{
			store.KindObservation, store.KindInsight, store.KindBelief,
			store.KindFriction, store.KindPattern, store.KindQuestion,
		}
	}
	if c.UnderutilizedDays == 0 {
		c.UnderutilizedDays = 30
	}
}

// Report summarizes one detector run.
type Report struct {
	Emitted    int
	Suppressed int // evidence already covered by an open proposal
}

// Detector scans the store and emits pending_review proposals. It never
// approves, rejects, or mutates anything else.
type Detector struct {
	store  store.EntityStore
	cfg    Config
	logger *slog.Logger
}

// New creates a Detector. A nil logger discards output.
func New(st store.EntityStore, cfg Config, logger *slog.Logger) *Detector {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{store: st, cfg: cfg, logger: logger}
}

// Run evaluates every detection rule independently and unions the results.
// Re-running against unchanged evidence emits nothing new.
func (d *Detector) Run(ctx context.Context) (*Report, error) {
	release, err := d.store.AcquirePassLock("detect")
	if err != nil {
		return nil, err
	}
	defer release()

	report := &Report{}
	if err := d.recurringFriction(ctx, report); err != nil {
		return report, err
	}
	if err := d.patternPromotions(ctx, report); err != nil {
		return report, err
	}
	if err := d.unresolvedContradictions(ctx, report); err != nil {
		return report, err
	}
	if err := d.missingEmbeddings(ctx, report); err != nil {
		return report, err
	}
	if err := d.underutilizedKnowledge(ctx, report); err != nil {
		return report, err
	}

	d.logger.Info("detect pass complete",
		"emitted", report.Emitted, "suppressed", report.Suppressed)
	return report, nil
}

// recurringFriction flags friction at the recurrence threshold with no
// resolution.
func (d *Detector) recurringFriction(ctx context.Context, report *Report) error {
	frictions, err := d.store.Query(ctx, store.Filter{
		Kind: store.KindFriction, ActiveOnly: true,
		MinRecurrence: d.cfg.RecurrenceThreshold,
	})
	if err != nil {
		return err
	}
	for _, f := range frictions {
		if f.Resolution != "" {
			continue
		}
		summary := fmt.Sprintf("friction recurred %d times without resolution: %s",
			f.Recurrence, f.Content)
		if err := d.emit(ctx, report, RuleRecurringFriction, summary, f.ID); err != nil {
			return err
		}
	}
	return nil
}

// patternPromotions surfaces emerging patterns at the occurrence threshold.
// The synthesizer promotes these automatically; the proposal documents the
// promotion for audit.
func (d *Detector) patternPromotions(ctx context.Context, report *Report) error {
	patterns, err := d.store.Query(ctx, store.Filter{
		Kind: store.KindPattern, Status: store.StatusEmerging,
		ActiveOnly: true, MinRecurrence: d.cfg.RecurrenceThreshold,
	})
	if err != nil {
		return err
	}
	for _, p := range patterns {
		summary := fmt.Sprintf("pattern reached %d occurrences, promotion candidate: %s",
			p.Recurrence, p.Content)
		if err := d.emit(ctx, report, RulePatternPromotion, summary, p.ID); err != nil {
			return err
		}
	}
	return nil
}

// unresolvedContradictions flags CONTRADICTS edges between two Beliefs that
// carry no resolution attribute.
func (d *Detector) unresolvedContradictions(ctx context.Context, report *Report) error {
	edges, err := d.store.EdgesByType(ctx, store.RelContradicts, true)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.SourceKind != store.KindBelief || e.TargetKind != store.KindBelief {
			continue
		}
		if res, ok := e.Attrs["resolution"].(string); ok && res != "" {
			continue
		}
		summary := "two beliefs contradict without resolution"
		if err := d.emit(ctx, report, RuleUnresolvedContradiction, summary,
			e.SourceID, e.TargetID); err != nil {
			return err
		}
	}
	return nil
}

// missingEmbeddings flags active entities of semantically searched kinds that
// carry no vector; they are invisible to embedding dedup and nearest-neighbor
// retrieval until re-embedded.
func (d *Detector) missingEmbeddings(ctx context.Context, report *Report) error {
	for _, kind := range d.cfg.EmbeddingKinds {
		entities, err := d.store.Query(ctx, store.Filter{Kind: kind, ActiveOnly: true})
		if err != nil {
			return err
		}
		for _, e := range entities {
			if len(e.Embedding) > 0 {
				continue
			}
			summary := fmt.Sprintf("%s has no embedding and is invisible to semantic search: %s",
				kind, e.Content)
			if err := d.emit(ctx, report, RuleMissingEmbedding, summary, e.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// underutilizedKnowledge flags established knowledge nothing uses: beliefs no
// session has ever inherited and insights with no downstream edges, once old
// enough that the silence means something.
func (d *Detector) underutilizedKnowledge(ctx context.Context, report *Report) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.cfg.UnderutilizedDays)

	beliefs, err := d.store.Query(ctx, store.Filter{Kind: store.KindBelief, ActiveOnly: true})
	if err != nil {
		return err
	}
	for _, b := range beliefs {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		inherited, err := d.everInherited(ctx, b.ID)
		if err != nil {
			return err
		}
		if inherited {
			continue
		}
		summary := fmt.Sprintf("belief never inherited by any session: %s", b.Content)
		if err := d.emit(ctx, report, RuleUnderutilizedKnowledge, summary, b.ID); err != nil {
			return err
		}
	}

	insights, err := d.store.Query(ctx, store.Filter{Kind: store.KindInsight, ActiveOnly: true})
	if err != nil {
		return err
	}
	for _, i := range insights {
		if !i.CreatedAt.Before(cutoff) {
			continue
		}
		downstream, err := d.hasDownstream(ctx, i.ID)
		if err != nil {
			return err
		}
		if downstream {
			continue
		}
		summary := fmt.Sprintf("insight with no downstream effects: %s", i.Content)
		if err := d.emit(ctx, report, RuleUnderutilizedKnowledge, summary, i.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Detector) everInherited(ctx context.Context, id string) (bool, error) {
	edges, err := d.store.Edges(ctx, id)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Type == store.RelInherited && e.TargetID == id {
			return true, nil
		}
	}
	return false, nil
}

func (d *Detector) hasDownstream(ctx context.Context, id string) (bool, error) {
	edges, err := d.store.Edges(ctx, id)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		switch e.Type {
		case store.RelLedTo, store.RelCrystallizedInto, store.RelEvolvedFrom:
			if e.SourceID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

// emit persists one proposal unless an open proposal already covers the same
// (rule, evidence) key.
func (d *Detector) emit(ctx context.Context, report *Report, rule, summary string, evidenceIDs ...string) error {
	key := proposalKey(rule, evidenceIDs)

	existing, err := d.store.FindProposalByKey(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		report.Suppressed++
		return nil
	}

	proposal := &store.Entity{
		Kind:        store.KindProposal,
		Content:     summary,
		Status:      store.ProposalPendingReview,
		ProposalKey: key,
		Metadata: map[string]interface{}{
			"rule":     rule,
			"evidence": evidenceIDs,
		},
	}
	proposalID, err := d.store.Create(ctx, proposal)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with a concurrent emission of the same key.
			report.Suppressed++
			return nil
		}
		return err
	}

	for _, id := range evidenceIDs {
		edge := &store.Relationship{
			Type: store.RelProposes, SourceID: proposalID, TargetID: id,
		}
		if err := d.store.CreateEdge(ctx, edge); err != nil {
			return err
		}
	}

	report.Emitted++
	d.logger.Info("proposal emitted", "rule", rule, "proposal", proposalID,
		"evidence", evidenceIDs)
	return nil
}

// proposalKey builds the idempotency key: rule id plus sorted evidence ids.
func proposalKey(rule string, evidenceIDs []string) string {
	ids := append([]string(nil), evidenceIDs...)
	sort.Strings(ids)
	return rule + "|" + strings.Join(ids, "|")
}
