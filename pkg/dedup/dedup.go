// Package dedup implements the duplicate-merging and entropy-pruning
// maintenance pass.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pentaxis93/talos-telemetry/pkg/store"
)

// Config holds deduplicator thresholds.
type Config struct {
	// SimilarityThreshold is the embedding cosine similarity at or above
	// which two entities of the same kind are merge candidates.
	// Default 0.88.
	SimilarityThreshold float64

	// LexicalThreshold is the shared-token ratio fallback used when
	// either entity lacks an embedding. Default 0.5.
	LexicalThreshold float64

	// RetentionDays is how long a provisional, unreferenced entity may
	// sit before entropy pruning archives it. Default 90.
	RetentionDays int

	// MaxPrune caps archives per run. Default 50.
	MaxPrune int

	// Kinds subject to deduplication.
	Kinds []store.Kind
}

func (c *Config) applyDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.88
	}
	if c.LexicalThreshold == 0 {
		c.LexicalThreshold = 0.5
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 90
	}
	if c.MaxPrune == 0 {
		c.MaxPrune = 50
	}
	if len(c.Kinds) == 0 {
		c.Kinds = []store.Kind{
			store.KindObservation, store.KindInsight, store.KindBelief,
			store.KindFriction, store.KindPattern, store.KindQuestion,
		}
	}
}

// Report summarizes one deduplicator run.
type Report struct {
	Merged  int
	Pruned  int
	Skipped int
}

// Deduplicator finds and merges near-duplicate entities and archives stale,
// low-value provisional ones. It is a stateless transformer over the store;
// running it twice on an unchanged store is a no-op the second time.
type Deduplicator struct {
	store  store.EntityStore
	cfg    Config
	logger *slog.Logger
}

// New creates a Deduplicator. A nil logger discards output.
func New(st store.EntityStore, cfg Config, logger *slog.Logger) *Deduplicator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deduplicator{store: st, cfg: cfg, logger: logger}
}

// Run executes one deduplication pass. Item-level validation and conflict
// failures skip the offending pair and continue; timeout and availability
// failures abort the pass.
func (d *Deduplicator) Run(ctx context.Context) (*Report, error) {
	release, err := d.store.AcquirePassLock("dedup")
	if err != nil {
		return nil, err
	}
	defer release()

	report := &Report{}
	for _, kind := range d.cfg.Kinds {
		if err := d.dedupKind(ctx, kind, report); err != nil {
			return report, err
		}
	}
	if err := d.prune(ctx, report); err != nil {
		return report, err
	}

	d.logger.Info("dedup pass complete",
		"merged", report.Merged, "pruned", report.Pruned, "skipped", report.Skipped)
	return report, nil
}

func (d *Deduplicator) dedupKind(ctx context.Context, kind store.Kind, report *Report) error {
	entities, err := d.store.Query(ctx, store.Filter{Kind: kind, ActiveOnly: true})
	if err != nil {
		return err
	}

	mergedAway := make(map[string]bool)
	for i := 0; i < len(entities); i++ {
		if mergedAway[entities[i].ID] {
			continue
		}
		for j := i + 1; j < len(entities); j++ {
			if mergedAway[entities[i].ID] {
				break
			}
			if mergedAway[entities[j].ID] {
				continue
			}
			a, b := entities[i], entities[j]
			if !d.candidates(a, b) {
				continue
			}

			contradicted, err := d.unresolvedContradiction(ctx, a.ID, b.ID)
			if err != nil {
				return err
			}
			if contradicted {
				// Genuinely contradictory entities are never
				// auto-merged, however similar.
				report.Skipped++
				d.logger.Debug("skip merge across unresolved contradiction",
					"a", a.ID, "b", b.ID)
				continue
			}

			canonical, merged := chooseCanonical(a, b)
			// Same-kind merges are refinements of one idea, so the
			// provenance edge is EVOLVED_FROM. MERGED_INTO is reserved
			// for crystallizing observations into an insight.
			err = d.store.Merge(ctx, canonical.ID, merged.ID, store.RelEvolvedFrom)
			switch {
			case err == nil:
				mergedAway[merged.ID] = true
				report.Merged++
				d.logger.Info("merged duplicates",
					"kind", kind, "canonical", canonical.ID, "merged", merged.ID)
			case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound),
				errors.Is(err, store.ErrValidation):
				// One bad pair never aborts the whole run.
				report.Skipped++
				d.logger.Warn("merge skipped", "a", a.ID, "b", b.ID, "error", err)
			default:
				return err
			}
		}
	}
	return nil
}

// candidates reports whether two active entities of the same kind are close
// enough to merge: embedding cosine when both carry vectors, shared-token
// ratio otherwise.
func (d *Deduplicator) candidates(a, b *store.Entity) bool {
	if len(a.Embedding) > 0 && len(b.Embedding) > 0 {
		return store.CosineSimilarity(a.Embedding, b.Embedding) >= d.cfg.SimilarityThreshold
	}
	return tokenOverlap(a.Content, b.Content) >= d.cfg.LexicalThreshold
}

func (d *Deduplicator) unresolvedContradiction(ctx context.Context, aID, bID string) (bool, error) {
	edges, err := d.store.EdgesBetween(ctx, aID, bID, store.RelContradicts)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.ValidTo != nil {
			continue
		}
		if res, ok := e.Attrs["resolution"].(string); !ok || res == "" {
			return true, nil
		}
	}
	return false, nil
}

// chooseCanonical prefers the more-established version: highest confidence,
// tie-broken by earliest created_at.
func chooseCanonical(a, b *store.Entity) (canonical, merged *store.Entity) {
	if a.Confidence != b.Confidence {
		if a.Confidence > b.Confidence {
			return a, b
		}
		return b, a
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return b, a
	}
	return a, b
}

// tokenOverlap computes the shared-token ratio of two contents: the size of
// the token intersection over the size of the smaller token set.
func tokenOverlap(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	shared := 0
	for tok := range ta {
		if tb[tok] {
			shared++
		}
	}
	return float64(shared) / float64(smaller)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[tok] = true
	}
	return out
}

// prune archives provisional entities with no incoming reference edges whose
// age exceeds the retention window. Confirmed and referenced entities are
// never pruned automatically.
func (d *Deduplicator) prune(ctx context.Context, report *Report) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.cfg.RetentionDays)

	for _, kind := range d.cfg.Kinds {
		if report.Pruned >= d.cfg.MaxPrune {
			return nil
		}
		entities, err := d.store.Query(ctx, store.Filter{
			Kind: kind, Status: store.StatusProvisional, ActiveOnly: true,
		})
		if err != nil {
			return err
		}
		for _, e := range entities {
			if report.Pruned >= d.cfg.MaxPrune {
				return nil
			}
			if !e.CreatedAt.Before(cutoff) {
				continue
			}
			refs, err := d.store.IncomingRefCount(ctx, e.ID)
			if err != nil {
				return err
			}
			if refs > 0 {
				continue
			}
			err = d.store.Archive(ctx, e.ID,
				fmt.Sprintf("entropy: provisional and unreferenced for %d days", d.cfg.RetentionDays))
			if err != nil {
				if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrValidation) {
					report.Skipped++
					d.logger.Warn("prune skipped", "id", e.ID, "error", err)
					continue
				}
				return err
			}
			report.Pruned++
			d.logger.Info("pruned entropy", "kind", kind, "id", e.ID)
		}
	}
	return nil
}
