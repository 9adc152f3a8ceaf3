// Package synth implements the synthesis maintenance pass: clustering
// provisional fragments into confirmed knowledge and promoting patterns.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pentaxis93/talos-telemetry/pkg/embeddings"
	"github.com/pentaxis93/talos-telemetry/pkg/store"
)

// Config holds synthesizer thresholds.
type Config struct {
	// SimilarityThreshold for observation clustering; shared with the
	// deduplicator. Default 0.88.
	SimilarityThreshold float64

	// MinClusterSize is the smallest cluster eligible for
	// crystallization. Default 2.
	MinClusterSize int

	// OccurrenceThreshold promotes an emerging pattern to confirmed.
	// Default 3.
	OccurrenceThreshold int

	// DecayDays deprecates a confirmed pattern no session has referenced
	// for this long. Default 180.
	DecayDays int

	// CrossDomainThreshold is the cosine similarity at or above which two
	// insights from different domains get a contextual LED_TO link.
	// Default 0.8.
	CrossDomainThreshold float64

	// MaxCrossDomainLinks caps new cross-domain links per run. Default 10.
	MaxCrossDomainLinks int
}

func (c *Config) applyDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.88
	}
	if c.MinClusterSize == 0 {
		c.MinClusterSize = 2
	}
	if c.OccurrenceThreshold == 0 {
		c.OccurrenceThreshold = 3
	}
	if c.DecayDays == 0 {
		c.DecayDays = 180
	}
	if c.CrossDomainThreshold == 0 {
		c.CrossDomainThreshold = 0.8
	}
	if c.MaxCrossDomainLinks == 0 {
		c.MaxCrossDomainLinks = 10
	}
}

// Report summarizes one synthesizer run.
type Report struct {
	Clusters         int
	Crystallized     int // observations folded into insights
	Promoted         int
	Deprecated       int
	PatternsCreated  int
	CrossDomainLinks int
}

// Synthesizer promotes provisional fragments into confirmed knowledge. Like
// the other passes it holds no state between runs.
type Synthesizer struct {
	store  store.EntityStore
	embed  embeddings.Client // optional; nil falls back to member-vector averaging
	cfg    Config
	logger *slog.Logger
}

// New creates a Synthesizer. The embedding client and logger may be nil.
func New(st store.EntityStore, embed embeddings.Client, cfg Config, logger *slog.Logger) *Synthesizer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Synthesizer{store: st, embed: embed, cfg: cfg, logger: logger}
}

// Run executes one synthesis pass: observation crystallization, pattern
// creation from recurring friction, pattern promotion, decay, and
// cross-domain insight linking.
func (s *Synthesizer) Run(ctx context.Context) (*Report, error) {
	release, err := s.store.AcquirePassLock("synth")
	if err != nil {
		return nil, err
	}
	defer release()

	report := &Report{}
	if err := s.crystallize(ctx, report); err != nil {
		return report, err
	}
	if err := s.patternsFromFriction(ctx, report); err != nil {
		return report, err
	}
	if err := s.promotePatterns(ctx, report); err != nil {
		return report, err
	}
	if err := s.deprecateStale(ctx, report); err != nil {
		return report, err
	}
	if err := s.crossDomainConnections(ctx, report); err != nil {
		return report, err
	}

	s.logger.Info("synth pass complete",
		"clusters", report.Clusters, "crystallized", report.Crystallized,
		"promoted", report.Promoted, "deprecated", report.Deprecated,
		"patterns_created", report.PatternsCreated,
		"cross_domain_links", report.CrossDomainLinks)
	return report, nil
}

// crystallize clusters unconsolidated observations by embedding similarity
// (single-link) and folds each cluster of MinClusterSize or more into a new
// provisional Insight. Content is a synthesis placeholder; actual language
// synthesis is delegated to the external extractor.
func (s *Synthesizer) crystallize(ctx context.Context, report *Report) error {
	observations, err := s.store.Unconsolidated(ctx, store.KindObservation)
	if err != nil {
		return err
	}
	if len(observations) < s.cfg.MinClusterSize {
		return nil
	}

	for _, cluster := range singleLink(observations, s.cfg.SimilarityThreshold) {
		if len(cluster) < s.cfg.MinClusterSize {
			continue
		}
		report.Clusters++
		if err := s.crystallizeCluster(ctx, cluster, report); err != nil {
			if errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrConflict) ||
				errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("cluster skipped", "size", len(cluster), "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Synthesizer) crystallizeCluster(ctx context.Context, cluster []*store.Entity, report *Report) error {
	content := placeholderContent(cluster)

	var vec []float32
	if s.embed != nil {
		embedded, err := s.embed.EmbedOne(ctx, content)
		if err != nil {
			s.logger.Warn("embedding synthesized insight failed, averaging members", "error", err)
		} else {
			vec = embedded
		}
	}
	if vec == nil {
		vec = meanEmbedding(cluster)
	}

	insight := &store.Entity{
		Kind:       store.KindInsight,
		Content:    content,
		Confidence: 0.7,
		Domain:     cluster[0].Domain,
		Embedding:  vec,
		Status:     store.StatusProvisional,
	}
	insightID, err := s.store.Create(ctx, insight)
	if err != nil {
		return err
	}

	for _, obs := range cluster {
		edge := &store.Relationship{
			Type:     store.RelMergedInto,
			SourceID: obs.ID,
			TargetID: insightID,
		}
		if err := s.store.CreateEdge(ctx, edge); err != nil {
			return err
		}
		report.Crystallized++
	}
	s.logger.Info("crystallized cluster", "insight", insightID, "members", len(cluster))
	return nil
}

// placeholderContent joins the first member contents, the way the original
// consolidation marks a pending synthesis.
func placeholderContent(cluster []*store.Entity) string {
	contents := make([]string, 0, 3)
	for i, e := range cluster {
		if i == 3 {
			break
		}
		contents = append(contents, e.Content)
	}
	out := strings.Join(contents, " | ")
	if len(cluster) > 3 {
		out += fmt.Sprintf(" | (+%d more)", len(cluster)-3)
	}
	return out
}

func meanEmbedding(cluster []*store.Entity) []float32 {
	var dim int
	for _, e := range cluster {
		if len(e.Embedding) > 0 {
			dim = len(e.Embedding)
			break
		}
	}
	if dim == 0 {
		return nil
	}
	sum := make([]float64, dim)
	n := 0
	for _, e := range cluster {
		if len(e.Embedding) != dim {
			continue
		}
		for i, v := range e.Embedding {
			sum[i] += float64(v)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}

// singleLink groups entities by single-link agglomerative clustering: two
// entities join the same cluster when any pair across them meets the
// similarity threshold. Entities without embeddings stay unclustered.
func singleLink(entities []*store.Entity, threshold float64) [][]*store.Entity {
	parent := make([]int, len(entities))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		parent[find(a)] = find(b)
	}

	for i := 0; i < len(entities); i++ {
		if len(entities[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(entities); j++ {
			if len(entities[j].Embedding) == 0 {
				continue
			}
			if store.CosineSimilarity(entities[i].Embedding, entities[j].Embedding) >= threshold {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]*store.Entity)
	for i, e := range entities {
		root := find(i)
		groups[root] = append(groups[root], e)
	}
	var out [][]*store.Entity
	for _, g := range groups {
		if len(g) > 1 {
			out = append(out, g)
		}
	}
	return out
}

// patternsFromFriction creates an emerging Pattern for recurring friction
// that is not yet a manifestation of any pattern.
func (s *Synthesizer) patternsFromFriction(ctx context.Context, report *Report) error {
	frictions, err := s.store.Query(ctx, store.Filter{
		Kind: store.KindFriction, ActiveOnly: true, MinRecurrence: s.cfg.OccurrenceThreshold,
	})
	if err != nil {
		return err
	}
	for _, f := range frictions {
		edges, err := s.store.Edges(ctx, f.ID)
		if err != nil {
			return err
		}
		linked := false
		for _, e := range edges {
			if e.Type == store.RelManifestationOf && e.SourceID == f.ID {
				linked = true
				break
			}
		}
		if linked {
			continue
		}

		pattern := &store.Entity{
			Kind:       store.KindPattern,
			Content:    f.Content,
			Confidence: 0.5,
			Domain:     f.Domain,
			Embedding:  f.Embedding,
			Status:     store.StatusEmerging,
			Recurrence: f.Recurrence,
		}
		patternID, err := s.store.Create(ctx, pattern)
		if err != nil {
			if errors.Is(err, store.ErrValidation) {
				s.logger.Warn("pattern creation skipped", "friction", f.ID, "error", err)
				continue
			}
			return err
		}
		edge := &store.Relationship{
			Type: store.RelManifestationOf, SourceID: f.ID, TargetID: patternID,
		}
		if err := s.store.CreateEdge(ctx, edge); err != nil {
			return err
		}
		report.PatternsCreated++
		s.logger.Info("pattern created from recurring friction",
			"friction", f.ID, "pattern", patternID)
	}
	return nil
}

// promotePatterns fires the emerging -> confirmed transition for patterns at
// the occurrence threshold that are not contradicted.
func (s *Synthesizer) promotePatterns(ctx context.Context, report *Report) error {
	patterns, err := s.store.Query(ctx, store.Filter{
		Kind: store.KindPattern, Status: store.StatusEmerging,
		ActiveOnly: true, MinRecurrence: s.cfg.OccurrenceThreshold,
	})
	if err != nil {
		return err
	}
	for _, p := range patterns {
		contradicted, err := s.isContradicted(ctx, p.ID)
		if err != nil {
			return err
		}
		if contradicted {
			s.logger.Debug("promotion withheld, pattern contradicted", "pattern", p.ID)
			continue
		}
		if err := s.store.UpdateStatus(ctx, p.ID, store.StatusConfirmed); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("promotion skipped", "pattern", p.ID, "error", err)
				continue
			}
			return err
		}
		report.Promoted++
		s.logger.Info("pattern promoted", "pattern", p.ID, "recurrence", p.Recurrence)
	}
	return nil
}

func (s *Synthesizer) isContradicted(ctx context.Context, id string) (bool, error) {
	edges, err := s.store.Edges(ctx, id)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Type != store.RelContradicts || e.ValidTo != nil {
			continue
		}
		if res, ok := e.Attrs["resolution"].(string); !ok || res == "" {
			return true, nil
		}
	}
	return false, nil
}

// deprecateStale fires confirmed -> deprecated for patterns no session has
// referenced within the decay window, or that carry an active SUPERSEDES
// edge to a replacement. Reopening a deprecated pattern requires a new
// Pattern entity with EVOLVED_FROM.
func (s *Synthesizer) deprecateStale(ctx context.Context, report *Report) error {
	patterns, err := s.store.Query(ctx, store.Filter{
		Kind: store.KindPattern, Status: store.StatusConfirmed, ActiveOnly: true,
	})
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.DecayDays)

	for _, p := range patterns {
		edges, err := s.store.Edges(ctx, p.ID)
		if err != nil {
			return err
		}

		superseded := false
		lastReference := p.CreatedAt
		for _, e := range edges {
			switch {
			case e.Type == store.RelSupersedes && e.SourceID == p.ID && e.ValidTo == nil:
				superseded = true
			case (e.Type == store.RelInherited || e.Type == store.RelReferences) &&
				e.TargetID == p.ID && e.SourceKind == store.KindSession:
				if e.CreatedAt.After(lastReference) {
					lastReference = e.CreatedAt
				}
			}
		}
		if !superseded && !lastReference.Before(cutoff) {
			continue
		}

		if err := s.store.UpdateStatus(ctx, p.ID, store.StatusDeprecated); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("deprecation skipped", "pattern", p.ID, "error", err)
				continue
			}
			return err
		}
		report.Deprecated++
		s.logger.Info("pattern deprecated", "pattern", p.ID, "superseded", superseded)
	}
	return nil
}

// crossDomainConnections links similar insights that live in different
// domains with a contextual LED_TO edge, surfacing knowledge transfer the
// domain boundaries would otherwise hide. Pairs already linked by LED_TO or
// EVOLVED_FROM in either direction are left alone, so the scan converges.
func (s *Synthesizer) crossDomainConnections(ctx context.Context, report *Report) error {
	insights, err := s.store.Query(ctx, store.Filter{
		Kind: store.KindInsight, ActiveOnly: true,
	})
	if err != nil {
		return err
	}

	for i := 0; i < len(insights) && report.CrossDomainLinks < s.cfg.MaxCrossDomainLinks; i++ {
		a := insights[i]
		if a.Domain == "" || len(a.Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(insights) && report.CrossDomainLinks < s.cfg.MaxCrossDomainLinks; j++ {
			b := insights[j]
			if b.Domain == "" || len(b.Embedding) == 0 || b.Domain == a.Domain {
				continue
			}
			if store.CosineSimilarity(a.Embedding, b.Embedding) < s.cfg.CrossDomainThreshold {
				continue
			}
			linked, err := s.alreadyLinked(ctx, a.ID, b.ID)
			if err != nil {
				return err
			}
			if linked {
				continue
			}

			edge := &store.Relationship{
				Type:     store.RelLedTo,
				SourceID: a.ID,
				TargetID: b.ID,
				Attrs:    map[string]interface{}{"contribution": "contextual"},
			}
			if err := s.store.CreateEdge(ctx, edge); err != nil {
				if errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrConflict) ||
					errors.Is(err, store.ErrNotFound) {
					s.logger.Warn("cross-domain link skipped",
						"from", a.ID, "to", b.ID, "error", err)
					continue
				}
				return err
			}
			report.CrossDomainLinks++
			s.logger.Info("cross-domain insight link",
				"from", a.ID, "from_domain", a.Domain,
				"to", b.ID, "to_domain", b.Domain)
		}
	}
	return nil
}

func (s *Synthesizer) alreadyLinked(ctx context.Context, aID, bID string) (bool, error) {
	for _, rel := range []store.RelType{store.RelLedTo, store.RelEvolvedFrom} {
		edges, err := s.store.EdgesBetween(ctx, aID, bID, rel)
		if err != nil {
			return false, err
		}
		if len(edges) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Corroborate nudges a Belief or Insight toward certainty after it gains a
// corroborating LED_TO edge: confidence += (1-confidence)*0.1, capped below
// 1.0. Confidence is a smoothed estimate, never exactly 0 or 1.
func (s *Synthesizer) Corroborate(ctx context.Context, id string) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: entity %s", store.ErrNotFound, id)
	}
	if e.Kind != store.KindBelief && e.Kind != store.KindInsight {
		return nil
	}
	return s.store.SetConfidence(ctx, id, e.Confidence+(1-e.Confidence)*0.1)
}
