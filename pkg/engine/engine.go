// Package engine wires the store, maintenance passes, inheritance capture,
// telemetry, and metrics into one consolidation engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pentaxis93/talos-telemetry/pkg/dedup"
	"github.com/pentaxis93/talos-telemetry/pkg/detect"
	"github.com/pentaxis93/talos-telemetry/pkg/embeddings"
	"github.com/pentaxis93/talos-telemetry/pkg/inherit"
	"github.com/pentaxis93/talos-telemetry/pkg/metrics"
	"github.com/pentaxis93/talos-telemetry/pkg/store"
	"github.com/pentaxis93/talos-telemetry/pkg/synth"
	"github.com/pentaxis93/talos-telemetry/pkg/telemetry"
)

// Config holds configuration for the engine.
type Config struct {
	// DBPath is the SQLite database location. ":memory:" works for tests.
	DBPath string

	// TelemetryPath is the JSONL event file. Empty disables telemetry.
	TelemetryPath string

	// OpenAIKey enables embedding generation. Empty falls back to lexical
	// similarity everywhere.
	OpenAIKey string

	// EmbeddingModel overrides the default embedding model.
	EmbeddingModel string

	// PassTimeout bounds each maintenance pass (default: 60s).
	PassTimeout time.Duration

	Dedup  dedup.Config
	Synth  synth.Config
	Detect detect.Config

	// Logger receives structured logs. Nil discards them.
	Logger *slog.Logger
}

// Engine is the main entry point for the consolidation system.
type Engine struct {
	config    Config
	store     store.EntityStore
	dedup     *dedup.Deduplicator
	synth     *synth.Synthesizer
	detect    *detect.Detector
	inherit   *inherit.Snapshotter
	sink      telemetry.Sink
	collector metrics.Collector
	logger    *slog.Logger
	ownsStore bool
}

// New creates an Engine backed by a SQLite store at cfg.DBPath.
func New(cfg Config) (*Engine, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%w: db path required", store.ErrValidation)
	}
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	eng, err := NewWithStore(st, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	eng.ownsStore = true
	return eng, nil
}

// NewWithStore creates an Engine over an existing store. The caller keeps
// ownership of the store's lifetime.
func NewWithStore(st store.EntityStore, cfg Config) (*Engine, error) {
	if cfg.PassTimeout == 0 {
		cfg.PassTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var embed embeddings.Client
	if cfg.OpenAIKey != "" {
		client := embeddings.NewOpenAIClient(cfg.OpenAIKey)
		if cfg.EmbeddingModel != "" {
			client.Model = cfg.EmbeddingModel
		}
		embed = client
	}

	var sink telemetry.Sink = &telemetry.NoopSink{}
	if cfg.TelemetryPath != "" {
		fs, err := telemetry.NewFileSink(cfg.TelemetryPath)
		if err != nil {
			return nil, fmt.Errorf("open telemetry sink: %w", err)
		}
		sink = fs
	}

	return &Engine{
		config:    cfg,
		store:     st,
		dedup:     dedup.New(st, cfg.Dedup, logger),
		synth:     synth.New(st, embed, cfg.Synth, logger),
		detect:    detect.New(st, cfg.Detect, logger),
		inherit:   inherit.New(st, logger),
		sink:      sink,
		collector: metrics.Default(),
		logger:    logger,
	}, nil
}

// Store exposes the underlying entity store for direct graph operations.
func (e *Engine) Store() store.EntityStore {
	return e.store
}

// Close flushes telemetry and releases the store if the engine opened it.
func (e *Engine) Close() error {
	err := e.sink.Close()
	if e.ownsStore {
		if cerr := e.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// MaintenanceReport aggregates the per-pass results of one maintenance run.
type MaintenanceReport struct {
	Dedup  *dedup.Report
	Synth  *synth.Report
	Detect *detect.Report
}

// RunMaintenance executes the dedup, synth, and detect passes in order, each
// under its own deadline. Synth clusters the "unconsolidated" set dedup
// leaves behind, so it only runs in a cycle where dedup completed; a dangling
// duplicate would otherwise be double-clustered. Detect is read-only and runs
// regardless. The joined error carries every pass failure.
func (e *Engine) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{}
	var errs []error

	runPass := func(name string, fn func(context.Context) (map[string]int64, error)) bool {
		passCtx, cancel := context.WithTimeout(ctx, e.config.PassTimeout)
		defer cancel()

		start := time.Now()
		counters, err := fn(passCtx)
		elapsed := time.Since(start)

		status := "success"
		errType := ""
		if err != nil {
			status = "error"
			errType = ClassifyError(err)
			if errType == ErrTypeConflict {
				// Another process holds the pass lock; not a failure.
				status = "skipped"
				e.logger.Info("maintenance pass already running", "pass", name)
			} else {
				errs = append(errs, fmt.Errorf("%s pass: %w", name, err))
				e.collector.RecordError(ctx, name, errType)
			}
		}

		e.collector.RecordPass(ctx, name, status, elapsed.Milliseconds())
		ev := telemetry.MaintenancePass(name, elapsed, status, errType, counters)
		if emitErr := e.sink.Emit(ctx, ev); emitErr != nil {
			e.logger.Warn("telemetry emit failed", "pass", name, "error", emitErr)
		}
		return status == "success"
	}

	dedupDone := runPass("dedup", func(ctx context.Context) (map[string]int64, error) {
		r, err := e.dedup.Run(ctx)
		report.Dedup = r
		if r == nil {
			return nil, err
		}
		return map[string]int64{
			"merged": int64(r.Merged), "pruned": int64(r.Pruned),
			"skipped": int64(r.Skipped),
		}, err
	})
	if dedupDone {
		runPass("synth", func(ctx context.Context) (map[string]int64, error) {
			r, err := e.synth.Run(ctx)
			report.Synth = r
			if r == nil {
				return nil, err
			}
			return map[string]int64{
				"clusters": int64(r.Clusters), "crystallized": int64(r.Crystallized),
				"promoted": int64(r.Promoted), "deprecated": int64(r.Deprecated),
				"patterns_created":   int64(r.PatternsCreated),
				"cross_domain_links": int64(r.CrossDomainLinks),
			}, err
		})
	} else {
		e.logger.Info("synth pass skipped", "reason", "dedup did not complete")
		e.collector.RecordPass(ctx, "synth", "skipped", 0)
		ev := telemetry.MaintenancePass("synth", 0, "skipped", "", nil)
		if emitErr := e.sink.Emit(ctx, ev); emitErr != nil {
			e.logger.Warn("telemetry emit failed", "pass", "synth", "error", emitErr)
		}
	}
	runPass("detect", func(ctx context.Context) (map[string]int64, error) {
		r, err := e.detect.Run(ctx)
		report.Detect = r
		if r == nil {
			return nil, err
		}
		return map[string]int64{
			"emitted": int64(r.Emitted), "suppressed": int64(r.Suppressed),
		}, err
	})

	return report, errors.Join(errs...)
}

// SessionInfo describes an opened session.
type SessionInfo struct {
	ID        string
	Inherited *inherit.Snapshot
}

// OpenSession creates a Session entity and captures its inheritance snapshot.
// An unavailable store degrades the snapshot instead of failing the open.
func (e *Engine) OpenSession(ctx context.Context, domain string) (*SessionInfo, error) {
	session := &store.Entity{
		Kind:   store.KindSession,
		Domain: domain,
		Status: store.StatusConfirmed,
	}
	sessionID, err := e.store.Create(ctx, session)
	if err != nil {
		e.collector.RecordError(ctx, "session.open", ClassifyError(err))
		return nil, err
	}

	snap, err := e.inherit.Capture(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	counters := map[string]int64{"inherited": int64(snap.Total)}
	for kind, n := range snap.PerKind {
		counters["inherited_"+string(kind)] = int64(n)
	}
	ev := telemetry.SessionStart(sessionID, counters)
	if snap.Degraded {
		ev.Status = "degraded"
	}
	if emitErr := e.sink.Emit(ctx, ev); emitErr != nil {
		e.logger.Warn("telemetry emit failed", "event", ev.Event, "error", emitErr)
	}
	e.collector.RecordSession(ctx, telemetry.EventSessionStart, 0)

	e.logger.Info("session opened", "session", sessionID,
		"inherited", snap.Total, "degraded", snap.Degraded)
	return &SessionInfo{ID: sessionID, Inherited: snap}, nil
}

// CloseSession archives the session entity. Its edges survive as the
// provenance record of what the session knew and produced.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	session, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil || session.Kind != store.KindSession {
		return fmt.Errorf("%w: session %s", store.ErrNotFound, sessionID)
	}
	if !session.Active() {
		return fmt.Errorf("%w: session %s already closed", store.ErrConflict, sessionID)
	}

	if err := e.store.Archive(ctx, sessionID, "session closed"); err != nil {
		e.collector.RecordError(ctx, "session.close", ClassifyError(err))
		return err
	}

	duration := time.Since(session.CreatedAt)
	ev := telemetry.SessionEnd(sessionID, duration, nil)
	if emitErr := e.sink.Emit(ctx, ev); emitErr != nil {
		e.logger.Warn("telemetry emit failed", "event", ev.Event, "error", emitErr)
	}
	e.collector.RecordSession(ctx, telemetry.EventSessionEnd, duration.Milliseconds())

	e.logger.Info("session closed", "session", sessionID,
		"duration_ms", duration.Milliseconds())
	return nil
}

// AddRelationship creates an edge and fires the side effects the graph
// semantics imply: a LED_TO edge corroborates its target belief or insight.
func (e *Engine) AddRelationship(ctx context.Context, r *store.Relationship) error {
	if err := e.store.CreateEdge(ctx, r); err != nil {
		e.collector.RecordError(ctx, "edge.create", ClassifyError(err))
		return err
	}
	if r.Type == store.RelLedTo {
		if err := e.synth.Corroborate(ctx, r.TargetID); err != nil {
			e.logger.Warn("corroboration failed", "target", r.TargetID, "error", err)
		}
	}
	return nil
}

// Stats returns active entity counts per kind and refreshes the count gauges.
func (e *Engine) Stats(ctx context.Context, kinds []store.Kind) (map[store.Kind]int64, error) {
	out := make(map[store.Kind]int64, len(kinds))
	for _, kind := range kinds {
		n, err := e.store.CountActive(ctx, kind)
		if err != nil {
			return nil, err
		}
		out[kind] = n
		e.collector.SetEntityCount(ctx, string(kind), n)
	}
	return out, nil
}
