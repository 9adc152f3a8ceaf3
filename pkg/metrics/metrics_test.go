package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCollector_RecordPass(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordPass(ctx, "dedup", "success", 1000)
	collector.RecordPass(ctx, "dedup", "success", 1500)
	collector.RecordPass(ctx, "dedup", "error", 500)
	collector.RecordPass(ctx, "synth", "success", 200)

	if got := testutil.CollectAndCount(collector.passesTotal); got != 3 {
		t.Errorf("expected 3 metric series (dedup/success, dedup/error, synth/success), got %d", got)
	}

	dedupSuccess := testutil.ToFloat64(collector.passesTotal.WithLabelValues("dedup", "success"))
	if dedupSuccess != 2 {
		t.Errorf("expected 2 dedup/success passes, got %f", dedupSuccess)
	}

	dedupError := testutil.ToFloat64(collector.passesTotal.WithLabelValues("dedup", "error"))
	if dedupError != 1 {
		t.Errorf("expected 1 dedup/error pass, got %f", dedupError)
	}

	if got := testutil.CollectAndCount(collector.passDuration); got != 2 {
		t.Errorf("expected 2 histogram series, got %d", got)
	}
}

func TestMetricsCollector_RecordSession(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordSession(ctx, "session.start", 0)
	collector.RecordSession(ctx, "session.start", 0)
	collector.RecordSession(ctx, "session.end", 45000)

	starts := testutil.ToFloat64(collector.sessionsTotal.WithLabelValues("session.start"))
	if starts != 2 {
		t.Errorf("expected 2 session.start events, got %f", starts)
	}
}

func TestMetricsCollector_RecordError(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordError(ctx, "dedup", "conflict")
	collector.RecordError(ctx, "dedup", "conflict")
	collector.RecordError(ctx, "session.open", "unavailable")

	conflicts := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("dedup", "conflict"))
	if conflicts != 2 {
		t.Errorf("expected 2 dedup/conflict errors, got %f", conflicts)
	}
}

func TestMetricsCollector_SetEntityCount(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.SetEntityCount(ctx, "Belief", 42)
	collector.SetEntityCount(ctx, "Belief", 40)
	collector.SetEntityCount(ctx, "Pattern", 7)

	beliefs := testutil.ToFloat64(collector.entityCount.WithLabelValues("Belief"))
	if beliefs != 40 {
		t.Errorf("expected gauge to hold latest value 40, got %f", beliefs)
	}
}

func TestMetricsCollector_Registry(t *testing.T) {
	collector := NewCollector()
	if collector.Registry() == nil {
		t.Error("expected a registry for HTTP exposure")
	}
}
