// Package telemetry holds the orchestrator's OTEL instruments. The global
// MeterProvider is used; without one configured every instrument is a no-op,
// so instrumented code paths never need nil checks.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lucasnoah/mergefactory"

// Metrics bundles the pipeline's counters.
type Metrics struct {
	EventsIngested metric.Int64Counter
	Deduped        metric.Int64Counter
	Superseded     metric.Int64Counter
	Transitions    metric.Int64Counter
	StageRetries   metric.Int64Counter
	StageTimeouts  metric.Int64Counter
}

// New creates the metric instruments on the global meter.
func New() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.EventsIngested, err = meter.Int64Counter("pipeline.events.ingested",
		metric.WithDescription("Webhook deliveries accepted and normalized")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.Deduped, err = meter.Int64Counter("pipeline.events.deduped",
		metric.WithDescription("Webhook re-deliveries acknowledged without effect")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.Superseded, err = meter.Int64Counter("pipeline.events.superseded",
		metric.WithDescription("Stale events discarded after a newer commit took over")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.Transitions, err = meter.Int64Counter("pipeline.transitions",
		metric.WithDescription("Validation-run stage transitions applied")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.StageRetries, err = meter.Int64Counter("pipeline.stage.retries",
		metric.WithDescription("Stage attempts scheduled beyond the first")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.StageTimeouts, err = meter.Int64Counter("pipeline.stage.timeouts",
		metric.WithDescription("Stage attempts ended by the wall-clock budget")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return m, nil
}

// WithStage builds the attribute set used on stage-scoped counters.
func WithStage(stage string) metric.AddOption {
	return metric.WithAttributes(attribute.String("stage", stage))
}

// Count is a nil-safe increment helper: telemetry is optional everywhere.
func Count(ctx context.Context, c metric.Int64Counter, opts ...metric.AddOption) {
	if c != nil {
		c.Add(ctx, 1, opts...)
	}
}
