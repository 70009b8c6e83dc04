// Package observe provides the service's observability primitives:
// OpenTelemetry metrics and tracing, trace-aware slog loggers and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping by [InitProvider]. [DefaultMetrics] returns a
// package-level instance bound to the global meter provider; tests should
// use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every recitalign metric.
const meterName = "github.com/MrWong99/recitalign"

// Pipeline stages, used as the "stage" attribute and as span names.
const (
	StageDecode   = "decode"
	StageVAD      = "vad"
	StageClean    = "clean"
	StageASR      = "asr"
	StageAlign    = "align"
	StagePipeline = "pipeline"
)

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// StageDuration tracks the latency of each pipeline stage. Attributes:
	//   attribute.String("stage", ...), attribute.String("operation", ...)
	StageDuration metric.Float64Histogram

	// PipelineRuns counts orchestrator calls. Attributes:
	//   attribute.String("operation", ...), attribute.String("outcome", ...)
	PipelineRuns metric.Int64Counter

	// SegmentsAligned counts aligned segments by final state
	// (matched, tier1_retry, tier2_retry, reanchor, failed) and special type.
	SegmentsAligned metric.Int64Counter

	// TierAttempts and TierPasses count retry tier usage. Attribute:
	//   attribute.String("tier", "tier1"|"tier2")
	TierAttempts metric.Int64Counter
	TierPasses   metric.Int64Counter

	// Reanchors counts global re-anchoring after consecutive failures.
	Reanchors metric.Int64Counter

	// QuotaFallbacks counts GPU requests served on CPU. Attribute:
	//   attribute.String("reason", "quota"|"busy")
	QuotaFallbacks metric.Int64Counter

	// ProviderRequests counts model server calls. Attributes:
	//   attribute.String("kind", "vad"|"asr"), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SegmentConfidence records per-segment alignment confidence.
	SegmentConfidence metric.Float64Histogram

	// HTTPRequestDuration tracks request latency. Attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// stageBuckets spans per-segment ASR calls up to full hour-long recordings.
var stageBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

var confidenceBuckets = []float64{0.25, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.StageDuration, err = m.Float64Histogram("recitalign.stage.duration",
		metric.WithDescription("Latency of a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineRuns, err = m.Int64Counter("recitalign.pipeline.runs",
		metric.WithDescription("Pipeline operations by operation and outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsAligned, err = m.Int64Counter("recitalign.segments.aligned",
		metric.WithDescription("Aligned segments by final state."),
	); err != nil {
		return nil, err
	}
	if met.TierAttempts, err = m.Int64Counter("recitalign.align.tier.attempts",
		metric.WithDescription("Retry tier attempts by tier."),
	); err != nil {
		return nil, err
	}
	if met.TierPasses, err = m.Int64Counter("recitalign.align.tier.passes",
		metric.WithDescription("Retry tier successes by tier."),
	); err != nil {
		return nil, err
	}
	if met.Reanchors, err = m.Int64Counter("recitalign.align.reanchors",
		metric.WithDescription("Global re-anchoring events."),
	); err != nil {
		return nil, err
	}
	if met.QuotaFallbacks, err = m.Int64Counter("recitalign.quota.fallbacks",
		metric.WithDescription("GPU requests served on CPU by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("recitalign.provider.requests",
		metric.WithDescription("Model server requests by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentConfidence, err = m.Float64Histogram("recitalign.segment.confidence",
		metric.WithDescription("Alignment confidence per segment."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("recitalign.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// ObserveActiveSessions registers an asynchronous gauge reporting fn() as
// the number of cached sessions.
func (m *Metrics) ObserveActiveSessions(fn func() int64) error {
	_, err := m.meter.Int64ObservableGauge("recitalign.sessions.active",
		metric.WithDescription("Number of cached sessions."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to
// [otel.GetMeterProvider], creating it on first call. Panics if instrument
// creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage, operation string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(Attr("stage", stage), Attr("operation", operation)))
}

// RecordRun counts one orchestrator call.
func (m *Metrics) RecordRun(ctx context.Context, operation, outcome string) {
	m.PipelineRuns.Add(ctx, 1,
		metric.WithAttributes(Attr("operation", operation), Attr("outcome", outcome)))
}

// RecordSegment counts one aligned segment and its confidence.
func (m *Metrics) RecordSegment(ctx context.Context, state, special string, confidence float64) {
	m.SegmentsAligned.Add(ctx, 1,
		metric.WithAttributes(Attr("state", state), Attr("special", special)))
	m.SegmentConfidence.Record(ctx, confidence)
}

// RecordTiers adds one run's retry tier counters.
func (m *Metrics) RecordTiers(ctx context.Context, tier1Attempts, tier1Passed, tier2Attempts, tier2Passed, reanchors int) {
	t1 := metric.WithAttributes(Attr("tier", "tier1"))
	t2 := metric.WithAttributes(Attr("tier", "tier2"))
	m.TierAttempts.Add(ctx, int64(tier1Attempts), t1)
	m.TierPasses.Add(ctx, int64(tier1Passed), t1)
	m.TierAttempts.Add(ctx, int64(tier2Attempts), t2)
	m.TierPasses.Add(ctx, int64(tier2Passed), t2)
	m.Reanchors.Add(ctx, int64(reanchors))
}

// RecordQuotaFallback counts one GPU request served on CPU.
func (m *Metrics) RecordQuotaFallback(ctx context.Context, reason string) {
	m.QuotaFallbacks.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordProviderRequest counts one model server call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(Attr("kind", kind), Attr("status", status)))
}
