// Package observe provides the OpenTelemetry metrics recorded by a batch run.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so that the status server can expose
// them on /metrics. Tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/imitablerabbit/document-to-tts"

// Item outcomes used as the "status" attribute of the items counter.
const (
	StatusGenerated = "generated"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Metrics holds the metric instruments for a batch run.
type Metrics struct {
	// SynthesisDuration tracks how long one item takes to synthesize and
	// write, labelled with the backend and status.
	SynthesisDuration metric.Float64Histogram

	// Items counts processed items. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	Items metric.Int64Counter

	// TextBytes counts bytes of text submitted for synthesis.
	TextBytes metric.Int64Counter

	// RunsInProgress is 1 while a batch run is active.
	RunsInProgress metric.Int64UpDownCounter
}

// synthesisBuckets covers sub-second cached voices up to multi-minute CPU runs.
var synthesisBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SynthesisDuration, err = m.Float64Histogram("tts_txt.synthesis.duration",
		metric.WithDescription("Latency of synthesizing and writing one item."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(synthesisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Items, err = m.Int64Counter("tts_txt.items",
		metric.WithDescription("Processed items by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.TextBytes, err = m.Int64Counter("tts_txt.text.bytes",
		metric.WithDescription("Bytes of text submitted for synthesis."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RunsInProgress, err = m.Int64UpDownCounter("tts_txt.runs.in_progress",
		metric.WithDescription("Number of batch runs currently in progress."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// RecordItem records the outcome of one item. Skipped items carry no duration.
func (m *Metrics) RecordItem(ctx context.Context, backend, status string, textBytes int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	)
	m.Items.Add(ctx, 1, attrs)
	if status == StatusSkipped {
		return
	}
	m.SynthesisDuration.Record(ctx, d.Seconds(), attrs)
	m.TextBytes.Add(ctx, int64(textBytes), metric.WithAttributes(attribute.String("backend", backend)))
}

// RunStarted marks a run as in progress and returns a func that marks it done.
func (m *Metrics) RunStarted(ctx context.Context) func() {
	m.RunsInProgress.Add(ctx, 1)
	return func() { m.RunsInProgress.Add(ctx, -1) }
}
