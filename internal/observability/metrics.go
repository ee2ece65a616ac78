package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the runner's metrics:
// - Latency: how long engine jobs take
// - Traffic: runs and jobs processed
// - Errors: runs ending in Error, jobs not classified as success
// - Saturation: engine jobs in flight, dispatcher queue depth
type Metrics struct {
	meter metric.Meter

	// Run and job metrics
	RunsTotal    metric.Int64Counter
	JobsTotal    metric.Int64Counter
	JobDuration  metric.Float64Histogram
	JobsActive   metric.Int64UpDownCounter
	StatusWrites metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobchain")
	m := &Metrics{meter: meter}

	m.RunsTotal, err = meter.Int64Counter(
		"jobchain_runs_total",
		metric.WithDescription("Total number of runs finished, by final state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobchain_jobs_total",
		metric.WithDescription("Total number of engine jobs finished, by step and outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Engine jobs run from minutes to many hours.
	m.JobDuration, err = meter.Float64Histogram(
		"jobchain_job_duration_seconds",
		metric.WithDescription("Engine job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 600, 1800, 3600, 7200, 14400, 28800, 86400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobchain_jobs_active",
		metric.WithDescription("Number of engine jobs currently running"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StatusWrites, err = meter.Int64Counter(
		"jobchain_status_writes_total",
		metric.WithDescription("Total number of status file writes, by state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDuration, err = meter.Float64Histogram(
		"jobchain_dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"jobchain_dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"jobchain_dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"jobchain_dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"jobchain_dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"jobchain_dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordJobStarted records an engine job being launched.
func (m *Metrics) RecordJobStarted(ctx context.Context, step string) {
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(stepAttr(step)))
}

// RecordJobFinished records an engine job ending with the given outcome.
func (m *Metrics) RecordJobFinished(ctx context.Context, step, outcome string, duration time.Duration) {
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(stepAttr(step)))

	attrs := metric.WithAttributes(stepAttr(step), outcomeAttr(outcome))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRunFinished records the final state of a run.
func (m *Metrics) RecordRunFinished(ctx context.Context, state string) {
	m.RunsTotal.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordStatusWrite records a status file write.
func (m *Metrics) RecordStatusWrite(ctx context.Context, state string) {
	m.StatusWrites.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
