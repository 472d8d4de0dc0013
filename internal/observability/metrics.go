package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests and materializations take
// - Traffic: Request, submission and poll throughput
// - Errors: Rate of failures
// - Saturation: Notifier queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Aggregation metrics
	RecordsCreated          metric.Int64Counter
	RecordsCompleted        metric.Int64Counter
	JobsSubmitted           metric.Int64Counter
	JobPolls                metric.Int64Counter
	Materializations        metric.Int64Counter
	MaterializationDuration metric.Float64Histogram
	SlotWrites              metric.Int64Counter

	// Notifier metrics (Latency, Traffic, Errors, Saturation)
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyRequeued  metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("aggregator")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Aggregation metrics
	m.RecordsCreated, err = meter.Int64Counter(
		"records_created_total",
		metric.WithDescription("Total number of aggregate records created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RecordsCompleted, err = meter.Int64Counter(
		"records_completed_total",
		metric.WithDescription("Total number of aggregate records that reached completion"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of provider job submissions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobPolls, err = meter.Int64Counter(
		"job_polls_total",
		metric.WithDescription("Total number of job status polls by translated status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Materializations, err = meter.Int64Counter(
		"materializations_total",
		metric.WithDescription("Total number of result materializations"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MaterializationDuration, err = meter.Float64Histogram(
		"materialization_duration_seconds",
		metric.WithDescription("Download plus upload latency of a materialization in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SlotWrites, err = meter.Int64Counter(
		"slot_writes_total",
		metric.WithDescription("Total number of conditional slot writes by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyRequeued, err = meter.Int64Counter(
		"notify_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events in the notifier queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRecordCreated records a new aggregate record.
func (m *Metrics) RecordRecordCreated(ctx context.Context, slotCount int) {
	m.RecordsCreated.Add(ctx, 1, metric.WithAttributes(slotCountAttr(slotCount)))
}

// RecordRecordCompleted records a record's completion transition.
func (m *Metrics) RecordRecordCompleted(ctx context.Context, slotCount int) {
	m.RecordsCompleted.Add(ctx, 1, metric.WithAttributes(slotCountAttr(slotCount)))
}

// RecordJobSubmitted records a provider submission attempt.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, success bool) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordJobPoll records a translated status poll.
func (m *Metrics) RecordJobPoll(ctx context.Context, status string) {
	m.JobPolls.Add(ctx, 1, metric.WithAttributes(jobStatusAttr(status)))
}

// RecordMaterialization records a materialization attempt with its duration.
func (m *Metrics) RecordMaterialization(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.Materializations.Add(ctx, 1, attrs)
	m.MaterializationDuration.Record(ctx, durationSeconds, attrs)
}

// RecordSlotWrite records a conditional slot write outcome.
func (m *Metrics) RecordSlotWrite(ctx context.Context, outcome string) {
	m.SlotWrites.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordNotifyDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a requeued event.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
