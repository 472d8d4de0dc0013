package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of every span this service starts.
const TracerName = "aggregator"

// Log fields carrying the active span.
const (
	LogFieldTraceID = "traceId"
	LogFieldSpanID  = "spanId"
)

// Tracer starts spans around the submit and poll pipeline stages.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer from tp. A nil tp yields a no-op tracer.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// NewTracerProvider returns an SDK provider that samples every span. With no
// exporter attached its spans only feed trace ids into logs.
func NewTracerProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	opts = append([]sdktrace.TracerProviderOption{sdktrace.WithSampler(sdktrace.AlwaysSample())}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}

// Start starts a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartSubmit starts a span for a provider submission.
func (t *Tracer) StartSubmit(ctx context.Context, recordID string, slot int) (context.Context, trace.Span) {
	return t.Start(ctx, "aggregate.submit", RecordAttr(recordID), SlotAttr(slot))
}

// StartPoll starts a span for one status poll and its side effects.
func (t *Tracer) StartPoll(ctx context.Context, jobID, recordID string, slot int) (context.Context, trace.Span) {
	return t.Start(ctx, "aggregate.poll", JobAttr(jobID), RecordAttr(recordID), SlotAttr(slot))
}

// StartMaterialize starts a span for a download plus upload.
func (t *Tracer) StartMaterialize(ctx context.Context, recordID string, slot int) (context.Context, trace.Span) {
	return t.Start(ctx, "aggregate.materialize", RecordAttr(recordID), SlotAttr(slot))
}

// StartSlotWrite starts a span for the conditional slot write.
func (t *Tracer) StartSlotWrite(ctx context.Context, recordID string, slot int) (context.Context, trace.Span) {
	return t.Start(ctx, "aggregate.slot_write", RecordAttr(recordID), SlotAttr(slot))
}

// StartCompletion starts a span for the completion check.
func (t *Tracer) StartCompletion(ctx context.Context, recordID string) (context.Context, trace.Span) {
	return t.Start(ctx, "aggregate.completion", RecordAttr(recordID))
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// LoggerWithTrace returns a logger enriched with trace context.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logger
	}
	return logger.With(
		slog.String(LogFieldTraceID, span.SpanContext().TraceID().String()),
		slog.String(LogFieldSpanID, span.SpanContext().SpanID().String()),
	)
}
