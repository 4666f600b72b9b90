// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing optionally initializes a global tracer provider with sampling and propagation.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Observability.Tracing.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("mqc3-scheduler"),
		semconv.ServiceVersionKey.String("1.0.0"),
		semconv.HostNameKey.String(hostname),
	)

	sampler := sdktrace.TraceIDRatioBased(cfg.Observability.Tracing.Sampling)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// ContextWithJobSpan starts a span for a lifecycle transition against a job
// record, tagging it with the identifiers an operator would search traces by.
func ContextWithJobSpan(ctx context.Context, op string, rec *model.Record) (context.Context, trace.Span) {
	tracer := otel.Tracer("scheduler")
	ctx, span := tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("job.id", rec.JobID),
			attribute.String("job.backend", rec.BackendCanonical),
			attribute.String("job.status", string(rec.Status)),
			attribute.String("job.role", rec.Role),
			attribute.Int64("job.version", rec.Version),
		),
	)
	return ctx, span
}

// StartSubmissionSpan creates a span for an incoming SubmitJob RPC.
func StartSubmissionSpan(ctx context.Context, backend string, role string) (context.Context, trace.Span) {
	tracer := otel.Tracer("scheduler.submission")
	return tracer.Start(ctx, "submission.submit_job",
		trace.WithAttributes(
			attribute.String("job.backend_requested", backend),
			attribute.String("job.role", role),
		),
	)
}

// StartDispatchSpan creates a span for a worker's AssignNextJob poll.
func StartDispatchSpan(ctx context.Context, backend string) (context.Context, trace.Span) {
	tracer := otel.Tracer("scheduler.execution")
	return tracer.Start(ctx, "execution.assign_next_job",
		trace.WithAttributes(
			attribute.String("job.backend", backend),
		),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
