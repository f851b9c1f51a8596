// Package telemetry sets up OpenTelemetry tracing for jobs and attempts.
package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer used by the scheduler and workers.
const TracerName = "github.com/JakeFAU/directory-submitter"

// NewExporter returns a Cloud Trace exporter for projectID, or nil when no
// project is configured.
func NewExporter(projectID string) (sdktrace.SpanExporter, error) {
	if projectID == "" {
		return nil, nil
	}
	exp, err := texporter.New(texporter.WithProjectID(projectID))
	if err != nil {
		return nil, fmt.Errorf("create cloud trace exporter: %w", err)
	}
	return exp, nil
}

// InitTracerProvider installs a global tracer provider sampling the given
// ratio of root spans, and the W3C propagators used for pubsub attributes.
// A nil exporter keeps spans in process for propagation only.
func InitTracerProvider(
	ctx context.Context,
	serviceName string,
	sampleRatio float64,
	exporter sdktrace.SpanExporter,
) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// JobSpan starts a span covering one job run. Callers end it.
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func JobSpan(ctx context.Context, jobID, pkg string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "scheduler.run_job",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.package", pkg),
		),
	)
}

// AttemptSpan starts a span covering one directory attempt. Callers end it.
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func AttemptSpan(ctx context.Context, jobID, directoryID string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "worker.process_attempt",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("directory.id", directoryID),
		),
	)
}

// EndSpan records the outcome status and ends span.
func EndSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("outcome", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
