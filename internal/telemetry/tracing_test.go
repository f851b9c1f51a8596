package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Tests in this file swap the global tracer provider, so they do not run in parallel.

func TestSpansRecordOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, job := JobSpan(context.Background(), "job_1", "growth")
	_, attempt := AttemptSpan(ctx, "job_1", "dir_1")
	EndSpan(attempt, "failed", errors.New("boom"))
	EndSpan(job, "completed", nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "worker.process_attempt", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, spans[1].SpanContext().TraceID(), spans[0].SpanContext().TraceID())
	require.Equal(t, "scheduler.run_job", spans[1].Name())
}

func TestInitTracerProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, err := InitTracerProvider(context.Background(), "directory-submitter", 1, nil)
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestInitTracerProviderExportsEndedSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), "directory-submitter", 1, exporter)
	require.NoError(t, err)

	_, span := JobSpan(context.Background(), "job_1", "growth")
	EndSpan(span, "completed", nil)
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "scheduler.run_job", spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewExporterWithoutProject(t *testing.T) {
	exp, err := NewExporter("")
	require.NoError(t, err)
	require.Nil(t, exp)
}
