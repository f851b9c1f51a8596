package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job_1", TS: now, Stage: progress.StageJobStart},
		{JobID: "job_1", TS: now, Stage: progress.StageJobStart},
		{JobID: "job_1", DirectoryID: "alpha", TS: now, Stage: progress.StageAttemptDone,
			Status: "success", Dur: 3 * time.Second},
		{JobID: "job_1", DirectoryID: "beta", TS: now, Stage: progress.StageAttemptDone,
			Status: "skipped", Category: "classifier_skip"},
		{JobID: "job_1", DirectoryID: "gamma", TS: now, Stage: progress.StageAttemptParked},
		{JobID: "job_1", DirectoryID: "alpha", TS: now, Stage: progress.StageFormChanged,
			Form: &progress.FormChange{Signature: "sig"}},
		{JobID: "job_1", TS: now, Stage: progress.StageJobDone, Status: "completed", Dur: time.Minute},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.jobsStarted), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("completed")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.attemptsDone.WithLabelValues("success", "none")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.attemptsDone.WithLabelValues("skipped", "classifier_skip")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.attemptsParked), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.formChanges), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.attemptDuration, "submitter_attempt_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
