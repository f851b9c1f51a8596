package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/directory-submitter/internal/progress"
)

// PrometheusSink turns job and attempt events into collectors.
type PrometheusSink struct {
	jobsStarted     prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobsRunning     prometheus.Gauge
	jobRuntime      *prometheus.HistogramVec
	attemptsDone    *prometheus.CounterVec
	attemptsParked  prometheus.Counter
	attemptDuration *prometheus.HistogramVec
	formChanges     prometheus.Counter

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg (the default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "submitter_jobs_started_total",
			Help: "Jobs that began dispatching.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submitter_jobs_finished_total",
			Help: "Jobs finalized, partitioned by status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "submitter_jobs_running",
			Help: "Jobs currently dispatching.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "submitter_job_runtime_seconds",
			Help:    "Wall time per finalized job.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"status"}),
		attemptsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submitter_attempts_finished_total",
			Help: "Directory attempts finished, partitioned by status and category.",
		}, []string{"status", "category"}),
		attemptsParked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "submitter_attempts_parked_total",
			Help: "Attempts parked behind a manual mapping session.",
		}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "submitter_attempt_duration_seconds",
			Help:    "Attempt wall time partitioned by status.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		formChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "submitter_form_changes_total",
			Help: "Directory forms found to differ from their stored mapping.",
		}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.attemptsDone,
		s.attemptsParked,
		s.attemptDuration,
		s.formChanges,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.track(evt.JobID, true) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobDone:
			s.jobsFinished.WithLabelValues(evt.Status).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(evt.Status).Observe(evt.Dur.Seconds())
			}
			if s.track(evt.JobID, false) {
				s.jobsRunning.Dec()
			}
		case progress.StageAttemptDone:
			category := evt.Category
			if category == "" {
				category = "none"
			}
			s.attemptsDone.WithLabelValues(evt.Status, category).Inc()
			if evt.Dur > 0 {
				s.attemptDuration.WithLabelValues(evt.Status).Observe(evt.Dur.Seconds())
			}
		case progress.StageAttemptParked:
			s.attemptsParked.Inc()
		case progress.StageFormChanged:
			s.formChanges.Inc()
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// track records a job as running (start) or finished and reports whether the
// running set changed.
func (s *PrometheusSink) track(jobID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.running[jobID]
	switch {
	case start && !running:
		s.running[jobID] = struct{}{}
		return true
	case !start && running:
		delete(s.running, jobID)
		return true
	default:
		return false
	}
}
