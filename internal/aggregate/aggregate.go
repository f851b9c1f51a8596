// Package aggregate turns a job's attempts into counters, summaries, and reports.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/metrics"
	"github.com/JakeFAU/directory-submitter/internal/progress"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// TopicJobFinalized is the event name published once per finished job.
const TopicJobFinalized = "job.finalized"

// Failure is one failed attempt as staff see it.
type Failure struct {
	DirectoryID string                   `json:"directory_id"`
	Category    submission.ErrorCategory `json:"category"`
	Reason      string                   `json:"reason,omitempty"`
}

// Summary is the staff view of a job.
type Summary struct {
	JobID       string               `json:"job_id"`
	CustomerID  string               `json:"customer_id"`
	Package     string               `json:"package_tier"`
	Status      submission.JobStatus `json:"status"`
	Total       int                  `json:"total"`
	Success     int                  `json:"success"`
	Failed      int                  `json:"failed"`
	Skipped     int                  `json:"skipped"`
	Pending     int                  `json:"pending"`
	Retries     int                  `json:"retries"`
	SuccessRate float64              `json:"success_rate"`
	Failures    []Failure            `json:"failures,omitempty"`
}

// CustomerSummary exposes categories and counts only.
type CustomerSummary struct {
	JobID       string                           `json:"job_id"`
	Status      submission.JobStatus             `json:"status"`
	Total       int                              `json:"total"`
	Success     int                              `json:"success"`
	Failed      int                              `json:"failed"`
	Skipped     int                              `json:"skipped"`
	Pending     int                              `json:"pending"`
	SuccessRate float64                          `json:"success_rate"`
	Categories  map[submission.ErrorCategory]int `json:"categories"`
}

// JobFinalized is the payload published when a job turns terminal.
type JobFinalized struct {
	JobID      string                 `json:"job_id"`
	CustomerID string                 `json:"customer_id"`
	Package    string                 `json:"package_tier"`
	Status     submission.JobStatus   `json:"status"`
	Counters   submission.JobCounters `json:"counters"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Aggregator reads attempts from the job store and finalizes jobs.
type Aggregator struct {
	jobs      submission.JobStore
	catalog   submission.Catalog
	publisher submission.Publisher
	events    progress.Emitter
	clock     submission.Clock
	logger    *zap.Logger
}

// New constructs an Aggregator. catalog, publisher, and events may be nil.
func New(
	jobs submission.JobStore,
	catalog submission.Catalog,
	publisher submission.Publisher,
	events progress.Emitter,
	clock submission.Clock,
	logger *zap.Logger,
) *Aggregator {
	if events == nil {
		events = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		jobs:      jobs,
		catalog:   catalog,
		publisher: publisher,
		events:    events,
		clock:     clock,
		logger:    logger,
	}
}

// Counters tallies terminal attempts. Success rate is success/(success+failed),
// zero when nothing succeeded or failed; skips do not count against it.
func Counters(attempts []submission.DirectoryAttempt) submission.JobCounters {
	var c submission.JobCounters
	for _, a := range attempts {
		switch a.Status {
		case submission.AttemptSuccess:
			c.Success++
		case submission.AttemptFailed:
			c.Failed++
		case submission.AttemptSkipped:
			c.Skipped++
		}
		for _, try := range a.History {
			if try.Backoff > 0 {
				c.Retries++
			}
		}
	}
	if denom := c.Success + c.Failed; denom > 0 {
		c.SuccessRate = float64(c.Success) / float64(denom)
	}
	return c
}

// Summarize builds the staff summary of a job.
func (a *Aggregator) Summarize(ctx context.Context, jobID string) (Summary, error) {
	job, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize %s: %w", jobID, err)
	}
	return summarize(job), nil
}

func summarize(job submission.SubmissionJob) Summary {
	attempts := job.OrderedAttempts()
	c := Counters(attempts)
	s := Summary{
		JobID:       job.ID,
		CustomerID:  job.CustomerID,
		Package:     job.Package,
		Status:      job.Status,
		Total:       len(attempts),
		Success:     c.Success,
		Failed:      c.Failed,
		Skipped:     c.Skipped,
		Retries:     c.Retries,
		SuccessRate: c.SuccessRate,
	}
	for _, at := range attempts {
		switch {
		case !at.Status.Terminal():
			s.Pending++
		case at.Status == submission.AttemptFailed:
			s.Failures = append(s.Failures, Failure{DirectoryID: at.DirectoryID, Category: at.Category, Reason: at.Reason})
		}
	}
	return s
}

// CustomerSummary returns counts and category tallies without failure text.
func (a *Aggregator) CustomerSummary(ctx context.Context, jobID string) (CustomerSummary, error) {
	job, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return CustomerSummary{}, fmt.Errorf("customer summary %s: %w", jobID, err)
	}
	s := summarize(job)
	out := CustomerSummary{
		JobID:       s.JobID,
		Status:      s.Status,
		Total:       s.Total,
		Success:     s.Success,
		Failed:      s.Failed,
		Skipped:     s.Skipped,
		Pending:     s.Pending,
		SuccessRate: s.SuccessRate,
		Categories:  make(map[submission.ErrorCategory]int),
	}
	for _, at := range job.OrderedAttempts() {
		if at.Status.Terminal() && at.Category != submission.CategoryNone {
			out.Categories[at.Category]++
		}
	}
	return out, nil
}

// Finalize closes a job once every attempt is terminal. A job with no
// successes is failed. Calling it on a terminal job returns its summary.
func (a *Aggregator) Finalize(ctx context.Context, jobID string) (Summary, error) {
	job, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Summary{}, fmt.Errorf("finalize %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return summarize(job), nil
	}
	attempts := job.OrderedAttempts()
	for _, at := range attempts {
		if !at.Status.Terminal() {
			return Summary{}, fmt.Errorf("finalize %s: %w", jobID, submission.ErrAttemptsOutstanding)
		}
	}
	counters := Counters(attempts)
	status := submission.JobStatusCompleted
	if counters.Success == 0 {
		status = submission.JobStatusFailed
	}
	if err := a.jobs.UpdateJobStatus(ctx, jobID, status, counters); err != nil {
		if errors.Is(err, submission.ErrAttemptsOutstanding) || submission.IsInfrastructure(err) {
			return Summary{}, fmt.Errorf("finalize %s: %w", jobID, err)
		}
		return Summary{}, submission.Infrastructure("finalize "+jobID, err)
	}
	job, err = a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Summary{}, fmt.Errorf("finalize %s: %w", jobID, err)
	}

	now := a.clock.Now()
	metrics.ObserveJob(string(job.Status))
	a.events.Emit(progress.Event{JobID: jobID, TS: now, Stage: progress.StageJobDone, Status: string(job.Status)})
	a.publish(ctx, job, now)
	a.logger.Info("job finalized",
		zap.String("job_id", jobID),
		zap.String("status", string(job.Status)),
		zap.Int("success", job.Counters.Success),
		zap.Int("failed", job.Counters.Failed),
		zap.Int("skipped", job.Counters.Skipped),
		zap.Float64("success_rate", job.Counters.SuccessRate),
	)
	return summarize(job), nil
}

func (a *Aggregator) publish(ctx context.Context, job submission.SubmissionJob, now time.Time) {
	if a.publisher == nil {
		return
	}
	finishedAt := now
	if job.FinishedAt != nil {
		finishedAt = *job.FinishedAt
	}
	msgID, err := a.publisher.Publish(ctx, TopicJobFinalized, JobFinalized{
		JobID:      job.ID,
		CustomerID: job.CustomerID,
		Package:    job.Package,
		Status:     job.Status,
		Counters:   job.Counters,
		FinishedAt: finishedAt,
	})
	if err != nil {
		a.logger.Warn("publish job.finalized failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	a.logger.Debug("job.finalized published", zap.String("job_id", job.ID), zap.String("message_id", msgID))
}
