package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// JobStore keeps submission jobs and their attempts in memory.
type JobStore struct {
	clock submission.Clock

	mu   sync.RWMutex
	jobs map[string]*submission.SubmissionJob
}

var _ submission.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore. A nil clock uses wall time.
func NewJobStore(clock submission.Clock) *JobStore {
	return &JobStore{
		clock: clock,
		jobs:  make(map[string]*submission.SubmissionJob),
	}
}

// CreateJob stores a new job, creating a pending attempt for every target
// directory that does not already carry one.
func (s *JobStore) CreateJob(_ context.Context, job submission.SubmissionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: already exists", job.ID)
	}
	cp := job.Clone()
	if cp.Status == "" {
		cp.Status = submission.JobStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	for _, dirID := range cp.Directories {
		if _, ok := cp.Attempts[dirID]; ok {
			continue
		}
		cp.Attempts[dirID] = &submission.DirectoryAttempt{
			JobID:       cp.ID,
			DirectoryID: dirID,
			Status:      submission.AttemptPending,
		}
	}
	s.jobs[cp.ID] = &cp
	return nil
}

// GetJob returns a deep copy of one job.
func (s *JobStore) GetJob(_ context.Context, jobID string) (submission.SubmissionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return submission.SubmissionJob{}, fmt.Errorf("get job %s: %w", jobID, submission.ErrJobNotFound)
	}
	return job.Clone(), nil
}

// ListJobs returns jobs with the given status (all when empty), oldest first.
func (s *JobStore) ListJobs(_ context.Context, status submission.JobStatus) ([]submission.SubmissionJob, error) {
	s.mu.RLock()
	out := make([]submission.SubmissionJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateJobStatus records a job transition. Terminal jobs are immutable and a
// job cannot turn terminal while any attempt is pending or in progress.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status submission.JobStatus,
	counters submission.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update job %s: %w", jobID, submission.ErrJobNotFound)
	}
	if job.Status.Terminal() {
		return nil
	}
	if status.Terminal() {
		for _, attempt := range job.Attempts {
			if !attempt.Status.Terminal() {
				return fmt.Errorf("update job %s: %w", jobID, submission.ErrAttemptsOutstanding)
			}
		}
	}
	now := s.now()
	job.Status = status
	job.Counters = counters
	if status == submission.JobStatusInProgress && job.StartedAt == nil {
		job.StartedAt = submission.PointerTime(now)
	}
	if status.Terminal() {
		job.FinishedAt = submission.PointerTime(now)
	}
	return nil
}

// RequestCancel flags a job so no further attempts are dispatched.
func (s *JobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("cancel job %s: %w", jobID, submission.ErrJobNotFound)
	}
	job.CancelRequested = true
	return nil
}

// StartAttempt claims a pending attempt for one worker.
func (s *JobStore) StartAttempt(_ context.Context, jobID, directoryID string) (submission.DirectoryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, err := s.attemptLocked(jobID, directoryID)
	if err != nil {
		return submission.DirectoryAttempt{}, err
	}
	switch {
	case attempt.Status == submission.AttemptInProgress:
		return submission.DirectoryAttempt{}, fmt.Errorf("start %s/%s: %w", jobID, directoryID, submission.ErrAttemptInProgress)
	case attempt.Status.Terminal():
		return submission.DirectoryAttempt{}, fmt.Errorf("start %s/%s: %w", jobID, directoryID, submission.ErrAttemptTerminal)
	}
	attempt.Status = submission.AttemptInProgress
	if attempt.StartedAt == nil {
		attempt.StartedAt = submission.PointerTime(s.now())
	}
	return attempt.Clone(), nil
}

// FinishAttempt applies a worker result. A pending result parks the attempt
// (for a manual session or a paused scheduler) instead of closing it.
func (s *JobStore) FinishAttempt(
	_ context.Context,
	jobID, directoryID string,
	result submission.AttemptResult,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, err := s.attemptLocked(jobID, directoryID)
	if err != nil {
		return err
	}
	if attempt.Status.Terminal() {
		return fmt.Errorf("finish %s/%s: %w", jobID, directoryID, submission.ErrAttemptTerminal)
	}
	applyResult(attempt, result, s.now())
	return nil
}

// ListAttempts returns a job's attempts in target order.
func (s *JobStore) ListAttempts(_ context.Context, jobID string) ([]submission.DirectoryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("list attempts %s: %w", jobID, submission.ErrJobNotFound)
	}
	return job.OrderedAttempts(), nil
}

func (s *JobStore) attemptLocked(jobID, directoryID string) (*submission.DirectoryAttempt, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("attempt %s/%s: %w", jobID, directoryID, submission.ErrJobNotFound)
	}
	attempt, ok := job.Attempts[directoryID]
	if !ok || attempt == nil {
		return nil, fmt.Errorf("attempt %s/%s: %w", jobID, directoryID, submission.ErrAttemptNotFound)
	}
	return attempt, nil
}

func (s *JobStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func applyResult(a *submission.DirectoryAttempt, r submission.AttemptResult, now time.Time) {
	a.History = append(a.History, r.History...)
	a.Attempts = len(a.History)
	if r.MappingTier != "" {
		a.MappingTier = r.MappingTier
		a.Confidence = r.Confidence
	}
	a.SessionID = r.SessionID
	a.MultiStep = r.MultiStep
	a.Category = r.Category
	a.SkipReason = r.SkipReason
	a.Reason = r.Reason
	if r.Status == submission.AttemptPending || r.Status == "" {
		a.Status = submission.AttemptPending
		return
	}
	a.Status = r.Status
	a.FinishedAt = submission.PointerTime(now)
}
