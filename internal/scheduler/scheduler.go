// Package scheduler turns purchases into jobs and drives each job's attempts
// through the worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/aggregate"
	"github.com/JakeFAU/directory-submitter/internal/catalog"
	"github.com/JakeFAU/directory-submitter/internal/dispatcher"
	"github.com/JakeFAU/directory-submitter/internal/manual"
	"github.com/JakeFAU/directory-submitter/internal/metrics"
	"github.com/JakeFAU/directory-submitter/internal/progress"
	"github.com/JakeFAU/directory-submitter/internal/queue/memory"
	"github.com/JakeFAU/directory-submitter/internal/submission"
	"github.com/JakeFAU/directory-submitter/internal/worker"
)

// Scheduler errors.
var (
	ErrInvalidPurchase = errors.New("invalid purchase")
	ErrNoDirectories   = errors.New("no eligible directories")
)

// Dispatcher hands tasks to the attempt pool.
type Dispatcher interface {
	Submit(ctx context.Context, task worker.Task) (*dispatcher.Handle, error)
}

// Finalizer closes finished jobs.
type Finalizer interface {
	Finalize(ctx context.Context, jobID string) (aggregate.Summary, error)
}

// Sessions is the part of the manual session manager the scheduler relies on.
type Sessions interface {
	OnClose(fn manual.Listener)
	Get(id string) (manual.Session, error)
	Cancel(ctx context.Context, id string) (manual.Session, error)
	Active() int
}

// Status is the staff view of the queue.
type Status struct {
	Pending        int            `json:"pending"`
	InProgress     int            `json:"in_progress"`
	Running        map[string]int `json:"running_by_package"`
	Next           *memory.Ticket `json:"next,omitempty"`
	NextPriority   int            `json:"next_priority,omitempty"`
	Paused         bool           `json:"paused"`
	LastError      string         `json:"last_error,omitempty"`
	ActiveSessions int            `json:"active_sessions"`
}

// Scheduler owns job intake, ordering, and per-job dispatch.
type Scheduler struct {
	catalog   submission.Catalog
	jobs      submission.JobStore
	queue     *memory.Queue
	dispatch  Dispatcher
	finalizer Finalizer
	sessions  Sessions
	packages  submission.Packages
	ids       submission.IDGenerator
	events    progress.Emitter
	clock     submission.Clock
	logger    *zap.Logger

	mu          sync.Mutex
	paused      bool
	lastErr     error
	resumed     chan struct{}
	running     map[string]*jobState
	unfinalized []string
}

// New constructs a Scheduler and subscribes it to session closures. sessions
// and events may be nil.
func New(
	cat submission.Catalog,
	jobs submission.JobStore,
	queue *memory.Queue,
	dispatch Dispatcher,
	finalizer Finalizer,
	sessions Sessions,
	packages submission.Packages,
	ids submission.IDGenerator,
	events progress.Emitter,
	clock submission.Clock,
	logger *zap.Logger,
) *Scheduler {
	if events == nil {
		events = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		catalog:   cat,
		jobs:      jobs,
		queue:     queue,
		dispatch:  dispatch,
		finalizer: finalizer,
		sessions:  sessions,
		packages:  packages,
		ids:       ids,
		events:    events,
		clock:     clock,
		logger:    logger,
		resumed:   make(chan struct{}),
		running:   make(map[string]*jobState),
	}
	if sessions != nil {
		sessions.OnClose(s.sessionClosed)
	}
	return s
}

// Submit creates a job for a purchase and queues it.
func (s *Scheduler) Submit(ctx context.Context, p submission.Purchase) (submission.SubmissionJob, error) {
	if err := validatePurchase(p); err != nil {
		return submission.SubmissionJob{}, err
	}
	policy, err := s.packages.Lookup(p.Package)
	if err != nil {
		return submission.SubmissionJob{}, fmt.Errorf("submit purchase: %w", err)
	}
	targets, err := s.targets(ctx, policy, p.Directories)
	if err != nil {
		return submission.SubmissionJob{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return submission.SubmissionJob{}, fmt.Errorf("submit purchase: %w", err)
	}
	job := submission.SubmissionJob{
		ID:          id,
		CustomerID:  p.CustomerID,
		Package:     policy.Name,
		Profile:     p.Profile,
		Directories: targets,
		Status:      submission.JobStatusPending,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return submission.SubmissionJob{}, fmt.Errorf("submit purchase: %w", err)
	}
	if err := s.queue.Enqueue(ctx, memory.Ticket{JobID: job.ID, Package: job.Package, EnqueuedAt: job.CreatedAt}); err != nil {
		return submission.SubmissionJob{}, fmt.Errorf("submit purchase: %w", err)
	}
	metrics.SetQueueDepth(s.queue.Stats().Pending)
	s.logger.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("customer_id", job.CustomerID),
		zap.String("package", job.Package),
		zap.Int("directories", len(targets)),
	)
	return s.jobs.GetJob(ctx, job.ID)
}

// targets expands the package into its directory list. An explicit list is
// validated against the catalog, then ordered and capped the same way.
func (s *Scheduler) targets(ctx context.Context, policy submission.PackagePolicy, explicit []string) ([]string, error) {
	var dirs []submission.Directory
	if len(explicit) == 0 {
		listed, err := s.catalog.ListDirectories(ctx, submission.DirectoryFilter{Package: &policy})
		if err != nil {
			return nil, fmt.Errorf("expand package %s: %w", policy.Name, err)
		}
		dirs = listed
	} else {
		seen := make(map[string]bool, len(explicit))
		for _, id := range explicit {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			dir, err := s.catalog.GetDirectory(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("expand package %s: %w", policy.Name, err)
			}
			dirs = append(dirs, dir)
		}
		catalog.SortDirectories(dirs)
		if policy.DirectoryLimit > 0 && len(dirs) > policy.DirectoryLimit {
			dirs = dirs[:policy.DirectoryLimit]
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("expand package %s: %w", policy.Name, ErrNoDirectories)
	}
	ids := make([]string, 0, len(dirs))
	for _, d := range dirs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func validatePurchase(p submission.Purchase) error {
	switch {
	case strings.TrimSpace(p.CustomerID) == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidPurchase)
	case strings.TrimSpace(p.Package) == "":
		return fmt.Errorf("%w: package_tier is required", ErrInvalidPurchase)
	case strings.TrimSpace(p.Profile.BusinessName) == "":
		return fmt.Errorf("%w: business_profile.business_name is required", ErrInvalidPurchase)
	case strings.TrimSpace(p.Profile.Email) == "":
		return fmt.Errorf("%w: business_profile.email is required", ErrInvalidPurchase)
	}
	return nil
}

// Recover re-queues jobs left pending or in progress by a previous process and
// returns attempts that were mid-flight to pending. It returns the number of
// jobs queued.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []submission.JobStatus{submission.JobStatusInProgress, submission.JobStatusPending} {
		jobs, err := s.jobs.ListJobs(ctx, status)
		if err != nil {
			return n, fmt.Errorf("recover jobs: %w", err)
		}
		for _, job := range jobs {
			for _, at := range job.OrderedAttempts() {
				if at.Status != submission.AttemptInProgress {
					continue
				}
				if err := s.jobs.FinishAttempt(ctx, job.ID, at.DirectoryID, submission.AttemptResult{
					Status: submission.AttemptPending,
					Reason: "recovered after restart",
				}); err != nil {
					return n, fmt.Errorf("recover %s/%s: %w", job.ID, at.DirectoryID, err)
				}
			}
			if err := s.queue.Enqueue(ctx, memory.Ticket{JobID: job.ID, Package: job.Package, EnqueuedAt: job.CreatedAt}); err != nil {
				return n, fmt.Errorf("recover %s: %w", job.ID, err)
			}
			n++
		}
	}
	metrics.SetQueueDepth(s.queue.Stats().Pending)
	if n > 0 {
		s.logger.Info("recovered unfinished jobs", zap.Int("jobs", n))
	}
	return n, nil
}

// Run pulls tickets in priority order and drives each job in its own goroutine
// until ctx ends. Running jobs stop dispatching on shutdown; their attempts are
// picked up again by Recover.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if err := s.waitResumed(ctx); err != nil {
			return nil
		}
		t, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return nil
			}
			return fmt.Errorf("scheduler dequeue: %w", err)
		}
		metrics.SetQueueDepth(s.queue.Stats().Pending)
		wg.Add(1)
		go func(t memory.Ticket) {
			defer wg.Done()
			s.runJob(ctx, t)
		}(t)
	}
}

// Cancel stops dispatch for a job. Attempts already running finish; the rest
// are skipped as cancelled. A job still waiting in the queue is closed at once.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.jobs.RequestCancel(ctx, jobID); err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	s.logger.Info("job cancel requested", zap.String("job_id", jobID))
	if s.queue.Remove(jobID) {
		metrics.SetQueueDepth(s.queue.Stats().Pending)
		return s.closeUnstarted(ctx, jobID)
	}
	if st := s.state(jobID); st != nil {
		st.cancel()
		return nil
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}
	return s.closeUnstarted(ctx, jobID)
}

func (s *Scheduler) closeUnstarted(ctx context.Context, jobID string) error {
	attempts, err := s.jobs.ListAttempts(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	for _, at := range attempts {
		if at.Status != submission.AttemptPending {
			continue
		}
		task := worker.Task{JobID: jobID, DirectoryID: at.DirectoryID}
		if err := s.record(ctx, task, cancelledResult()); err != nil && !ignorable(err) {
			return fmt.Errorf("cancel %s: %w", jobID, err)
		}
		s.dropSession(ctx, at.SessionID)
	}
	if _, err := s.finalizer.Finalize(ctx, jobID); err != nil && !errors.Is(err, submission.ErrAttemptsOutstanding) {
		return fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return nil
}

// Resume clears a pause, wakes every job waiting to dispatch, and retries
// finalizations that failed while paused.
func (s *Scheduler) Resume(ctx context.Context) error {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.lastErr = nil
	close(s.resumed)
	s.resumed = make(chan struct{})
	pending := s.unfinalized
	s.unfinalized = nil
	s.mu.Unlock()
	if wasPaused {
		s.logger.Info("dispatch resumed")
	}

	var errs []error
	for _, jobID := range pending {
		if err := s.finalize(ctx, jobID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueueStatus reports queue depth, running jobs, and the pause state.
func (s *Scheduler) QueueStatus() Status {
	qs := s.queue.Stats()
	s.mu.Lock()
	st := Status{
		Pending:      qs.Pending,
		InProgress:   len(s.running),
		Running:      qs.Running,
		Next:         qs.Next,
		NextPriority: qs.NextPriority,
		Paused:       s.paused,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()
	if s.sessions != nil {
		st.ActiveSessions = s.sessions.Active()
	}
	return st
}

// Paused reports whether dispatch is held after an infrastructure failure.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) pause(err error) {
	s.mu.Lock()
	already := s.paused
	s.paused = true
	s.lastErr = err
	s.mu.Unlock()
	if !already {
		s.logger.Error("dispatch paused on infrastructure failure", zap.Error(err))
	}
}

// pauseState returns whether dispatch is paused and the channel closed by the
// next Resume.
func (s *Scheduler) pauseState() (bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, s.resumed
}

func (s *Scheduler) waitResumed(ctx context.Context) error {
	for {
		paused, resumed := s.pauseState()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resumed:
		}
	}
}

func (s *Scheduler) state(jobID string) *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[jobID]
}

// finalize closes a job, deferring it to the next Resume on infrastructure failure.
func (s *Scheduler) finalize(ctx context.Context, jobID string) error {
	if _, err := s.finalizer.Finalize(ctx, jobID); err != nil {
		if submission.IsInfrastructure(err) {
			s.mu.Lock()
			s.unfinalized = append(s.unfinalized, jobID)
			s.mu.Unlock()
			s.pause(err)
		}
		return fmt.Errorf("finalize %s: %w", jobID, err)
	}
	return nil
}

// record writes a result the scheduler decided on its own (cancellation,
// closed sessions) and reports it like a worker would.
func (s *Scheduler) record(ctx context.Context, task worker.Task, result submission.AttemptResult) error {
	if err := s.jobs.FinishAttempt(ctx, task.JobID, task.DirectoryID, result); err != nil {
		return err
	}
	metrics.ObserveAttempt(string(result.Status), string(result.Category))
	s.events.Emit(progress.Event{
		JobID:       task.JobID,
		DirectoryID: task.DirectoryID,
		TS:          s.clock.Now(),
		Stage:       progress.StageAttemptDone,
		Status:      string(result.Status),
		Category:    string(result.Category),
		Tier:        result.MappingTier,
	})
	return nil
}

func cancelledResult() submission.AttemptResult {
	return submission.AttemptResult{
		Status:   submission.AttemptSkipped,
		Category: submission.CategoryCancelled,
		Reason:   "job cancelled before dispatch",
	}
}

func (s *Scheduler) dropSession(ctx context.Context, id string) {
	if id == "" || s.sessions == nil {
		return
	}
	if _, err := s.sessions.Cancel(ctx, id); err != nil {
		s.logger.Debug("session already closed", zap.String("session_id", id), zap.Error(err))
	}
}

// ignorable reports attempt races that leave nothing to do.
func ignorable(err error) bool {
	return errors.Is(err, submission.ErrAttemptTerminal) || errors.Is(err, submission.ErrAttemptInProgress)
}
