package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/dispatcher"
	"github.com/JakeFAU/directory-submitter/internal/manual"
	"github.com/JakeFAU/directory-submitter/internal/mapping"
	"github.com/JakeFAU/directory-submitter/internal/progress"
	"github.com/JakeFAU/directory-submitter/internal/queue/memory"
	"github.com/JakeFAU/directory-submitter/internal/submission"
	"github.com/JakeFAU/directory-submitter/internal/telemetry"
	"github.com/JakeFAU/directory-submitter/internal/worker"
)

// jobState is the live bookkeeping of one running job. Cancel and the session
// listener reach the job's drive loop through it.
type jobState struct {
	mu        sync.Mutex
	cancelled bool
	parked    map[string]worker.Task
	closed    map[string]manual.Session
	ready     []worker.Task
	decided   map[string]submission.AttemptResult
	reclaim   map[string]bool
	wake      chan struct{}
	stop      context.CancelFunc
}

func newJobState(stop context.CancelFunc) *jobState {
	return &jobState{
		parked:  make(map[string]worker.Task),
		closed:  make(map[string]manual.Session),
		decided: make(map[string]submission.AttemptResult),
		reclaim: make(map[string]bool),
		wake:    make(chan struct{}, 1),
		stop:    stop,
	}
}

func (j *jobState) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *jobState) cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
	j.stop()
	j.signal()
}

func (j *jobState) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// park records an attempt waiting on a session. When the session already
// closed, it is returned instead and the attempt is not parked.
func (j *jobState) park(sessionID string, task worker.Task) (manual.Session, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s, ok := j.closed[sessionID]; ok {
		delete(j.closed, sessionID)
		return s, true
	}
	j.parked[sessionID] = task
	return manual.Session{}, false
}

// closeSession returns the task parked on a session. A session closing before
// its attempt was parked is remembered for park.
func (j *jobState) closeSession(s manual.Session) (worker.Task, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	task, ok := j.parked[s.ID]
	if !ok {
		j.closed[s.ID] = s
		return worker.Task{}, false
	}
	delete(j.parked, s.ID)
	return task, true
}

func (j *jobState) takeParked() map[string]worker.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.parked
	j.parked = make(map[string]worker.Task)
	return out
}

func (j *jobState) waiting() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.parked)
}

func (j *jobState) push(task worker.Task) {
	j.mu.Lock()
	j.ready = append(j.ready, task)
	j.mu.Unlock()
	j.signal()
}

func (j *jobState) takeReady() []worker.Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.ready
	j.ready = nil
	return out
}

// decide queues task to have result recorded in place of a dispatch.
func (j *jobState) decide(task worker.Task, result submission.AttemptResult) {
	j.mu.Lock()
	j.decided[task.DirectoryID] = result
	j.ready = append(j.ready, task)
	j.mu.Unlock()
	j.signal()
}

func (j *jobState) decision(dirID string) (submission.AttemptResult, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, ok := j.decided[dirID]
	return res, ok
}

func (j *jobState) clearDecision(dirID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.decided, dirID)
}

func (j *jobState) markReclaim(dirID string, on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if on {
		j.reclaim[dirID] = true
		return
	}
	delete(j.reclaim, dirID)
}

func (j *jobState) needsReclaim(dirID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reclaim[dirID]
}

// runJob drives one dequeued job to completion and releases its package slot.
func (s *Scheduler) runJob(ctx context.Context, t memory.Ticket) {
	defer s.queue.Release(t.Package)
	logger := s.logger.With(zap.String("job_id", t.JobID), zap.String("package", t.Package))
	ctx, span := telemetry.JobSpan(ctx, t.JobID, t.Package)
	defer span.End()

	dispatchCtx, stop := context.WithCancel(ctx)
	defer stop()
	st := newJobState(stop)
	s.mu.Lock()
	s.running[t.JobID] = st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, t.JobID)
		s.mu.Unlock()
	}()

	job, err := s.jobs.GetJob(ctx, t.JobID)
	if err != nil {
		s.abandon(ctx, t, err, logger)
		return
	}
	if job.Status.Terminal() {
		return
	}
	if job.CancelRequested {
		st.cancel()
	}
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, submission.JobStatusInProgress, job.Counters); err != nil {
		s.abandon(ctx, t, err, logger)
		return
	}
	s.events.Emit(progress.Event{JobID: job.ID, TS: s.clock.Now(), Stage: progress.StageJobStart, Note: job.Package})
	logger.Info("job started", zap.Int("directories", len(job.Directories)))

	if !s.drive(ctx, dispatchCtx, st, s.plan(job, st), logger) {
		logger.Info("job interrupted by shutdown")
		return
	}
	if err := s.finalize(ctx, job.ID); err != nil {
		logger.Error("finalize job failed", zap.Error(err))
	}
}

// abandon gives up on a ticket that could not be started. Infrastructure
// failures pause dispatch and put the ticket back.
func (s *Scheduler) abandon(ctx context.Context, t memory.Ticket, err error, logger *zap.Logger) {
	if !submission.IsInfrastructure(err) || ctx.Err() != nil {
		logger.Error("job not started", zap.Error(err))
		return
	}
	s.pause(err)
	if qerr := s.queue.Enqueue(context.WithoutCancel(ctx), t); qerr != nil {
		logger.Error("requeue job failed", zap.Error(qerr))
	}
}

// plan lists the attempts still to dispatch, in target order. Attempts parked
// on a session that is still open wait for it to close instead.
func (s *Scheduler) plan(job submission.SubmissionJob, st *jobState) []worker.Task {
	var todo []worker.Task
	for _, at := range job.OrderedAttempts() {
		task := worker.Task{JobID: job.ID, DirectoryID: at.DirectoryID, Package: job.Package, Profile: job.Profile}
		switch {
		case at.Status.Terminal():
			continue
		case at.Status == submission.AttemptInProgress:
			st.markReclaim(at.DirectoryID, true)
		case at.SessionID != "" && s.sessionOpen(at.SessionID):
			if sess, closed := st.park(at.SessionID, task); closed {
				s.resolveSession(st, task, sess)
			}
			continue
		}
		todo = append(todo, task)
	}
	return todo
}

func (s *Scheduler) sessionOpen(id string) bool {
	if s.sessions == nil {
		return false
	}
	sess, err := s.sessions.Get(id)
	return err == nil && !sess.Status.Terminal()
}

// drive dispatches todo in order and waits for every attempt, including those
// parked on manual sessions. It returns false when ctx ends first.
func (s *Scheduler) drive(
	ctx, dispatchCtx context.Context,
	st *jobState,
	todo []worker.Task,
	logger *zap.Logger,
) bool {
	results := make(chan worker.Outcome)
	inflight := 0
	for {
		todo = append(st.takeReady(), todo...)
		paused, resumed := s.pauseState()
		cancelled := st.isCancelled()
		if cancelled && !paused {
			todo = s.skipRemaining(ctx, st, todo, logger)
		}
		if len(todo) == 0 && inflight == 0 && st.waiting() == 0 {
			return true
		}

		if len(todo) > 0 && !paused && !cancelled {
			task := todo[0]
			if result, ok := st.decision(task.DirectoryID); ok {
				if err := s.record(ctx, task, result); err != nil && !ignorable(err) {
					if submission.IsInfrastructure(err) {
						s.pause(err)
						continue
					}
					logger.Error("record decided attempt failed", zap.String("directory_id", task.DirectoryID), zap.Error(err))
				}
				st.clearDecision(task.DirectoryID)
				todo = todo[1:]
				continue
			}
			if st.needsReclaim(task.DirectoryID) {
				if err := s.reclaim(ctx, task); err != nil {
					s.pause(err)
					continue
				}
				st.markReclaim(task.DirectoryID, false)
			}
			h, err := s.dispatch.Submit(dispatchCtx, task)
			switch {
			case err == nil:
				todo = todo[1:]
				inflight++
				go s.await(ctx, h, results)
				continue
			case ctx.Err() != nil, errors.Is(err, dispatcher.ErrStopped):
				return false
			default:
				// dispatchCtx ends only on Cancel; the next pass skips the rest
				continue
			}
		}

		select {
		case out := <-results:
			inflight--
			if s.settle(ctx, st, out, logger) {
				todo = append([]worker.Task{out.Task}, todo...)
			}
		case <-st.wake:
		case <-resumed:
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Scheduler) await(ctx context.Context, h *dispatcher.Handle, results chan<- worker.Outcome) {
	out, err := h.Wait(ctx)
	if err != nil {
		out = worker.Outcome{Task: h.Task, Err: err}
	}
	select {
	case results <- out:
	case <-ctx.Done():
	}
}

// settle books one outcome and reports whether the task must be dispatched again.
func (s *Scheduler) settle(ctx context.Context, st *jobState, out worker.Outcome, logger *zap.Logger) bool {
	logger = logger.With(zap.String("directory_id", out.Task.DirectoryID))
	switch {
	case out.Err == nil && out.Parked():
		if sess, closed := st.park(out.Result.SessionID, out.Task); closed {
			s.resolveSession(st, out.Task, sess)
		}
	case out.Err == nil:
	case submission.IsInfrastructure(out.Err):
		s.pause(out.Err)
		st.markReclaim(out.Task.DirectoryID, true)
		return true
	case ctx.Err() != nil:
	case ignorable(out.Err):
		logger.Debug("attempt owned elsewhere", zap.Error(out.Err))
	default:
		logger.Warn("attempt returned without result", zap.Error(out.Err))
	}
	return false
}

// reclaim returns an attempt left in progress by a failed store write to pending.
func (s *Scheduler) reclaim(ctx context.Context, task worker.Task) error {
	attempts, err := s.jobs.ListAttempts(ctx, task.JobID)
	if err != nil {
		return asInfrastructure("reclaim attempt", err)
	}
	for _, at := range attempts {
		if at.DirectoryID != task.DirectoryID || at.Status != submission.AttemptInProgress {
			continue
		}
		err := s.jobs.FinishAttempt(ctx, task.JobID, task.DirectoryID, submission.AttemptResult{
			Status: submission.AttemptPending,
			Reason: "reclaimed after infrastructure failure",
		})
		if err != nil {
			return asInfrastructure("reclaim attempt", err)
		}
	}
	return nil
}

// skipRemaining closes every undispatched and parked attempt of a cancelled
// job. Tasks whose result could not be stored are returned for another pass.
func (s *Scheduler) skipRemaining(
	ctx context.Context,
	st *jobState,
	todo []worker.Task,
	logger *zap.Logger,
) []worker.Task {
	var keep []worker.Task
	for _, task := range todo {
		result, ok := st.decision(task.DirectoryID)
		if !ok {
			result = cancelledResult()
		}
		if err := s.record(ctx, task, result); err != nil && !ignorable(err) {
			if submission.IsInfrastructure(err) {
				s.pause(err)
				keep = append(keep, task)
				continue
			}
			logger.Warn("skip cancelled attempt failed", zap.String("directory_id", task.DirectoryID), zap.Error(err))
		}
		st.clearDecision(task.DirectoryID)
	}
	for sessionID, task := range st.takeParked() {
		if err := s.record(ctx, task, cancelledResult()); err != nil && !ignorable(err) {
			logger.Warn("skip parked attempt failed", zap.String("directory_id", task.DirectoryID), zap.Error(err))
		}
		s.dropSession(ctx, sessionID)
	}
	return keep
}

// sessionClosed is the manual session listener.
func (s *Scheduler) sessionClosed(sess manual.Session) {
	st := s.state(sess.JobID)
	if st == nil {
		return
	}
	task, ok := st.closeSession(sess)
	if !ok {
		return
	}
	s.resolveSession(st, task, sess)
}

// resolveSession re-dispatches an attempt whose session stored a mapping and
// fails one whose session expired or was cancelled.
func (s *Scheduler) resolveSession(st *jobState, task worker.Task, sess manual.Session) {
	logger := s.logger.With(
		zap.String("job_id", task.JobID),
		zap.String("directory_id", task.DirectoryID),
		zap.String("session_id", sess.ID),
	)
	if sess.Status == manual.StatusCompleted {
		logger.Info("manual mapping captured, re-dispatching")
		st.push(task)
		return
	}
	result := submission.AttemptResult{
		Status:      submission.AttemptFailed,
		MappingTier: string(mapping.TierManual),
		Category:    submission.CategoryMappingUnresolved,
		Reason:      fmt.Sprintf("manual session %s", sess.Status),
		SessionID:   sess.ID,
	}
	if sess.Status == manual.StatusExpired {
		result.Category = submission.CategorySessionExpired
	}
	if err := s.record(context.Background(), task, result); err != nil && !ignorable(err) {
		logger.Error("record closed session failed", zap.Error(err))
		if submission.IsInfrastructure(err) {
			s.pause(err)
			// a fresh run would find the session closed and lose its outcome
			st.decide(task, result)
			return
		}
	}
	st.signal()
}

func asInfrastructure(op string, err error) error {
	if submission.IsInfrastructure(err) {
		return err
	}
	return submission.Infrastructure(op, err)
}
