package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

const (
	jobColumns     = `id, customer_id, package, profile, directories, status, counters, cancel_requested, created_at, started_at, finished_at`
	attemptColumns = `job_id, directory_id, status, mapping_tier, confidence, category, skip_reason, reason, attempts, history, session_id, multi_step, started_at, finished_at`
)

// JobStore persists submission jobs in one table and their attempts in another.
// Attempt claims are single UPDATE statements guarded on status, so two workers
// can never own the same attempt.
type JobStore struct {
	pool     Pool
	clock    submission.Clock
	jobs     string
	attempts string
}

var _ submission.JobStore = (*JobStore)(nil)

// NewJobStore wraps pool. A nil clock uses wall time.
func NewJobStore(pool Pool, tables Tables, clock submission.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := tables.resolve()
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool, clock: clock, jobs: t.Jobs, attempts: t.Attempts}, nil
}

// CreateJob inserts the job row and one pending attempt per target directory.
func (s *JobStore) CreateJob(ctx context.Context, job submission.SubmissionJob) error {
	if job.Status == "" {
		job.Status = submission.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	profile, err := json.Marshal(job.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	directories, err := json.Marshal(job.Directories)
	if err != nil {
		return fmt.Errorf("encode directories: %w", err)
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}

	insertJob := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.jobs, jobColumns)
	insertAttempt := fmt.Sprintf(`INSERT INTO %s (job_id, directory_id, position, status)
VALUES ($1, $2, $3, $4)`, s.attempts)

	return inTx(ctx, s.pool, "create job", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertJob,
			job.ID, job.CustomerID, job.Package, profile, directories, string(job.Status), counters,
			job.CancelRequested, job.CreatedAt, job.StartedAt, job.FinishedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("create job %s: already exists", job.ID)
			}
			return submission.Infrastructure("create job", err)
		}
		for i, dirID := range job.Directories {
			if _, err := tx.Exec(ctx, insertAttempt,
				job.ID, dirID, i, string(submission.AttemptPending),
			); err != nil {
				return submission.Infrastructure("create attempt", err)
			}
		}
		return nil
	})
}

// GetJob loads one job with its attempts.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (submission.SubmissionJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.jobs)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return submission.SubmissionJob{}, fmt.Errorf("get job %s: %w", jobID, submission.ErrJobNotFound)
	}
	if err != nil {
		return submission.SubmissionJob{}, submission.Infrastructure("get job", err)
	}
	if err := s.loadAttempts(ctx, &job); err != nil {
		return submission.SubmissionJob{}, err
	}
	return job, nil
}

// ListJobs returns jobs with status (all when empty), oldest first.
func (s *JobStore) ListJobs(ctx context.Context, status submission.JobStatus) ([]submission.SubmissionJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ($1 = '' OR status = $1) ORDER BY created_at, id`,
		jobColumns, s.jobs)
	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, submission.Infrastructure("list jobs", err)
	}
	var jobs []submission.SubmissionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, submission.Infrastructure("scan job", err)
		}
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, submission.Infrastructure("list jobs", err)
	}
	for i := range jobs {
		if err := s.loadAttempts(ctx, &jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// UpdateJobStatus records a transition. Terminal jobs are left untouched and a
// terminal status is refused while any attempt is still open.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status submission.JobStatus,
	counters submission.JobCounters,
) error {
	raw, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %[1]s SET
	status = $2,
	counters = $3,
	started_at = CASE WHEN $2 = 'in_progress' THEN COALESCE(started_at, $4) ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('completed', 'failed') THEN $4 ELSE finished_at END
WHERE id = $1
	AND status NOT IN ('completed', 'failed')
	AND ($2 NOT IN ('completed', 'failed') OR NOT EXISTS (
		SELECT 1 FROM %[2]s WHERE job_id = $1 AND status IN ('pending', 'in_progress')))`,
		s.jobs, s.attempts)
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), raw, s.now())
	if err != nil {
		return submission.Infrastructure("update job", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := s.jobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return nil
	}
	return fmt.Errorf("update job %s: %w", jobID, submission.ErrAttemptsOutstanding)
}

// RequestCancel flags the job so no further attempts are dispatched.
func (s *JobStore) RequestCancel(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`UPDATE %s SET cancel_requested = TRUE WHERE id = $1`, s.jobs)
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return submission.Infrastructure("cancel job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cancel job %s: %w", jobID, submission.ErrJobNotFound)
	}
	return nil
}

// StartAttempt claims a pending attempt.
func (s *JobStore) StartAttempt(ctx context.Context, jobID, directoryID string) (submission.DirectoryAttempt, error) {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'in_progress',
	started_at = COALESCE(started_at, $3)
WHERE job_id = $1 AND directory_id = $2 AND status = 'pending'
RETURNING %s`, s.attempts, attemptColumns)
	attempt, err := scanAttempt(s.pool.QueryRow(ctx, query, jobID, directoryID, s.now()))
	if err == nil {
		return attempt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return submission.DirectoryAttempt{}, submission.Infrastructure("start attempt", err)
	}
	current, err := s.attemptStatus(ctx, jobID, directoryID)
	if err != nil {
		return submission.DirectoryAttempt{}, err
	}
	if current.Terminal() {
		return submission.DirectoryAttempt{}, fmt.Errorf("start %s/%s: %w", jobID, directoryID, submission.ErrAttemptTerminal)
	}
	return submission.DirectoryAttempt{}, fmt.Errorf("start %s/%s: %w", jobID, directoryID, submission.ErrAttemptInProgress)
}

// FinishAttempt applies a worker result. Pending results park the attempt.
func (s *JobStore) FinishAttempt(
	ctx context.Context,
	jobID, directoryID string,
	result submission.AttemptResult,
) error {
	status := result.Status
	if status == "" {
		status = submission.AttemptPending
	}
	history := result.History
	if history == nil {
		history = []submission.AttemptTry{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	var finishedAt *time.Time
	if status.Terminal() {
		finishedAt = submission.PointerTime(s.now())
	}
	query := fmt.Sprintf(`UPDATE %s SET
	status = $3,
	mapping_tier = CASE WHEN $4 <> '' THEN $4 ELSE mapping_tier END,
	confidence = CASE WHEN $4 <> '' THEN $5 ELSE confidence END,
	category = $6,
	skip_reason = $7,
	reason = $8,
	session_id = $9,
	history = history || $10::jsonb,
	attempts = jsonb_array_length(history || $10::jsonb),
	finished_at = $11,
	multi_step = $12
WHERE job_id = $1 AND directory_id = $2 AND status IN ('pending', 'in_progress')`, s.attempts)
	tag, err := s.pool.Exec(ctx, query,
		jobID, directoryID, string(status), result.MappingTier, result.Confidence,
		string(result.Category), string(result.SkipReason), result.Reason, result.SessionID,
		raw, finishedAt, result.MultiStep,
	)
	if err != nil {
		return submission.Infrastructure("finish attempt", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.attemptStatus(ctx, jobID, directoryID); err != nil {
		return err
	}
	return fmt.Errorf("finish %s/%s: %w", jobID, directoryID, submission.ErrAttemptTerminal)
}

// ListAttempts returns a job's attempts in target order.
func (s *JobStore) ListAttempts(ctx context.Context, jobID string) ([]submission.DirectoryAttempt, error) {
	attempts, err := s.queryAttempts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		if _, err := s.jobStatus(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return attempts, nil
}

// Close releases the pool.
func (s *JobStore) Close() {
	s.pool.Close()
}

func (s *JobStore) loadAttempts(ctx context.Context, job *submission.SubmissionJob) error {
	attempts, err := s.queryAttempts(ctx, job.ID)
	if err != nil {
		return err
	}
	job.Attempts = make(map[string]*submission.DirectoryAttempt, len(attempts))
	for i := range attempts {
		a := attempts[i]
		job.Attempts[a.DirectoryID] = &a
	}
	return nil
}

func (s *JobStore) queryAttempts(ctx context.Context, jobID string) ([]submission.DirectoryAttempt, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1 ORDER BY position`, attemptColumns, s.attempts)
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, submission.Infrastructure("list attempts", err)
	}
	defer rows.Close()
	var out []submission.DirectoryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, submission.Infrastructure("scan attempt", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, submission.Infrastructure("list attempts", err)
	}
	return out, nil
}

func (s *JobStore) jobStatus(ctx context.Context, jobID string) (submission.JobStatus, error) {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.jobs)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", jobID, submission.ErrJobNotFound)
	}
	if err != nil {
		return "", submission.Infrastructure("job status", err)
	}
	return submission.JobStatus(status), nil
}

func (s *JobStore) attemptStatus(ctx context.Context, jobID, directoryID string) (submission.AttemptStatus, error) {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE job_id = $1 AND directory_id = $2`, s.attempts)
	err := s.pool.QueryRow(ctx, query, jobID, directoryID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("attempt %s/%s: %w", jobID, directoryID, submission.ErrAttemptNotFound)
	}
	if err != nil {
		return "", submission.Infrastructure("attempt status", err)
	}
	return submission.AttemptStatus(status), nil
}

func (s *JobStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func scanJob(row pgx.Row) (submission.SubmissionJob, error) {
	var (
		job                            submission.SubmissionJob
		status                         string
		profile, directories, counters []byte
	)
	if err := row.Scan(
		&job.ID, &job.CustomerID, &job.Package, &profile, &directories, &status, &counters,
		&job.CancelRequested, &job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	); err != nil {
		return submission.SubmissionJob{}, err
	}
	job.Status = submission.JobStatus(status)
	if err := json.Unmarshal(profile, &job.Profile); err != nil {
		return submission.SubmissionJob{}, fmt.Errorf("decode profile: %w", err)
	}
	if err := json.Unmarshal(directories, &job.Directories); err != nil {
		return submission.SubmissionJob{}, fmt.Errorf("decode directories: %w", err)
	}
	if err := json.Unmarshal(counters, &job.Counters); err != nil {
		return submission.SubmissionJob{}, fmt.Errorf("decode counters: %w", err)
	}
	job.Attempts = make(map[string]*submission.DirectoryAttempt)
	return job, nil
}

func scanAttempt(row pgx.Row) (submission.DirectoryAttempt, error) {
	var (
		a                      submission.DirectoryAttempt
		status, category, skip string
		history                []byte
	)
	if err := row.Scan(
		&a.JobID, &a.DirectoryID, &status, &a.MappingTier, &a.Confidence, &category, &skip,
		&a.Reason, &a.Attempts, &history, &a.SessionID, &a.MultiStep, &a.StartedAt, &a.FinishedAt,
	); err != nil {
		return submission.DirectoryAttempt{}, err
	}
	a.Status = submission.AttemptStatus(status)
	a.Category = submission.ErrorCategory(category)
	a.SkipReason = submission.SkipReason(skip)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &a.History); err != nil {
			return submission.DirectoryAttempt{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return a, nil
}
