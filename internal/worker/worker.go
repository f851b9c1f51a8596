// Package worker runs one directory attempt end to end.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/classifier"
	"github.com/JakeFAU/directory-submitter/internal/fingerprint"
	"github.com/JakeFAU/directory-submitter/internal/manual"
	"github.com/JakeFAU/directory-submitter/internal/mapping"
	"github.com/JakeFAU/directory-submitter/internal/metrics"
	"github.com/JakeFAU/directory-submitter/internal/progress"
	"github.com/JakeFAU/directory-submitter/internal/submission"
	"github.com/JakeFAU/directory-submitter/internal/telemetry"
)

// Config controls pacing between directories.
type Config struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// Task identifies one attempt to run.
type Task struct {
	JobID       string
	DirectoryID string
	Package     string
	Profile     submission.BusinessProfile
}

// Outcome is what Process reports back to the scheduler.
type Outcome struct {
	Task   Task
	Result submission.AttemptResult
	// Err is set when nothing was recorded: the attempt was owned elsewhere,
	// or the job store failed and the attempt went back to pending.
	Err      error
	Duration time.Duration
}

// Parked reports whether the attempt is waiting on a manual session.
func (o Outcome) Parked() bool {
	return o.Err == nil && o.Result.Status == submission.AttemptPending && o.Result.SessionID != ""
}

// Resolver picks a field mapping for a directory form.
type Resolver interface {
	Resolve(ctx context.Context, dir submission.Directory, fields []submission.FormField) (mapping.Result, error)
}

// SessionOpener starts manual mapping sessions.
type SessionOpener interface {
	Open(ctx context.Context, req manual.OpenRequest) (manual.Session, error)
}

// Pacer spaces requests to the same host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
	Cooldown(url string, d time.Duration)
}

// RetryPolicy bounds page-load and fill-and-submit retries.
type RetryPolicy interface {
	ShouldRetry(err error, retries int) bool
	Backoff(retry int) time.Duration
}

// Worker executes attempts. It holds no per-attempt state and is safe to share
// between dispatcher goroutines.
type Worker struct {
	jobs     submission.JobStore
	catalog  submission.Catalog
	driver   submission.FormDriver
	resolver Resolver
	sessions SessionOpener
	packages submission.Packages
	retry    RetryPolicy
	pacer    Pacer
	events   progress.Emitter
	hasher   submission.Hasher
	clock    submission.Clock
	cfg      Config
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker. Pacing defaults to a random 800ms to 2200ms and
// page checksums to SHA-256.
func New(
	jobs submission.JobStore,
	catalog submission.Catalog,
	driver submission.FormDriver,
	resolver Resolver,
	sessions SessionOpener,
	packages submission.Packages,
	retry RetryPolicy,
	pacer Pacer,
	events progress.Emitter,
	hasher submission.Hasher,
	clock submission.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.MinDelay <= 0 && cfg.MaxDelay <= 0 {
		cfg.MinDelay = 800 * time.Millisecond
		cfg.MaxDelay = 2200 * time.Millisecond
	}
	if retry == nil {
		retry = submission.NewExponentialRetryPolicy(submission.RetryConfig{MaxRetries: 2})
	}
	if events == nil {
		events = progress.Discard
	}
	if hasher == nil {
		hasher = fingerprint.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobs:     jobs,
		catalog:  catalog,
		driver:   driver,
		resolver: resolver,
		sessions: sessions,
		packages: packages,
		retry:    retry,
		pacer:    pacer,
		events:   events,
		hasher:   hasher,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Process claims the attempt, runs it, and records the result.
func (w *Worker) Process(ctx context.Context, task Task) (out Outcome) {
	ctx, span := telemetry.AttemptSpan(ctx, task.JobID, task.DirectoryID)
	defer func() { telemetry.EndSpan(span, string(out.Result.Status), out.Err) }()

	start := w.clock.Now()
	logger := w.logger.With(zap.String("job_id", task.JobID), zap.String("directory_id", task.DirectoryID))

	attempt, err := w.jobs.StartAttempt(ctx, task.JobID, task.DirectoryID)
	if err != nil {
		if submission.IsInfrastructure(err) {
			logger.Error("claim attempt failed", zap.Error(err))
		} else {
			logger.Debug("attempt not claimed", zap.Error(err))
		}
		return Outcome{Task: task, Err: err}
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.emit(progress.Event{JobID: task.JobID, DirectoryID: task.DirectoryID, TS: start, Stage: progress.StageAttemptStart})

	result, site, err := w.run(ctx, task, attempt, logger)
	if err != nil {
		w.release(ctx, task, err, logger)
		return Outcome{Task: task, Err: err, Duration: w.clock.Now().Sub(start)}
	}
	if err := w.jobs.FinishAttempt(ctx, task.JobID, task.DirectoryID, result); err != nil {
		logger.Error("record attempt failed", zap.Error(err))
		if !submission.IsInfrastructure(err) {
			err = submission.Infrastructure("record attempt", err)
		}
		w.release(ctx, task, err, logger)
		return Outcome{Task: task, Err: err, Duration: w.clock.Now().Sub(start)}
	}

	out = Outcome{Task: task, Result: result, Duration: w.clock.Now().Sub(start)}
	w.report(out, site, logger)
	return out
}

// run performs the attempt and returns its result. A non-nil error means the
// result could not be determined and the attempt must go back to pending.
func (w *Worker) run(
	ctx context.Context,
	task Task,
	attempt submission.DirectoryAttempt,
	logger *zap.Logger,
) (submission.AttemptResult, string, error) {
	dir, err := w.catalog.GetDirectory(ctx, task.DirectoryID)
	if err != nil {
		if submission.IsInfrastructure(err) {
			return submission.AttemptResult{}, "", err
		}
		return failed(submission.CategoryFor(err), err.Error()), "", nil
	}
	url := dir.SubmissionURL
	if url == "" {
		url = dir.URL
	}

	if d := classifier.ForDirectory(dir); d.Skip {
		return skipped(d.Reason, "catalog flags the directory"), url, nil
	}

	pg, history, err := w.load(ctx, dir, url, logger)
	if err != nil {
		if ctx.Err() != nil {
			return submission.AttemptResult{}, url, fmt.Errorf("page load interrupted: %w", ctx.Err())
		}
		var skipErr *skipError
		if errors.As(err, &skipErr) {
			out := skipped(skipErr.reason, skipErr.text)
			out.History = history
			return out, url, nil
		}
		out := failed(submission.CategoryFor(err), err.Error())
		out.History = history
		return out, url, nil
	}
	w.noteFormChange(task, dir, url, pg, logger)

	out, err := w.complete(ctx, task, attempt, dir, url, pg, logger)
	if err != nil {
		return submission.AttemptResult{}, url, err
	}
	out.History = append(history, out.History...)
	out.MultiStep = pg.signal.MultiStep
	return out, url, nil
}

// complete resolves a mapping for the loaded form and submits it, or parks the
// attempt for manual mapping.
func (w *Worker) complete(
	ctx context.Context,
	task Task,
	attempt submission.DirectoryAttempt,
	dir submission.Directory,
	url string,
	pg page,
	logger *zap.Logger,
) (submission.AttemptResult, error) {
	res, err := w.resolver.Resolve(ctx, dir, pg.fields)
	if err != nil {
		if submission.IsInfrastructure(err) {
			return submission.AttemptResult{}, err
		}
		return failed(submission.CategoryMappingUnresolved, err.Error()), nil
	}
	metrics.ObserveResolution(string(res.Tier))

	policy, err := w.packages.Lookup(task.Package)
	if err != nil {
		return failed(submission.CategoryPermanent, err.Error()), nil
	}
	if res.NeedsManual(policy.ManualConfidenceMin) {
		return w.park(ctx, task, attempt, policy, res, pg.fields, logger), nil
	}

	if err := w.pace(ctx, url); err != nil {
		return submission.AttemptResult{}, err
	}

	history, submitErr := w.submit(ctx, url, res.Mapping, task.Profile, logger)
	if submitErr != nil && ctx.Err() != nil {
		return submission.AttemptResult{}, fmt.Errorf("submit interrupted: %w", ctx.Err())
	}
	var skipErr *skipError
	if errors.As(submitErr, &skipErr) {
		out := skipped(skipErr.reason, skipErr.text)
		out.History = history
		return out, nil
	}
	if submitErr != nil {
		out := failed(submission.CategoryFor(submitErr), submitErr.Error())
		out.MappingTier = string(res.Tier)
		out.Confidence = res.Confidence
		out.History = history
		return out, nil
	}

	if res.Tier == mapping.TierSiteSpecific {
		if err := w.catalog.MarkVerified(ctx, dir.ID); err != nil {
			logger.Warn("mark mapping verified failed", zap.Error(err))
		}
	}
	return submission.AttemptResult{
		Status:      submission.AttemptSuccess,
		MappingTier: string(res.Tier),
		Confidence:  res.Confidence,
		History:     history,
	}, nil
}

// page is a loaded submission page and the controls of its listing form.
type page struct {
	signal submission.PageSignal
	fields []submission.FormField
}

// load inspects the submission page and discovers its form, retrying transient
// failures per the retry policy. Only failed tries land in the history.
func (w *Worker) load(
	ctx context.Context,
	dir submission.Directory,
	url string,
	logger *zap.Logger,
) (page, []submission.AttemptTry, error) {
	var history []submission.AttemptTry
	for retries := 0; ; retries++ {
		pg, cooled, err := w.loadOnce(ctx, dir, url)
		if err == nil {
			return pg, history, nil
		}
		var skipErr *skipError
		if errors.As(err, &skipErr) {
			return page{}, history, err
		}
		try := submission.AttemptTry{At: w.clock.Now(), Category: submission.CategoryFor(err), Error: err.Error()}
		if ctx.Err() != nil || !w.retry.ShouldRetry(err, retries) {
			return page{}, append(history, try), err
		}
		try.Backoff = max(w.retry.Backoff(retries+1), cooled)
		history = append(history, try)
		metrics.ObserveRetry(url)
		logger.Info("retrying page load",
			zap.Int("retry", retries+1),
			zap.Duration("backoff", try.Backoff),
			zap.Error(err),
		)
		if err := w.backoff(ctx, url, try.Backoff, cooled); err != nil {
			return page{}, history, fmt.Errorf("retry backoff: %w", err)
		}
	}
}

// loadOnce makes one pass over the page. cooled is the host cooldown a rate
// limited response asked for.
func (w *Worker) loadOnce(ctx context.Context, dir submission.Directory, url string) (page, time.Duration, error) {
	sig, err := w.driver.Probe(ctx, url)
	if err != nil {
		return page{}, 0, fmt.Errorf("load page: %w", err)
	}
	if d := classifier.Classify(sig); d.Skip {
		return page{}, 0, &skipError{reason: d.Reason, text: "page signals " + string(d.Reason)}
	}
	if err := classifier.RateLimitError(sig); err != nil {
		return page{}, w.cooldown(url, sig.RetryAfter), err
	}
	if dir.Mapping != nil {
		if sel, ok := classifier.SkipIndicated(sig, dir.Mapping.SkipIndicators); ok {
			return page{}, 0, &skipError{reason: submission.SkipIndicator, text: "page shows skip indicator " + sel}
		}
	}
	fields, err := w.driver.DiscoverFormFields(ctx, url)
	if err != nil {
		return page{}, 0, fmt.Errorf("discover fields: %w", err)
	}
	return page{signal: sig, fields: fields}, 0, nil
}

// noteFormChange reports a form whose signature drifted from the one its
// stored mapping was built against.
func (w *Worker) noteFormChange(task Task, dir submission.Directory, url string, pg page, logger *zap.Logger) {
	if dir.Mapping == nil || dir.Mapping.FormSignature == "" || len(pg.fields) == 0 {
		return
	}
	current := fingerprint.FormSignature(pg.fields)
	if current == dir.Mapping.FormSignature {
		return
	}
	checksum, err := w.hasher.Hash([]byte(pg.signal.HTML))
	if err != nil {
		logger.Warn("page checksum failed", zap.Error(err))
	}
	logger.Info("directory form changed",
		zap.String("previous_signature", dir.Mapping.FormSignature),
		zap.String("signature", current),
		zap.String("dom_checksum", checksum),
	)
	w.emit(progress.Event{
		JobID:       task.JobID,
		DirectoryID: task.DirectoryID,
		TS:          w.clock.Now(),
		Stage:       progress.StageFormChanged,
		Site:        metrics.SanitizeSite(url),
		Form: &progress.FormChange{
			PreviousSignature: dir.Mapping.FormSignature,
			Signature:         current,
			DOMChecksum:       checksum,
		},
	})
}

// park opens a manual session and leaves the attempt pending, or fails it as
// unresolved when the package has no manual capacity.
func (w *Worker) park(
	ctx context.Context,
	task Task,
	attempt submission.DirectoryAttempt,
	policy submission.PackagePolicy,
	res mapping.Result,
	fields []submission.FormField,
	logger *zap.Logger,
) submission.AttemptResult {
	unresolved := failed(submission.CategoryMappingUnresolved,
		fmt.Sprintf("mapping confidence %.2f below %.2f", res.Confidence, policy.ManualConfidenceMin))
	unresolved.MappingTier = string(res.Tier)
	unresolved.Confidence = res.Confidence

	switch {
	case attempt.SessionID != "":
		unresolved.Reason = "manual mapping did not resolve the form"
		return unresolved
	case w.sessions == nil || policy.ManualSessions <= 0:
		return unresolved
	}
	session, err := w.sessions.Open(ctx, manual.OpenRequest{
		DirectoryID:   task.DirectoryID,
		JobID:         task.JobID,
		Package:       policy.Name,
		Profile:       task.Profile,
		FormSignature: fingerprint.FormSignature(fields),
	})
	if err != nil {
		logger.Info("manual session unavailable", zap.Error(err))
		unresolved.Reason = "manual session unavailable: " + err.Error()
		return unresolved
	}
	return submission.AttemptResult{
		Status:      submission.AttemptPending,
		MappingTier: string(mapping.TierManual),
		Confidence:  res.Confidence,
		Reason:      "awaiting manual mapping",
		SessionID:   session.ID,
	}
}

func (w *Worker) pace(ctx context.Context, url string) error {
	if err := w.sleep(ctx, submission.RandomBetween(w.cfg.MinDelay, w.cfg.MaxDelay)); err != nil {
		return fmt.Errorf("pacing: %w", err)
	}
	if w.pacer == nil {
		return nil
	}
	if err := w.pacer.Wait(ctx, url); err != nil {
		return fmt.Errorf("pacing: %w", err)
	}
	return nil
}

// submit fills the form, retrying transient failures per the retry policy.
// Every try lands in the returned history.
func (w *Worker) submit(
	ctx context.Context,
	url string,
	m submission.FieldMapping,
	profile submission.BusinessProfile,
	logger *zap.Logger,
) ([]submission.AttemptTry, error) {
	var history []submission.AttemptTry
	for retries := 0; ; retries++ {
		cooled, err := w.submitOnce(ctx, url, m, profile)
		try := submission.AttemptTry{At: w.clock.Now()}
		if err == nil {
			return append(history, try), nil
		}
		try.Category = submission.CategoryFor(err)
		try.Error = err.Error()
		if ctx.Err() != nil || !w.retry.ShouldRetry(err, retries) {
			return append(history, try), err
		}
		try.Backoff = max(w.retry.Backoff(retries+1), cooled)
		history = append(history, try)
		metrics.ObserveRetry(url)
		logger.Info("retrying submission",
			zap.Int("retry", retries+1),
			zap.Duration("backoff", try.Backoff),
			zap.Error(err),
		)
		if err := w.backoff(ctx, url, try.Backoff, cooled); err != nil {
			return history, fmt.Errorf("retry backoff: %w", err)
		}
	}
}

// submitOnce makes one fill-and-submit. cooled is the host cooldown a rate
// limited response asked for.
func (w *Worker) submitOnce(
	ctx context.Context,
	url string,
	m submission.FieldMapping,
	profile submission.BusinessProfile,
) (time.Duration, error) {
	res, err := w.driver.FillAndSubmit(ctx, url, m, profile)
	if err != nil {
		return 0, err
	}
	if res.Success {
		return 0, nil
	}
	if d := classifier.Classify(res.Signal); d.Skip {
		return 0, &skipError{reason: d.Reason, text: "form response signals " + string(d.Reason)}
	}
	if err := classifier.RateLimitError(res.Signal); err != nil {
		return w.cooldown(url, res.Signal.RetryAfter), err
	}
	msg := strings.TrimSpace(res.Message)
	if msg == "" {
		msg = "submission not confirmed"
	}
	if res.Signal.StatusCode >= http.StatusBadRequest {
		return 0, submission.StatusError(res.Signal.StatusCode, msg)
	}
	return 0, submission.Permanent(errors.New(msg), res.Signal.StatusCode)
}

// backoff waits d before the next try. When the host was put on cooldown the
// pacer covers that part of the wait.
func (w *Worker) backoff(ctx context.Context, url string, d, cooled time.Duration) error {
	if cooled <= 0 || w.pacer == nil {
		return w.sleep(ctx, d)
	}
	if rest := d - cooled; rest > 0 {
		if err := w.sleep(ctx, rest); err != nil {
			return err
		}
	}
	return w.pacer.Wait(ctx, url)
}

// release returns an attempt to pending after an infrastructure failure or shutdown.
func (w *Worker) release(ctx context.Context, task Task, cause error, logger *zap.Logger) {
	err := w.jobs.FinishAttempt(context.WithoutCancel(ctx), task.JobID, task.DirectoryID, submission.AttemptResult{
		Status: submission.AttemptPending,
		Reason: "interrupted: " + cause.Error(),
	})
	if err != nil {
		logger.Error("return attempt to pending failed", zap.Error(err))
	}
}

func (w *Worker) report(out Outcome, site string, logger *zap.Logger) {
	evt := progress.Event{
		JobID:       out.Task.JobID,
		DirectoryID: out.Task.DirectoryID,
		TS:          w.clock.Now(),
		Site:        metrics.SanitizeSite(site),
		Status:      string(out.Result.Status),
		Category:    string(out.Result.Category),
		Tier:        out.Result.MappingTier,
		Retries:     retriesIn(out.Result.History),
		Dur:         out.Duration,
	}
	if out.Parked() {
		evt.Stage = progress.StageAttemptParked
		evt.Note = out.Result.SessionID
		logger.Info("attempt parked for manual mapping", zap.String("session_id", out.Result.SessionID))
	} else {
		evt.Stage = progress.StageAttemptDone
		metrics.ObserveAttempt(evt.Status, evt.Category)
		logger.Info("attempt finished",
			zap.String("status", evt.Status),
			zap.String("category", evt.Category),
			zap.String("mapping_tier", evt.Tier),
			zap.Int("retries", evt.Retries),
			zap.Bool("multi_step", out.Result.MultiStep),
		)
	}
	w.emit(evt)
}

func (w *Worker) emit(evt progress.Event) {
	w.events.Emit(evt)
}

// cooldown backs the host off for the response's Retry-After and returns it.
func (w *Worker) cooldown(url, retryAfter string) time.Duration {
	d := parseRetryAfter(retryAfter, w.clock.Now())
	if w.pacer != nil {
		w.pacer.Cooldown(url, d)
	}
	return d
}

type skipError struct {
	reason submission.SkipReason
	text   string
}

func (e *skipError) Error() string {
	return "skip: " + string(e.reason)
}

func failed(category submission.ErrorCategory, reason string) submission.AttemptResult {
	return submission.AttemptResult{Status: submission.AttemptFailed, Category: category, Reason: reason}
}

func skipped(reason submission.SkipReason, text string) submission.AttemptResult {
	return submission.AttemptResult{
		Status:     submission.AttemptSkipped,
		Category:   submission.CategoryClassifierSkip,
		SkipReason: reason,
		Reason:     text,
	}
}

func retriesIn(history []submission.AttemptTry) int {
	n := 0
	for _, try := range history {
		if try.Backoff > 0 {
			n++
		}
	}
	return n
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now)
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
