package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/catalog"
	"github.com/JakeFAU/directory-submitter/internal/fingerprint"
	"github.com/JakeFAU/directory-submitter/internal/id/uuid"
	"github.com/JakeFAU/directory-submitter/internal/manual"
	"github.com/JakeFAU/directory-submitter/internal/mapping"
	"github.com/JakeFAU/directory-submitter/internal/progress"
	"github.com/JakeFAU/directory-submitter/internal/storage/memory"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeDriver answers page loads from signals, then signal, and fails the calls
// whose index has a non-nil error.
type fakeDriver struct {
	mu           sync.Mutex
	signal       submission.PageSignal
	signals      []submission.PageSignal
	loadErrs     []error
	fields       []submission.FormField
	discoverErrs []error
	submitErrs   []error
	response     *submission.SubmitResult
	loads        int
	discovers    int
	submits      int
	mappings     []submission.FieldMapping
}

func (d *fakeDriver) Probe(context.Context, string) (submission.PageSignal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.loads
	d.loads++
	if i < len(d.loadErrs) && d.loadErrs[i] != nil {
		return submission.PageSignal{}, d.loadErrs[i]
	}
	if i < len(d.signals) {
		return d.signals[i], nil
	}
	return d.signal, nil
}

func (d *fakeDriver) DiscoverFormFields(context.Context, string) ([]submission.FormField, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.discovers
	d.discovers++
	if i < len(d.discoverErrs) && d.discoverErrs[i] != nil {
		return nil, d.discoverErrs[i]
	}
	return d.fields, nil
}

func (d *fakeDriver) FillAndSubmit(
	_ context.Context,
	_ string,
	m submission.FieldMapping,
	_ submission.BusinessProfile,
) (submission.SubmitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.submits
	d.submits++
	d.mappings = append(d.mappings, m)
	if i < len(d.submitErrs) && d.submitErrs[i] != nil {
		return submission.SubmitResult{}, d.submitErrs[i]
	}
	if d.response != nil {
		return *d.response, nil
	}
	return submission.SubmitResult{Success: true, Message: "thank you"}, nil
}

type fakePacer struct {
	mu        sync.Mutex
	waits     []string
	cooldowns []time.Duration
}

func (p *fakePacer) Wait(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, url)
	return nil
}

func (p *fakePacer) Cooldown(_ string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldowns = append(p.cooldowns, d)
}

type fakeHasher struct {
	mu     sync.Mutex
	inputs []string
}

func (h *fakeHasher) Hash(data []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs = append(h.inputs, string(data))
	return "sum-" + strconv.Itoa(len(data)), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	worker   *Worker
	jobs     *memory.JobStore
	catalog  *catalog.Catalog
	driver   *fakeDriver
	sessions *manual.Manager
	pacer    *fakePacer
	events   *recordingEmitter
	hasher   *fakeHasher
	sleeps   []time.Duration
}

var alpha = submission.Directory{
	ID:            "alpha",
	Name:          "Alpha Listings",
	URL:           "https://alpha.example",
	SubmissionURL: "https://alpha.example/add",
	Tier:          1,
	Active:        true,
}

func field(name, typ, label string) submission.FormField {
	return submission.FormField{Selector: "input[name='" + name + "']", Name: name, Type: typ, Label: label, Tag: "input"}
}

var listingForm = []submission.FormField{
	field("business_name", "text", "Business Name"),
	field("email", "email", "Email Address"),
	field("phone", "tel", "Phone"),
}

func newHarness(t *testing.T, pkg string, dirs ...submission.Directory) *harness {
	t.Helper()
	ctx := context.Background()
	clock := fixedClock{now: time.Unix(1700000000, 0).UTC()}
	cat := catalog.New(nil, clock, zap.NewNop())
	ids := make([]string, 0, len(dirs))
	for _, d := range dirs {
		require.NoError(t, cat.UpsertDirectory(ctx, d))
		ids = append(ids, d.ID)
	}
	jobs := memory.NewJobStore(clock)
	require.NoError(t, jobs.CreateJob(ctx, submission.SubmissionJob{ID: "job_1", Package: pkg, Directories: ids}))

	packages := submission.NewPackages(submission.DefaultPackages())
	sessions := manual.NewManager(cat, packages, uuid.New("ses_"), clock, manual.Config{}, zap.NewNop())
	h := &harness{
		jobs:     jobs,
		catalog:  cat,
		driver:   &fakeDriver{fields: listingForm},
		sessions: sessions,
		pacer:    &fakePacer{},
		events:   &recordingEmitter{},
		hasher:   &fakeHasher{},
	}
	h.worker = New(
		jobs,
		cat,
		h.driver,
		mapping.NewResolver(cat, mapping.DefaultOptions(), nil),
		sessions,
		packages,
		submission.NewExponentialRetryPolicy(submission.RetryConfig{MaxRetries: 2}),
		h.pacer,
		h.events,
		h.hasher,
		clock,
		Config{MinDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
		zap.NewNop(),
	)
	h.worker.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) process(t *testing.T, pkg, dir string) (Outcome, submission.DirectoryAttempt) {
	t.Helper()
	out := h.worker.Process(context.Background(), Task{JobID: "job_1", DirectoryID: dir, Package: pkg})
	attempts, err := h.jobs.ListAttempts(context.Background(), "job_1")
	require.NoError(t, err)
	for _, a := range attempts {
		if a.DirectoryID == dir {
			return out, a
		}
	}
	t.Fatalf("attempt %s not found", dir)
	return out, submission.DirectoryAttempt{}
}

func TestProcessSubmitsWithSemanticMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	out, attempt := h.process(t, "growth", "alpha")

	require.NoError(t, out.Err)
	require.Equal(t, submission.AttemptSuccess, attempt.Status)
	require.Equal(t, string(mapping.TierSemantic), attempt.MappingTier)
	require.InDelta(t, 0.8, attempt.Confidence, 1e-9)
	require.Equal(t, 1, attempt.Attempts)
	require.NotNil(t, attempt.FinishedAt)
	require.Equal(t, []string{"input[name='business_name']"}, h.driver.mappings[0].Fields[submission.FieldBusinessName])
	require.Equal(t, []time.Duration{10 * time.Millisecond}, h.sleeps)
	require.Equal(t, []string{"https://alpha.example/add"}, h.pacer.waits)
	require.Equal(t, []progress.Stage{progress.StageAttemptStart, progress.StageAttemptDone}, h.events.stages())
}

func TestProcessMarksSiteSpecificMappingVerified(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "starter", alpha)
	ctx := context.Background()
	require.NoError(t, h.catalog.UpsertMapping(ctx, "alpha", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{
			submission.FieldBusinessName: {"input[name='business_name']"},
			submission.FieldEmail:        {"input[name='email']"},
		},
	}, submission.VerificationNeedsTesting))

	out, attempt := h.process(t, "starter", "alpha")
	require.NoError(t, out.Err)
	require.Equal(t, submission.AttemptSuccess, attempt.Status)
	require.Equal(t, string(mapping.TierSiteSpecific), attempt.MappingTier)

	_, status, err := h.catalog.GetMapping(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, submission.VerificationVerified, status)
}

func TestProcessSkipsFlaggedDirectoryWithoutLoadingIt(t *testing.T) {
	t.Parallel()

	flagged := alpha
	flagged.RequiresLogin = true
	h := newHarness(t, "growth", flagged)
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, submission.AttemptSkipped, attempt.Status)
	require.Equal(t, submission.SkipRequiresLogin, attempt.SkipReason)
	require.Equal(t, submission.CategoryClassifierSkip, attempt.Category)
	require.Zero(t, h.driver.loads)
	require.Zero(t, h.driver.submits)
}

func TestProcessSkipsOnPageSignals(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.signal = submission.PageSignal{StatusCode: http.StatusOK, CaptchaMarkers: []string{".g-recaptcha"}}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, submission.AttemptSkipped, attempt.Status)
	require.Equal(t, submission.SkipCaptcha, attempt.SkipReason)
	require.Zero(t, h.driver.submits)
}

func TestProcessRetriesTransientFailuresExactlyTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	unavailable := submission.Transient(errors.New("gateway down"), http.StatusServiceUnavailable)
	h.driver.submitErrs = []error{unavailable, unavailable, unavailable, unavailable}
	out, attempt := h.process(t, "growth", "alpha")

	require.NoError(t, out.Err)
	require.Equal(t, 3, h.driver.submits)
	require.Equal(t, submission.AttemptFailed, attempt.Status)
	require.Equal(t, submission.CategoryTransient, attempt.Category)
	require.Len(t, attempt.History, 3)
	require.Equal(t, time.Second, attempt.History[0].Backoff)
	require.Equal(t, 4*time.Second, attempt.History[1].Backoff)
	require.Zero(t, attempt.History[2].Backoff)
	require.Equal(t, []time.Duration{10 * time.Millisecond, time.Second, 4 * time.Second}, h.sleeps)
}

func TestProcessRecoversAfterOneTransientFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.submitErrs = []error{errors.New("read tcp: i/o timeout")}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, submission.AttemptSuccess, attempt.Status)
	require.Equal(t, 2, attempt.Attempts)
	require.Equal(t, submission.CategoryTransient, attempt.History[0].Category)
}

func TestProcessPermanentRejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.response = &submission.SubmitResult{
		Message: "listing already exists",
		Signal:  submission.PageSignal{StatusCode: http.StatusOK},
	}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, 1, h.driver.submits)
	require.Equal(t, submission.AttemptFailed, attempt.Status)
	require.Equal(t, submission.CategoryPermanent, attempt.Category)
	require.Contains(t, attempt.Reason, "listing already exists")
}

func TestProcessParksWhenManualMappingIsNeeded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.fields = []submission.FormField{field("email", "email", "Email"), field("phone", "tel", "Phone")}
	out, attempt := h.process(t, "growth", "alpha")

	require.True(t, out.Parked())
	require.Equal(t, submission.AttemptPending, attempt.Status)
	require.NotEmpty(t, attempt.SessionID)
	require.Nil(t, attempt.FinishedAt)
	require.Equal(t, 1, h.sessions.ActiveFor("growth"))
	require.Zero(t, h.driver.submits)
	require.Equal(t, []progress.Stage{progress.StageAttemptStart, progress.StageAttemptParked}, h.events.stages())

	session, err := h.sessions.Get(attempt.SessionID)
	require.NoError(t, err)
	require.Equal(t, "job_1", session.JobID)
	require.Equal(t, "alpha", session.DirectoryID)

	// a second pass after the session closed without a usable mapping fails
	_, err = h.sessions.Cancel(context.Background(), attempt.SessionID)
	require.NoError(t, err)
	out, attempt = h.process(t, "growth", "alpha")
	require.False(t, out.Parked())
	require.Equal(t, submission.AttemptFailed, attempt.Status)
	require.Equal(t, submission.CategoryMappingUnresolved, attempt.Category)
}

func TestProcessFailsUnresolvedWithoutManualCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "starter", alpha)
	h.driver.fields = []submission.FormField{field("email", "email", "Email"), field("phone", "tel", "Phone")}
	_, attempt := h.process(t, "starter", "alpha")

	require.Equal(t, submission.AttemptFailed, attempt.Status)
	require.Equal(t, submission.CategoryMappingUnresolved, attempt.Category)
	require.Zero(t, h.sessions.Active())
}

func TestProcessRejectsSecondClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	_, err := h.jobs.StartAttempt(context.Background(), "job_1", "alpha")
	require.NoError(t, err)

	out := h.worker.Process(context.Background(), Task{JobID: "job_1", DirectoryID: "alpha", Package: "growth"})
	require.ErrorIs(t, out.Err, submission.ErrAttemptInProgress)
	require.Zero(t, h.driver.loads)
}

func TestProcessWaitsOutRateLimitBeforeReloading(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.signals = []submission.PageSignal{
		{StatusCode: http.StatusTooManyRequests, RateLimited: true, RetryAfter: "30"},
	}
	h.driver.signal = submission.PageSignal{StatusCode: http.StatusOK}
	out, attempt := h.process(t, "growth", "alpha")

	require.NoError(t, out.Err)
	require.Equal(t, []time.Duration{30 * time.Second}, h.pacer.cooldowns)
	require.Equal(t, 2, h.driver.loads)
	require.Equal(t, 1, h.driver.submits)
	require.Equal(t, submission.AttemptSuccess, attempt.Status)
	require.Equal(t, 2, attempt.Attempts)
	require.Equal(t, submission.CategoryTransient, attempt.History[0].Category)
	require.Equal(t, 30*time.Second, attempt.History[0].Backoff)
	// the cooldown is the backoff: the pacer waits it out, nothing sleeps on top
	require.Equal(t, []string{"https://alpha.example/add", "https://alpha.example/add"}, h.pacer.waits)
	require.Equal(t, []time.Duration{10 * time.Millisecond}, h.sleeps)
	require.Equal(t, 1, h.events.events[len(h.events.events)-1].Retries)
}

func TestProcessRateLimitedPageFailsAfterRetryBound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.signal = submission.PageSignal{StatusCode: http.StatusTooManyRequests, RateLimited: true, RetryAfter: "30"}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, 3, h.driver.loads)
	require.Zero(t, h.driver.submits)
	require.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, h.pacer.cooldowns)
	require.Equal(t, submission.AttemptFailed, attempt.Status)
	require.Equal(t, submission.CategoryTransient, attempt.Category)
	require.Len(t, attempt.History, 3)
	require.Zero(t, attempt.History[2].Backoff)
	require.Empty(t, h.sleeps)
}

func TestProcessRetriesTimedOutPageLoad(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	timeout := submission.Transient(errors.New("i/o timeout"), 0)
	h.driver.loadErrs = []error{timeout, timeout, timeout, timeout}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, 3, h.driver.loads)
	require.Zero(t, h.driver.discovers)
	require.Equal(t, submission.AttemptFailed, attempt.Status)
	require.Equal(t, submission.CategoryTransient, attempt.Category)
	require.Contains(t, attempt.Reason, "i/o timeout")
	require.Len(t, attempt.History, 3)
	require.Equal(t, []time.Duration{time.Second, 4 * time.Second}, h.sleeps)
	require.Empty(t, h.pacer.cooldowns)
}

func TestProcessRecoversFromTimedOutPageLoad(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.loadErrs = []error{submission.Transient(errors.New("i/o timeout"), 0)}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, 2, h.driver.loads)
	require.Equal(t, submission.AttemptSuccess, attempt.Status)
	require.Equal(t, []time.Duration{time.Second, 10 * time.Millisecond}, h.sleeps)
}

func TestProcessRetriesFailedFieldDiscovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.discoverErrs = []error{submission.StatusError(http.StatusBadGateway, "load form page")}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, 2, h.driver.loads)
	require.Equal(t, 2, h.driver.discovers)
	require.Equal(t, submission.AttemptSuccess, attempt.Status)
	require.Equal(t, 2, attempt.Attempts)
	require.Contains(t, attempt.History[0].Error, "discover fields")
}

func TestProcessSkipsOnMappingSkipIndicator(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	require.NoError(t, h.catalog.UpsertMapping(context.Background(), "alpha", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{
			submission.FieldBusinessName: {"input[name='business_name']"},
			submission.FieldEmail:        {"input[name='email']"},
		},
		SkipIndicators: []string{".premium-only", "div.listing-closed"},
	}, submission.VerificationVerified))
	h.driver.signal = submission.PageSignal{
		StatusCode: http.StatusOK,
		HTML:       `<div class="listing-closed">New listings are paused</div><form><input name="business_name"></form>`,
	}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, submission.AttemptSkipped, attempt.Status)
	require.Equal(t, submission.SkipIndicator, attempt.SkipReason)
	require.Equal(t, submission.CategoryClassifierSkip, attempt.Category)
	require.Contains(t, attempt.Reason, "div.listing-closed")
	require.Zero(t, h.driver.discovers)
	require.Zero(t, h.driver.submits)
}

func TestProcessReportsChangedForm(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	require.NoError(t, h.catalog.UpsertMapping(context.Background(), "alpha", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{
			submission.FieldBusinessName: {"input[name='business_name']"},
			submission.FieldEmail:        {"input[name='email']"},
		},
		FormSignature: "stale",
	}, submission.VerificationVerified))
	page := `<form><input name="business_name"><input name="email"><input name="phone"></form>`
	h.driver.signal = submission.PageSignal{StatusCode: http.StatusOK, HTML: page}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, submission.AttemptSuccess, attempt.Status)
	require.Equal(t, []progress.Stage{
		progress.StageAttemptStart,
		progress.StageFormChanged,
		progress.StageAttemptDone,
	}, h.events.stages())
	changed := h.events.events[1]
	require.NoError(t, changed.Validate())
	require.Equal(t, &progress.FormChange{
		PreviousSignature: "stale",
		Signature:         fingerprint.FormSignature(listingForm),
		DOMChecksum:       "sum-" + strconv.Itoa(len(page)),
	}, changed.Form)
	require.Equal(t, []string{page}, h.hasher.inputs)
}

func TestProcessUnchangedFormIsNotReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	require.NoError(t, h.catalog.UpsertMapping(context.Background(), "alpha", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{
			submission.FieldBusinessName: {"input[name='business_name']"},
			submission.FieldEmail:        {"input[name='email']"},
		},
		FormSignature: fingerprint.FormSignature(listingForm),
	}, submission.VerificationVerified))
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, submission.AttemptSuccess, attempt.Status)
	require.Equal(t, []progress.Stage{progress.StageAttemptStart, progress.StageAttemptDone}, h.events.stages())
	require.Empty(t, h.hasher.inputs)
}

func TestProcessRecordsMultiStepForm(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.signal = submission.PageSignal{StatusCode: http.StatusOK, MultiStep: true}
	out, attempt := h.process(t, "growth", "alpha")

	require.True(t, out.Result.MultiStep)
	require.True(t, attempt.MultiStep)
	require.Equal(t, submission.AttemptSuccess, attempt.Status)
}

func TestProcessSubmitRateLimitWaitsOnPacer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.driver.response = &submission.SubmitResult{
		Signal: submission.PageSignal{StatusCode: http.StatusTooManyRequests, RateLimited: true, RetryAfter: "2"},
	}
	_, attempt := h.process(t, "growth", "alpha")

	require.Equal(t, 3, h.driver.submits)
	require.Equal(t, submission.AttemptFailed, attempt.Status)
	require.Equal(t, submission.CategoryTransient, attempt.Category)
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, h.pacer.cooldowns)
	require.Equal(t, 2*time.Second, attempt.History[0].Backoff)
	require.Equal(t, 4*time.Second, attempt.History[1].Backoff)
	// only the part of the backoff beyond the cooldown is slept
	require.Equal(t, []time.Duration{10 * time.Millisecond, 2 * time.Second}, h.sleeps)
	require.Len(t, h.pacer.waits, 3)
}

type flakyFinish struct {
	*memory.JobStore
	failures int
}

func (f *flakyFinish) FinishAttempt(ctx context.Context, jobID, dirID string, r submission.AttemptResult) error {
	if f.failures > 0 {
		f.failures--
		return submission.Infrastructure("finish attempt", errors.New("connection refused"))
	}
	return f.JobStore.FinishAttempt(ctx, jobID, dirID, r)
}

func TestProcessReturnsAttemptToPendingOnStoreFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "growth", alpha)
	h.worker.jobs = &flakyFinish{JobStore: h.jobs, failures: 1}
	out, attempt := h.process(t, "growth", "alpha")

	require.True(t, submission.IsInfrastructure(out.Err))
	require.Equal(t, submission.AttemptPending, attempt.Status)
	require.Contains(t, attempt.Reason, "interrupted")
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, 120*time.Second, parseRetryAfter("120", now))
	require.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	require.Zero(t, parseRetryAfter("soon", now))
	require.Zero(t, parseRetryAfter("", now))
}
