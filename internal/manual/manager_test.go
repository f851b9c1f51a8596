package manual

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/catalog"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("ses_%d", s.n.Add(1)), nil
}

type harness struct {
	mgr     *Manager
	catalog *catalog.Catalog
	clock   *fakeClock
}

func newHarness(t *testing.T) harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	cat := catalog.New(nil, clock, zap.NewNop())
	for _, id := range []string{"alpha", "beta", "gamma", "delta"} {
		require.NoError(t, cat.UpsertDirectory(context.Background(), submission.Directory{
			ID: id, Name: id, URL: "https://" + id + ".example", Tier: 1, Active: true,
		}))
	}
	mgr := NewManager(cat, submission.NewPackages(submission.DefaultPackages()), &seqIDs{}, clock,
		Config{IdleTimeout: 10 * time.Minute}, zap.NewNop())
	return harness{mgr: mgr, catalog: cat, clock: clock}
}

func growthRequest(dir string) OpenRequest {
	return OpenRequest{DirectoryID: dir, JobID: "job_1", Package: "growth"}
}

var required = []Assignment{
	{Field: submission.FieldBusinessName, Selector: "#biz", Confidence: 1},
	{Field: submission.FieldEmail, Selector: "input[name='mail']", Confidence: 1},
}

func TestOpenEnforcesPackageCaps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Open(ctx, OpenRequest{DirectoryID: "alpha", Package: "starter"})
	require.ErrorIs(t, err, ErrManualNotAllowed)

	_, err = h.mgr.Open(ctx, OpenRequest{DirectoryID: "alpha", Package: "platinum"})
	require.ErrorIs(t, err, submission.ErrUnknownPackage)

	_, err = h.mgr.Open(ctx, growthRequest("missing"))
	require.ErrorIs(t, err, submission.ErrCatalogNotFound)

	first, err := h.mgr.Open(ctx, growthRequest("alpha"))
	require.NoError(t, err)
	require.Equal(t, StatusActive, first.Status)
	_, err = h.mgr.Open(ctx, growthRequest("beta"))
	require.NoError(t, err)
	_, err = h.mgr.Open(ctx, growthRequest("gamma"))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 2, h.mgr.ActiveFor("Growth"))

	// other packages have their own caps
	_, err = h.mgr.Open(ctx, OpenRequest{DirectoryID: "gamma", Package: "enterprise"})
	require.NoError(t, err)

	_, err = h.mgr.Cancel(ctx, first.ID)
	require.NoError(t, err)
	_, err = h.mgr.Open(ctx, growthRequest("gamma"))
	require.NoError(t, err)
	require.Equal(t, 3, h.mgr.Active())
}

func TestOpenCapIsAtomicUnderContention(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	var opened atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.mgr.Open(ctx, OpenRequest{DirectoryID: "alpha", Package: "professional"}); err == nil {
				opened.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 5, opened.Load())
	require.Equal(t, 5, h.mgr.ActiveFor("professional"))
}

func TestSubmitRoundTripStoresVerifiedMapping(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	var closed []Session
	h.mgr.OnClose(func(s Session) { closed = append(closed, s) })

	s, err := h.mgr.Open(ctx, growthRequest("alpha"))
	require.NoError(t, err)
	_, err = h.mgr.Assign(ctx, s.ID, []Assignment{{Field: submission.FieldBusinessName, Selector: "#old"}})
	require.NoError(t, err)

	done, err := h.mgr.Submit(ctx, s.ID, required)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.ClosedAt)
	require.Zero(t, h.mgr.ActiveFor("growth"))

	mapping, status, err := h.catalog.GetMapping(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, submission.VerificationVerified, status)
	require.Equal(t, map[submission.CanonicalField][]string{
		submission.FieldBusinessName: {"#biz"},
		submission.FieldEmail:        {"input[name='mail']"},
	}, mapping.Fields)

	require.Len(t, closed, 1)
	require.Equal(t, StatusCompleted, closed[0].Status)

	_, err = h.mgr.Assign(ctx, s.ID, required)
	require.ErrorIs(t, err, ErrSessionNotActive)
}

func TestCompleteRequiresBusinessNameAndEmail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.Open(ctx, growthRequest("alpha"))
	require.NoError(t, err)

	_, err = h.mgr.Submit(ctx, s.ID, []Assignment{
		{Field: submission.FieldEmail, Selector: "#email"},
		{Field: submission.FieldPhone, Selector: "#phone"},
	})
	require.ErrorIs(t, err, ErrIncompleteMapping)

	_, _, err = h.catalog.GetMapping(ctx, "alpha")
	require.ErrorIs(t, err, submission.ErrCatalogNotFound)

	_, err = h.mgr.Assign(ctx, s.ID, []Assignment{{Field: submission.FieldEmail, Selector: "  "}})
	require.ErrorIs(t, err, ErrInvalidAssignment)
	_, err = h.mgr.Assign(ctx, s.ID, []Assignment{{Field: "fax", Selector: "#fax"}})
	require.ErrorIs(t, err, ErrInvalidAssignment)
	_, err = h.mgr.Assign(ctx, "nope", required)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestIdleSessionsExpireWithoutPersisting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	var closed []Session
	h.mgr.OnClose(func(s Session) { closed = append(closed, s) })

	s, err := h.mgr.Open(ctx, growthRequest("alpha"))
	require.NoError(t, err)
	_, err = h.mgr.Assign(ctx, s.ID, required[:1])
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	_, err = h.mgr.Assign(ctx, s.ID, required[1:])
	require.ErrorIs(t, err, ErrSessionExpired)
	require.ErrorIs(t, err, submission.ErrSessionExpired)

	got, err := h.mgr.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.Empty(t, got.Assignments)
	require.Zero(t, h.mgr.ActiveFor("growth"))
	require.Len(t, closed, 1)

	_, err = h.mgr.Complete(ctx, s.ID)
	require.ErrorIs(t, err, ErrSessionExpired)
	_, _, err = h.catalog.GetMapping(ctx, "alpha")
	require.ErrorIs(t, err, submission.ErrCatalogNotFound)
}

func TestSweepExpiresOnlyIdleSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	idle, err := h.mgr.Open(ctx, growthRequest("alpha"))
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)
	busy, err := h.mgr.Open(ctx, growthRequest("beta"))
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	require.Equal(t, 1, h.mgr.Sweep(h.clock.Now()))

	got, err := h.mgr.Get(idle.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	got, err = h.mgr.Get(busy.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Len(t, h.mgr.List(), 2)
	require.Equal(t, busy.ID, h.mgr.List()[0].ID)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mgr.cfg.SweepInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
