package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/storage/memory"
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

func newTestCatalog(t *testing.T, dirs ...submission.Directory) (*Catalog, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	c := New(nil, clock, zap.NewNop())
	for _, dir := range dirs {
		require.NoError(t, c.UpsertDirectory(context.Background(), dir))
	}
	return c, clock
}

func dir(id string, tier, da int) submission.Directory {
	return submission.Directory{ID: id, Name: id, URL: "https://" + id + ".example", Tier: tier, DomainAuthority: da, Active: true}
}

func TestListDirectoriesOrdering(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t,
		dir("c", 2, 90),
		dir("a", 1, 40),
		dir("b", 1, 70),
		dir("d", 1, 70),
	)
	got, err := c.ListDirectories(context.Background(), submission.DirectoryFilter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	require.Equal(t, []string{"b", "d", "a", "c"}, ids)
}

func TestListDirectoriesStarterPackageTakesTopFifty(t *testing.T) {
	t.Parallel()

	dirs := make([]submission.Directory, 0, 60)
	for i := 0; i < 60; i++ {
		dirs = append(dirs, dir(fmt.Sprintf("dir-%02d", i), 1+i%4, i))
	}
	c, _ := newTestCatalog(t, dirs...)
	starter := submission.DefaultPackages()[submission.PackageStarter]

	all, err := c.ListDirectories(context.Background(), submission.DirectoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 60)

	got, err := c.ListDirectories(context.Background(), submission.DirectoryFilter{Package: &starter})
	require.NoError(t, err)
	require.Len(t, got, 50)
	require.Equal(t, all[:50], got)
}

func TestListDirectoriesFilters(t *testing.T) {
	t.Parallel()

	inactive := dir("off", 1, 99)
	inactive.Active = false
	legal := dir("law", 2, 50)
	legal.Category = "legal"
	c, _ := newTestCatalog(t, dir("x", 1, 10), inactive, legal, dir("deep", 4, 10))

	got, err := c.ListDirectories(context.Background(), submission.DirectoryFilter{Category: "LEGAL"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "law", got[0].ID)

	got, err = c.ListDirectories(context.Background(), submission.DirectoryFilter{Tier: 1, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "x", got[0].ID)

	pkg := submission.PackagePolicy{DirectoryLimit: 10, MaxDirectoryTier: 2}
	got, err = c.ListDirectories(context.Background(), submission.DirectoryFilter{Package: &pkg})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestGetMappingUnknownAndUnmapped(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t, dir("plain", 1, 10))
	_, _, err := c.GetMapping(context.Background(), "missing")
	require.ErrorIs(t, err, submission.ErrCatalogNotFound)

	_, status, err := c.GetMapping(context.Background(), "plain")
	require.ErrorIs(t, err, submission.ErrCatalogNotFound)
	require.Equal(t, submission.VerificationUnmapped, status)

	err = c.UpsertMapping(context.Background(), "missing", submission.FieldMapping{}, submission.VerificationVerified)
	require.ErrorIs(t, err, submission.ErrCatalogNotFound)
}

func TestUpsertMappingIdempotentExceptTimestamp(t *testing.T) {
	t.Parallel()

	c, clock := newTestCatalog(t, dir("site", 1, 10))
	mapping := submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{
			submission.FieldBusinessName: {"#name"},
			submission.FieldEmail:        {"#email", "input[type='email']"},
		},
		SubmitSelector: "button[type='submit']",
	}
	ctx := context.Background()

	require.NoError(t, c.UpsertMapping(ctx, "site", mapping, ""))
	first, status, err := c.GetMapping(ctx, "site")
	require.NoError(t, err)
	require.Equal(t, submission.VerificationNeedsTesting, status)

	clock.Advance(time.Minute)
	require.NoError(t, c.UpsertMapping(ctx, "site", mapping, ""))
	second, status, err := c.GetMapping(ctx, "site")
	require.NoError(t, err)
	require.Equal(t, submission.VerificationNeedsTesting, status)

	require.True(t, second.LastUpdated.After(first.LastUpdated))
	first.LastUpdated, second.LastUpdated = time.Time{}, time.Time{}
	require.Equal(t, first, second)
}

func TestUpsertMappingDropsEmptySelectorLists(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t, dir("site", 1, 10))
	ctx := context.Background()
	require.NoError(t, c.UpsertMapping(ctx, "site", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{
			submission.FieldEmail: {"#email"},
			submission.FieldPhone: {" ", ""},
		},
	}, submission.VerificationVerified))

	got, status, err := c.GetMapping(ctx, "site")
	require.NoError(t, err)
	require.Equal(t, submission.VerificationVerified, status)
	require.False(t, got.Has(submission.FieldPhone))
	_, present := got.Fields[submission.FieldPhone]
	require.False(t, present)

	require.NoError(t, c.UpsertMapping(ctx, "site", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{submission.FieldEmail: {}},
	}, submission.VerificationVerified))
	_, status, err = c.GetMapping(ctx, "site")
	require.ErrorIs(t, err, submission.ErrCatalogNotFound)
	require.Equal(t, submission.VerificationUnmapped, status)
}

func TestMarkVerifiedPromotesNeedsTesting(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t, dir("site", 1, 10))
	ctx := context.Background()
	require.NoError(t, c.UpsertMapping(ctx, "site", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{submission.FieldEmail: {"#email"}},
	}, submission.VerificationNeedsTesting))
	require.NoError(t, c.MarkVerified(ctx, "site"))

	_, status, err := c.GetMapping(ctx, "site")
	require.NoError(t, err)
	require.Equal(t, submission.VerificationVerified, status)
	require.ErrorIs(t, c.MarkVerified(ctx, "nope"), submission.ErrCatalogNotFound)
}

func TestUpsertDirectoryKeepsExistingMapping(t *testing.T) {
	t.Parallel()

	c, _ := newTestCatalog(t, dir("site", 1, 10))
	ctx := context.Background()
	require.NoError(t, c.UpsertMapping(ctx, "site", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{submission.FieldEmail: {"#email"}},
	}, submission.VerificationVerified))

	updated := dir("site", 2, 55)
	require.NoError(t, c.UpsertDirectory(ctx, updated))
	got, err := c.GetDirectory(ctx, "site")
	require.NoError(t, err)
	require.Equal(t, 2, got.Tier)
	require.NotNil(t, got.Mapping)
	require.Equal(t, submission.VerificationVerified, got.VerificationStatus)

	require.NoError(t, c.Deactivate(ctx, "site"))
	got, err = c.GetDirectory(ctx, "site")
	require.NoError(t, err)
	require.False(t, got.Active)
}

func TestOpenFlushThroughSnapshotStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}

	first := New(NewSnapshotStore(blobs, ""), clock, zap.NewNop())
	require.NoError(t, first.Open(ctx))
	require.Zero(t, first.Len())
	require.NoError(t, first.UpsertDirectory(ctx, dir("a", 1, 10)))
	require.NoError(t, first.UpsertDirectory(ctx, dir("b", 2, 20)))
	require.NoError(t, first.UpsertMapping(ctx, "b", submission.FieldMapping{
		Fields: map[submission.CanonicalField][]string{submission.FieldEmail: {"#email"}},
	}, submission.VerificationVerified))
	require.NoError(t, first.Flush(ctx))

	second := New(NewSnapshotStore(blobs, ""), clock, zap.NewNop())
	require.NoError(t, second.Open(ctx))
	require.Equal(t, 2, second.Len())
	mapping, status, err := second.GetMapping(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, submission.VerificationVerified, status)
	require.Equal(t, []string{"#email"}, mapping.Fields[submission.FieldEmail])
}

type failingStore struct {
	err error
}

func (s failingStore) LoadDirectories(context.Context) ([]submission.Directory, error) {
	return nil, s.err
}

func (s failingStore) SaveDirectories(context.Context, []submission.Directory) error {
	return s.err
}

func TestStoreFailuresAreInfrastructure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(failingStore{err: errors.New("connection refused")}, nil, nil)
	require.True(t, submission.IsInfrastructure(c.Open(ctx)))

	require.NoError(t, c.UpsertDirectory(ctx, dir("a", 1, 1)))
	err := c.Flush(ctx)
	require.True(t, submission.IsInfrastructure(err))
	// the dirty set is kept for the next flush
	require.Len(t, c.dirty, 1)
}
