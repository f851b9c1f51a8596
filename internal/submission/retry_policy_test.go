package submission

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{MaxRetries: 2})
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 4*time.Second, p.Backoff(2))
	require.Equal(t, 2, p.MaxRetries())
}

func TestExponentialRetryPolicyCapsDelay(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{MaxRetries: 5, BaseDelay: time.Second, Factor: 4, MaxDelay: 10 * time.Second})
	require.Equal(t, 10*time.Second, p.Backoff(3))
}

func TestShouldRetryOnlyTransientWithinBound(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryConfig{MaxRetries: 2})
	transient := Transient(errors.New("gateway"), 503)
	permanent := Permanent(errors.New("bad email"), 422)

	require.True(t, p.ShouldRetry(transient, 0))
	require.True(t, p.ShouldRetry(transient, 1))
	require.False(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(permanent, 0))
	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
}

func TestIsTransientClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "deadline", err: fmt.Errorf("submit: %w", context.DeadlineExceeded), want: true},
		{name: "reset", err: fmt.Errorf("post: %w", syscall.ECONNRESET), want: true},
		{name: "text pattern", err: errors.New("read tcp: i/o timeout"), want: true},
		{name: "explicit permanent", err: Permanent(errors.New("i/o timeout"), 400), want: false},
		{name: "plain", err: errors.New("validation rejected"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestStatusErrorAndCategory(t *testing.T) {
	t.Parallel()

	require.Equal(t, CategoryTransient, CategoryFor(StatusError(429, "slow down")))
	require.Equal(t, CategoryTransient, CategoryFor(StatusError(503, "unavailable")))
	require.Equal(t, CategoryPermanent, CategoryFor(StatusError(400, "bad request")))
	require.Equal(t, CategoryCatalogNotFound, CategoryFor(fmt.Errorf("get: %w", ErrCatalogNotFound)))
	require.Equal(t, CategoryNone, CategoryFor(nil))

	infra := Infrastructure("load catalog", errors.New("dial tcp refused"))
	require.True(t, IsInfrastructure(infra))
	require.False(t, IsInfrastructure(errors.New("other")))
}

func TestRandomBetweenStaysInRange(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		d := RandomBetween(800*time.Millisecond, 2200*time.Millisecond)
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 2200*time.Millisecond)
	}
	require.Equal(t, time.Second, RandomBetween(time.Second, time.Second))
}

func TestPackagePriorityAging(t *testing.T) {
	t.Parallel()

	packages := NewPackages(DefaultPackages())
	starter, err := packages.Lookup("Starter")
	require.NoError(t, err)
	require.Equal(t, 10, starter.Priority(0, 30))
	require.Equal(t, 25, starter.Priority(15*time.Minute, 30))
	require.Equal(t, 40, starter.Priority(3*time.Hour, 30))

	_, err = packages.Lookup("platinum")
	require.ErrorIs(t, err, ErrUnknownPackage)
	require.Equal(t, []string{"starter", "growth", "professional", "enterprise"}, packages.Names())
}

func TestPackageNamesBreakPriorityTiesByName(t *testing.T) {
	t.Parallel()

	packages := NewPackages(map[string]PackagePolicy{
		"Zeta":  {BasePriority: 20},
		"alpha": {BasePriority: 20},
		"mid":   {BasePriority: 20},
		"first": {BasePriority: 5},
	})
	for range 20 {
		require.Equal(t, []string{"first", "alpha", "mid", "zeta"}, packages.Names())
	}
}
