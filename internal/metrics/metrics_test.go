package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveAttemptDefaultsCategory(t *testing.T) {
	Init()
	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("success", "none"))
	ObserveAttempt("success", "")
	require.InDelta(t, before+1, testutil.ToFloat64(attemptsTotal.WithLabelValues("success", "none")), 0.001)
}

func TestGaugesTrackLatestValue(t *testing.T) {
	SetQueueDepth(3)
	require.InDelta(t, 3, testutil.ToFloat64(queueDepth), 0.001)
	SetManualSessions("growth", 2)
	require.InDelta(t, 2, testutil.ToFloat64(manualSessions.WithLabelValues("growth")), 0.001)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
