package headless

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/driver"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

func TestNewValidatesAndDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	d, err := New(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, 2, cap(d.limiter))
	require.Equal(t, 45*time.Second, d.cfg.NavTimeout)
	require.Equal(t, 1500*time.Millisecond, d.cfg.SettleDelay)

	d2, err := New(Config{Config: driver.Config{NavTimeout: time.Second}})
	require.NoError(t, err)
	defer d2.Close()
	require.Nil(t, d2.limiter)
	require.Equal(t, time.Second, d2.cfg.NavTimeout)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	d := &Driver{limiter: make(chan struct{}, 1)}
	require.NoError(t, d.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, d.acquire(ctx))

	d.release()
	require.NoError(t, d.acquire(context.Background()))
}

func TestFillScriptsSkipEmptyValues(t *testing.T) {
	t.Parallel()

	m := submission.FieldMapping{Fields: map[submission.CanonicalField][]string{
		submission.FieldEmail:        {"input[name='email']", "#mail"},
		submission.FieldBusinessName: {"#biz"},
		submission.FieldPhone:        {"#phone"},
	}}
	scripts, err := fillScripts(m, submission.BusinessProfile{BusinessName: `Bob's "Best"`, Email: "b@x.test"})
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	// business name comes first in canonical order
	require.Contains(t, scripts[0], `["#biz"]`)
	require.Contains(t, scripts[0], `"Bob's \"Best\""`)
	require.Contains(t, scripts[1], `["input[name='email']","#mail"]`)

	submit, err := submitScript("#go")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(submit, `("#go")`))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://example.com/logo.png"},
	})
	status, _, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://req", url)

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  429,
			URL:     "https://example.com/add",
			Headers: network.Headers{"Retry-After": "30"},
		},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "https://example.com/thanks")
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "30", headers.Get("Retry-After"))
	require.Equal(t, "https://example.com/thanks", url)
}
