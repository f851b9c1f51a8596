package classifier

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

func TestForDirectoryFlags(t *testing.T) {
	t.Parallel()

	require.Equal(t, submission.SkipRequiresLogin,
		ForDirectory(submission.Directory{RequiresLogin: true, HasCaptcha: true}).Reason)
	require.Equal(t, submission.SkipCaptcha, ForDirectory(submission.Directory{HasCaptcha: true}).Reason)
	d := ForDirectory(submission.Directory{})
	require.False(t, d.Skip)
	require.Equal(t, submission.SkipNone, d.Reason)
}

func TestClassifyPrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sig  submission.PageSignal
		want Decision
	}{
		{
			name: "login beats captcha",
			sig:  submission.PageSignal{PasswordField: true, CaptchaMarkers: []string{".g-recaptcha"}},
			want: skip(submission.SkipRequiresLogin),
		},
		{
			name: "captcha beats anti-bot",
			sig:  submission.PageSignal{CaptchaMarkers: []string{".h-captcha"}, AntiBotSignatures: []string{"datadome"}},
			want: skip(submission.SkipCaptcha),
		},
		{
			name: "anti-bot",
			sig:  submission.PageSignal{AntiBotSignatures: []string{"attention required"}},
			want: skip(submission.SkipAntiBot),
		},
		{
			name: "rate limit alone proceeds",
			sig:  submission.PageSignal{StatusCode: 429, RateLimited: true},
			want: Proceed,
		},
		{
			name: "multi-step proceeds",
			sig:  submission.PageSignal{MultiStep: true},
			want: Proceed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.sig))
		})
	}
}

func TestInspectLoginWall(t *testing.T) {
	t.Parallel()

	sig, err := Inspect(200, nil, []byte(`<html><body>
		<form action="/account/login"><input name="user"><input type="password" name="pw"></form>
	</body></html>`))
	require.NoError(t, err)
	require.True(t, sig.PasswordField)
	require.True(t, sig.LoginForm)
	require.Equal(t, submission.SkipRequiresLogin, Classify(sig).Reason)
}

func TestInspectCaptcha(t *testing.T) {
	t.Parallel()

	sig, err := Inspect(200, http.Header{}, []byte(`<form id="add-listing">
		<input name="business_name">
		<div class="g-recaptcha" data-sitekey="abc"></div>
		<script src="https://www.google.com/recaptcha/api.js"></script>
	</form>`))
	require.NoError(t, err)
	require.False(t, sig.PasswordField)
	require.Contains(t, sig.CaptchaMarkers, ".g-recaptcha")
	require.Contains(t, sig.CaptchaMarkers, "[data-sitekey]")
	require.Equal(t, submission.SkipCaptcha, Classify(sig).Reason)
}

func TestInspectAntiBot(t *testing.T) {
	t.Parallel()

	headers := http.Header{}
	headers.Set("Server", "cloudflare")
	sig, err := Inspect(403, headers, []byte(`<html><head><title>Attention Required! | Cloudflare</title></head></html>`))
	require.NoError(t, err)
	require.Contains(t, sig.AntiBotSignatures, "403-cloudflare")
	require.Contains(t, sig.AntiBotSignatures, "attention required")
	require.Equal(t, submission.SkipAntiBot, Classify(sig).Reason)
}

func TestInspectRateLimitIsTransient(t *testing.T) {
	t.Parallel()

	headers := http.Header{}
	headers.Set("Retry-After", "30")
	sig, err := Inspect(429, headers, nil)
	require.NoError(t, err)
	require.True(t, sig.RateLimited)
	require.False(t, Classify(sig).Skip)

	rlErr := RateLimitError(sig)
	require.Error(t, rlErr)
	require.True(t, submission.IsTransient(rlErr))
	require.Contains(t, rlErr.Error(), "retry after 30")
	require.NoError(t, RateLimitError(submission.PageSignal{}))
}

func TestInspectMultiStepHint(t *testing.T) {
	t.Parallel()

	sig, err := Inspect(200, nil, []byte(`<form><input name="company"><button type="button">Next step</button></form>`))
	require.NoError(t, err)
	require.True(t, sig.MultiStep)
	require.False(t, Classify(sig).Skip)

	plain, err := Inspect(200, nil, []byte(`<form><input name="company"><button type="submit">Submit</button></form>`))
	require.NoError(t, err)
	require.False(t, plain.MultiStep)
}

func TestSkipIndicated(t *testing.T) {
	t.Parallel()

	sig, err := Inspect(200, nil, []byte(`<main><div class="listing-closed">Submissions are paused</div><form><input name="company"></form></main>`))
	require.NoError(t, err)

	sel, ok := SkipIndicated(sig, []string{"[[broken", ".premium-only", "div.listing-closed"})
	require.True(t, ok)
	require.Equal(t, "div.listing-closed", sel)

	_, ok = SkipIndicated(sig, []string{".premium-only"})
	require.False(t, ok)
	_, ok = SkipIndicated(sig, nil)
	require.False(t, ok)
	_, ok = SkipIndicated(submission.PageSignal{StatusCode: 200}, []string{"form"})
	require.False(t, ok)
}
