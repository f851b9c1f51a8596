package static

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/driver"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

const listingForm = `<html><body>
<form role="search" action="/search"><input name="q"></form>
<form id="listing" action="/submit" method="post">
  <input type="hidden" name="csrf" value="tok-1">
  <label for="biz">Business name</label><input id="biz" name="business_name">
  <label>Email <input type="email" name="contact_email"></label>
  <input name="phone" placeholder="Phone number">
  <select name="state"><option value="">--</option><option value="TX">Texas</option></select>
  <button type="submit">Send</button>
</form>
</body></html>`

type formServer struct {
	mu       sync.Mutex
	posted   map[string]string
	response string
	status   int
}

func newFormServer(t *testing.T, response string, status int) (*httptest.Server, *formServer) {
	t.Helper()
	fs := &formServer{response: response, status: status}
	mux := http.NewServeMux()
	mux.HandleFunc("/add", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingForm))
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fs.mu.Lock()
		fs.posted = map[string]string{}
		for key := range r.PostForm {
			fs.posted[key] = r.PostForm.Get(key)
		}
		fs.mu.Unlock()
		w.WriteHeader(fs.status)
		_, _ = w.Write([]byte(fs.response))
	})
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<form action="/signin"><input type="password" name="pw"></form>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, fs
}

func profile() submission.BusinessProfile {
	return submission.BusinessProfile{BusinessName: "Acme Dental", Email: "hi@acme.test", Phone: "555-0100"}
}

func listingMapping() submission.FieldMapping {
	return submission.FieldMapping{Fields: map[submission.CanonicalField][]string{
		submission.FieldBusinessName: {"#missing", "#biz"},
		submission.FieldEmail:        {"input[type='email']"},
		submission.FieldPhone:        {"input[name='phone']"},
		submission.FieldWebsite:      {"input[name='website']"},
	}}
}

func TestDiscoverFormFieldsPicksListingForm(t *testing.T) {
	t.Parallel()

	srv, _ := newFormServer(t, "", http.StatusOK)
	d := New(driver.Config{RequestTimeout: 5 * time.Second})

	fields, err := d.DiscoverFormFields(context.Background(), srv.URL+"/add")
	require.NoError(t, err)

	bySelector := map[string]submission.FormField{}
	for _, f := range fields {
		bySelector[f.Selector] = f
	}
	require.NotContains(t, bySelector, "input[name='q']")
	require.Equal(t, "Business name", bySelector["#biz"].Label)
	require.Equal(t, "Email", bySelector["input[name='contact_email']"].Label)
	require.Equal(t, "email", bySelector["input[name='contact_email']"].Type)
	require.Equal(t, "Phone number", bySelector["input[name='phone']"].Placeholder)
	require.Equal(t, "select", bySelector["select[name='state']"].Tag)
}

func TestFillAndSubmitPostsMappedValues(t *testing.T) {
	t.Parallel()

	srv, fs := newFormServer(t, `<div class="success-message">Listing received</div>`, http.StatusOK)
	d := New(driver.Config{UserAgent: "test-agent"})

	res, err := d.FillAndSubmit(context.Background(), srv.URL+"/add", listingMapping(), profile())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "Listing received", res.Message)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, map[string]string{
		"csrf":          "tok-1",
		"business_name": "Acme Dental",
		"contact_email": "hi@acme.test",
		"phone":         "555-0100",
		"state":         "",
	}, fs.posted)
}

func TestFillAndSubmitJudgesResponse(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body       string
		status     int
		indicators []string
		success    bool
	}{
		"thank you text":  {body: `<h1>Thank you for your listing!</h1>`, status: http.StatusOK, success: true},
		"error indicator": {body: `<p class="form-error">Email already used</p><p>thank you</p>`, status: http.StatusOK},
		"server error":    {body: `oops`, status: http.StatusBadGateway},
		"no confirmation": {body: `<p>ok</p>`, status: http.StatusOK},
		"custom text match": {
			body:       `<p>Your entry was SUBMITTED for review</p>`,
			status:     http.StatusOK,
			indicators: []string{"text*=submitted"},
			success:    true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newFormServer(t, tc.body, tc.status)
			m := listingMapping()
			m.SuccessIndicators = tc.indicators
			res, err := New(driver.Config{}).FillAndSubmit(context.Background(), srv.URL+"/add", m, profile())
			require.NoError(t, err)
			require.Equal(t, tc.success, res.Success, res.Message)
			if tc.status >= 400 {
				require.Equal(t, tc.status, res.Signal.StatusCode)
			}
		})
	}
}

func TestFillAndSubmitWithoutMappedFields(t *testing.T) {
	t.Parallel()

	srv, fs := newFormServer(t, "", http.StatusOK)
	m := submission.FieldMapping{Fields: map[submission.CanonicalField][]string{
		submission.FieldEmail: {"#nowhere"},
	}}
	res, err := New(driver.Config{}).FillAndSubmit(context.Background(), srv.URL+"/add", m, profile())
	require.NoError(t, err)
	require.False(t, res.Success)
	fs.mu.Lock()
	require.Nil(t, fs.posted)
	fs.mu.Unlock()
}

func TestPageSignalsFromLoadedPage(t *testing.T) {
	t.Parallel()

	srv, _ := newFormServer(t, "", http.StatusOK)
	d := New(driver.Config{})

	sig, err := d.Probe(context.Background(), srv.URL+"/blocked")
	require.NoError(t, err)
	require.True(t, sig.RateLimited)
	require.Equal(t, "30", sig.RetryAfter)

	sig, err = d.Probe(context.Background(), srv.URL+"/login")
	require.NoError(t, err)
	require.True(t, sig.PasswordField)
	require.Equal(t, srv.URL+"/login", sig.FinalURL)
	require.Contains(t, sig.HTML, `type="password"`)
}

func TestUnreachableHostIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	_, err := New(driver.Config{RequestTimeout: time.Second}).Probe(context.Background(), target)
	require.Error(t, err)
	require.True(t, submission.IsTransient(err))
}

func TestPageLoadHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(driver.Config{}).Probe(ctx, "http://127.0.0.1:1/")
	require.Error(t, err)
}
