package aggregate

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// pageDriver serves a fixed signal or error per URL.
type pageDriver struct {
	mu      sync.Mutex
	signals map[string]submission.PageSignal
	errs    map[string]error
	loaded  []string
}

func (d *pageDriver) Probe(_ context.Context, url string) (submission.PageSignal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = append(d.loaded, url)
	if err := d.errs[url]; err != nil {
		return submission.PageSignal{}, err
	}
	return d.signals[url], nil
}

func (d *pageDriver) DiscoverFormFields(context.Context, string) ([]submission.FormField, error) {
	return nil, errors.New("not used")
}

func (d *pageDriver) FillAndSubmit(context.Context, string, submission.FieldMapping, submission.BusinessProfile) (submission.SubmitResult, error) {
	return submission.SubmitResult{}, errors.New("not used")
}

type lengthHasher struct{}

func (lengthHasher) Hash(data []byte) (string, error) {
	return "len-" + strconv.Itoa(len(data)), nil
}

func TestAuditClassifiesEachDirectory(t *testing.T) {
	t.Parallel()

	dirs := []submission.Directory{
		{ID: "open", Name: "Open", URL: "https://open.example", SubmissionURL: "https://open.example/add"},
		{ID: "wall", Name: "Wall", URL: "https://wall.example"},
		{ID: "flagged", Name: "Flagged", URL: "https://flagged.example", HasCaptcha: true},
		{ID: "down", Name: "Down", URL: "https://down.example"},
		{ID: "busy", Name: "Busy", URL: "https://busy.example"},
	}
	driver := &pageDriver{
		signals: map[string]submission.PageSignal{
			"https://open.example/add": {StatusCode: http.StatusOK, MultiStep: true, HTML: "<form></form>"},
			"https://wall.example":     {StatusCode: http.StatusOK, PasswordField: true},
			"https://busy.example":     {StatusCode: http.StatusTooManyRequests, RateLimited: true, RetryAfter: "60"},
		},
		errs: map[string]error{
			"https://down.example": submission.Transient(errors.New("i/o timeout"), 0),
		},
	}

	report, err := Audit(context.Background(), dirs, driver, lengthHasher{}, 2)
	require.NoError(t, err)
	require.Equal(t, AuditColumns, report.Columns)
	require.Len(t, report.Rows, 5)

	require.Equal(t, []string{"open", "Open", "https://open.example/add", "200", "yes", "none", "yes", "len-13", ""}, report.Rows[0])
	require.Equal(t, []string{"wall", "Wall", "https://wall.example", "200", "no", "requires_login", "no", "", ""}, report.Rows[1])
	require.Equal(t, []string{"flagged", "Flagged", "https://flagged.example", "", "no", "captcha_present", "no", "", ""}, report.Rows[2])
	require.Equal(t, "down", report.Rows[3][0])
	require.Equal(t, "no", report.Rows[3][4])
	require.Contains(t, report.Rows[3][8], "i/o timeout")
	require.Equal(t, "429", report.Rows[4][3])
	require.Equal(t, "no", report.Rows[4][4])
	require.Contains(t, report.Rows[4][8], "retry after 60")

	// catalog flags skip the page load entirely
	require.NotContains(t, driver.loaded, "https://flagged.example")
	require.Len(t, driver.loaded, 4)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, report))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	require.Equal(t, "dom_checksum", records[0][7])
}

func TestAuditStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Audit(ctx, []submission.Directory{{ID: "a", URL: "https://a.example"}}, &pageDriver{}, nil, 1)
	require.ErrorIs(t, err, context.Canceled)
}
