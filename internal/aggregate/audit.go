package aggregate

import (
	"context"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/directory-submitter/internal/classifier"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// AuditColumns is the header of a catalog audit report.
var AuditColumns = []string{
	"directory_id",
	"directory_name",
	"submission_url",
	"status_code",
	"accessible",
	"skip_reason",
	"multi_step",
	"dom_checksum",
	"error",
}

// Audit loads each directory's submission page through driver, at most
// parallel at a time, and reports what the classifier makes of it. Rows keep
// the order of dirs. A page that fails to load is a row, not an error.
func Audit(
	ctx context.Context,
	dirs []submission.Directory,
	driver submission.FormDriver,
	hasher submission.Hasher,
	parallel int,
) (Report, error) {
	rows := make([][]string, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, dir := range dirs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows[i] = auditRow(gctx, dir, driver, hasher)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return Report{Columns: append([]string(nil), AuditColumns...), Rows: rows}, nil
}

func auditRow(ctx context.Context, dir submission.Directory, driver submission.FormDriver, hasher submission.Hasher) []string {
	url := dir.SubmissionURL
	if url == "" {
		url = dir.URL
	}
	row := []string{dir.ID, dir.Name, url, "", "no", "", "no", "", ""}

	if d := classifier.ForDirectory(dir); d.Skip {
		row[5] = string(d.Reason)
		return row
	}
	sig, err := driver.Probe(ctx, url)
	if err != nil {
		row[8] = err.Error()
		return row
	}
	row[3] = strconv.Itoa(sig.StatusCode)
	d := classifier.Classify(sig)
	row[5] = string(d.Reason)
	if !d.Skip && !sig.RateLimited && sig.StatusCode < http.StatusBadRequest {
		row[4] = "yes"
	}
	if sig.MultiStep {
		row[6] = "yes"
	}
	if rlErr := classifier.RateLimitError(sig); rlErr != nil {
		row[8] = rlErr.Error()
	}
	if sig.HTML != "" && hasher != nil {
		sum, err := hasher.Hash([]byte(sig.HTML))
		if err != nil {
			row[8] = err.Error()
			return row
		}
		row[7] = sum
	}
	return row
}
