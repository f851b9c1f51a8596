package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/aggregate"
	"github.com/JakeFAU/directory-submitter/internal/catalog/ingest"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Report formats understood by WriteReport and StoreReport.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

var contentTypes = map[string]string{
	FormatJSON: "application/json",
	FormatCSV:  "text/csv",
	FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// ImportDirectories loads a directory workbook into the catalog and flushes it
// to the configured backend. Rejected rows are returned, not treated as errors.
func (a *App) ImportDirectories(ctx context.Context, path string) (ingest.Result, error) {
	res, err := ingest.ImportFile(ctx, path, a.catalog)
	if err != nil {
		return res, err
	}
	if err := a.catalog.Flush(ctx); err != nil {
		return res, fmt.Errorf("flush catalog: %w", err)
	}
	a.logger.Info("directories imported",
		zap.String("path", path),
		zap.Int("directories", len(res.Directories)),
		zap.Int("rejected", len(res.Errors)),
	)
	return res, nil
}

// AuditDirectories loads the submission page of every active directory and
// writes how the classifier sees each one.
func (a *App) AuditDirectories(ctx context.Context, format string, w io.Writer) error {
	if _, ok := contentTypes[format]; !ok {
		return fmt.Errorf("unsupported format %q", format)
	}
	dirs, err := a.catalog.ListDirectories(ctx, submission.DirectoryFilter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list directories: %w", err)
	}
	report, err := aggregate.Audit(ctx, dirs, a.formDriver, a.hasher, a.cfg.Scheduler.Workers)
	if err != nil {
		return fmt.Errorf("audit directories: %w", err)
	}
	a.logger.Info("directories audited", zap.Int("directories", len(dirs)))
	return writeReport(w, format, report)
}

// WriteReport renders a job's attempt report to w.
func (a *App) WriteReport(ctx context.Context, jobID, format string, w io.Writer) error {
	if _, ok := contentTypes[format]; !ok {
		return fmt.Errorf("unsupported format %q", format)
	}
	report, err := a.aggregator.ExportReport(ctx, jobID)
	if err != nil {
		return err
	}
	return writeReport(w, format, report)
}

func writeReport(w io.Writer, format string, report aggregate.Report) error {
	switch format {
	case FormatCSV:
		return aggregate.WriteCSV(w, report)
	case FormatXLSX:
		return aggregate.WriteXLSX(w, report)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
}

// StoreReport renders a job's report into the blob store and returns its URI.
func (a *App) StoreReport(ctx context.Context, jobID, format string) (string, error) {
	var buf bytes.Buffer
	if err := a.WriteReport(ctx, jobID, format, &buf); err != nil {
		return "", err
	}
	path := a.cfg.ReportPath(jobID, format)
	uri, err := a.blobs.PutObject(ctx, path, contentTypes[format], &buf)
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	a.logger.Info("report stored", zap.String("job_id", jobID), zap.String("uri", uri))
	return uri, nil
}
