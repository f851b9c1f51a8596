package aggregate

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

// ReportColumns is the fixed header of an exported report.
var ReportColumns = []string{
	"directory_id",
	"directory_name",
	"directory_url",
	"status",
	"category",
	"skip_reason",
	"mapping_tier",
	"attempts",
	"finished_at",
}

// Report is a tabular per-directory record of one job. It carries categories,
// never raw failure text, so it is safe to hand to customers.
type Report struct {
	JobID   string     `json:"job_id"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ExportReport builds the report rows in target order. Directory names and URLs
// come from the catalog when one is configured.
func (a *Aggregator) ExportReport(ctx context.Context, jobID string) (Report, error) {
	attempts, err := a.jobs.ListAttempts(ctx, jobID)
	if err != nil {
		return Report{}, fmt.Errorf("export report %s: %w", jobID, err)
	}
	r := Report{JobID: jobID, Columns: append([]string(nil), ReportColumns...)}
	for _, at := range attempts {
		var name, url string
		if a.catalog != nil {
			if dir, err := a.catalog.GetDirectory(ctx, at.DirectoryID); err == nil {
				name, url = dir.Name, dir.URL
			}
		}
		finished := ""
		if at.FinishedAt != nil {
			finished = at.FinishedAt.UTC().Format(time.RFC3339)
		}
		r.Rows = append(r.Rows, []string{
			at.DirectoryID,
			name,
			url,
			string(at.Status),
			string(at.Category),
			string(at.SkipReason),
			at.MappingTier,
			strconv.Itoa(at.Attempts),
			finished,
		})
	}
	return r, nil
}

// WriteCSV renders the report with a header row.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(r.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(r.Rows); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return nil
}

// WriteXLSX renders the report as a single-sheet workbook.
func WriteXLSX(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()
	sheet := "Report"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	if err := writeRow(f, sheet, 1, r.Columns); err != nil {
		return err
	}
	for i, row := range r.Rows {
		if err := writeRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, n int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return fmt.Errorf("row %d: %w", n, err)
	}
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &row); err != nil {
		return fmt.Errorf("row %d: %w", n, err)
	}
	return nil
}
