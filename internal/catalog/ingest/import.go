package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Upserter receives imported directories.
type Upserter interface {
	UpsertDirectory(ctx context.Context, dir submission.Directory) error
}

// ImportFile parses the workbook at path and upserts every valid row into dst.
// Rejected rows are returned in Result.Errors and do not stop the import.
func ImportFile(ctx context.Context, path string, dst Upserter) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	res, err := ParseWorkbook(f)
	if err != nil {
		return Result{}, fmt.Errorf("import %s: %w", path, err)
	}
	for _, dir := range res.Directories {
		if err := dst.UpsertDirectory(ctx, dir); err != nil {
			return res, fmt.Errorf("import %s: %w", path, err)
		}
	}
	return res, nil
}
