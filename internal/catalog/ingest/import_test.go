package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

type recordingUpserter struct {
	dirs []submission.Directory
}

func (r *recordingUpserter) UpsertDirectory(_ context.Context, dir submission.Directory) error {
	r.dirs = append(r.dirs, dir)
	return nil
}

func TestImportFileUpsertsValidRows(t *testing.T) {
	t.Parallel()

	buf := workbook(t,
		[]any{"Name", "Website"},
		[]any{"Hotfrog", "hotfrog.com", "", 60},
		[]any{"Broken"},
	)
	path := filepath.Join(t.TempDir(), "directories.xlsx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	dst := &recordingUpserter{}
	res, err := ImportFile(context.Background(), path, dst)
	require.NoError(t, err)
	require.Len(t, dst.dirs, 1)
	require.Equal(t, "Hotfrog", dst.dirs[0].Name)
	require.Len(t, res.Errors, 1)
}

func TestImportFileMissing(t *testing.T) {
	t.Parallel()

	_, err := ImportFile(context.Background(), filepath.Join(t.TempDir(), "nope.xlsx"), &recordingUpserter{})
	require.Error(t, err)
}
