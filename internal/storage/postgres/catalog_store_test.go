package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

var directoryCols = []string{
	"id", "name", "url", "submission_url", "category", "tier", "domain_authority", "difficulty",
	"requires_login", "has_captcha", "active", "verification_status", "mapping",
}

func TestCatalogStoreLoadsDirectories(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCatalogStore(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM directories ORDER BY id").
		WillReturnRows(pgxmock.NewRows(directoryCols).
			AddRow("alpha", "Alpha", "https://alpha.example", "https://alpha.example/submit", "local-directory",
				1, 85, "hard", false, false, true, "verified",
				[]byte(`{"fields":{"businessName":["#name"],"email":["#email"]},"submit_selector":"#go"}`)).
			AddRow("beta", "Beta", "https://beta.example", "https://beta.example/submit", "general-directory",
				4, 20, "easy", true, false, true, "unmapped", nil))

	dirs, err := store.LoadDirectories(context.Background())
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	require.Equal(t, submission.VerificationVerified, dirs[0].VerificationStatus)
	require.Equal(t, []string{"#name"}, dirs[0].Mapping.Fields[submission.FieldBusinessName])
	require.Equal(t, "#go", dirs[0].Mapping.SubmitSelector)
	require.Nil(t, dirs[1].Mapping)
	require.True(t, dirs[1].RequiresLogin)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogStoreSavesInOneTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCatalogStore(mock, "dirs")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dirs").
		WithArgs("alpha", "Alpha", "https://alpha.example", "", "", 1, 0, "", false, false, true,
			"unmapped", []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO dirs").
		WithArgs("beta", "Beta", "https://beta.example", "", "", 2, 0, "", false, false, true,
			"needs-testing", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = store.SaveDirectories(context.Background(), []submission.Directory{
		{ID: "alpha", Name: "Alpha", URL: "https://alpha.example", Tier: 1, Active: true,
			VerificationStatus: submission.VerificationUnmapped},
		{ID: "beta", Name: "Beta", URL: "https://beta.example", Tier: 2, Active: true,
			VerificationStatus: submission.VerificationNeedsTesting,
			Mapping: &submission.FieldMapping{Fields: map[submission.CanonicalField][]string{
				submission.FieldEmail: {"#email"},
			}}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogStoreSaveNothingSkipsTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCatalogStore(mock, "")
	require.NoError(t, err)
	require.NoError(t, store.SaveDirectories(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
