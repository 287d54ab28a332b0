package render

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestVersionStore_NextVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT COALESCE(MAX(version_number), 0) + 1 FROM render_versions WHERE project_id = ? AND phase = ?")).
		WithArgs("proj-1", "phase_2").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(4))

	store := NewVersionStore(db)
	next, err := store.NextVersion(context.Background(), "proj-1", "phase_2")
	require.NoError(t, err)
	require.Equal(t, 4, next)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionStore_NextVersionStartsAtOne(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("proj-new", "phase_1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(1))

	store := NewVersionStore(db)
	next, err := store.NextVersion(context.Background(), "proj-new", "phase_1")
	require.NoError(t, err)
	require.Equal(t, 1, next)
}

func TestVersionStore_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO render_versions (project_id, phase, version_number) VALUES (?, ?, ?)")).
		WithArgs("proj-1", "phase_2", 4).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewVersionStore(db)
	require.NoError(t, store.Record(context.Background(), "proj-1", "phase_2", 4))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadPlan_Path(t *testing.T) {
	structured := UploadPlan{
		UserID: "u-7", ProjectID: "p-3", JobID: "job-1", Phase: "phase_2",
		Version: 5, Structured: true,
	}
	require.Equal(t, "users/u-7/projects/p-3/renders/job-1_v5.mp4", structured.Path())

	legacy := UploadPlan{JobID: "job-1"}
	require.Equal(t, "job-1_final.mp4", legacy.Path())
}
