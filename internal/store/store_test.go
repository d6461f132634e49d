package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func toolRow(id, name string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "description", "category", "tags", "parameters", "code", "return_schema", "examples",
		"is_active", "is_bugged", "bug_count", "bug_log", "execution_count", "last_executed_at", "last_error_at",
		"created_at", "updated_at",
	}).AddRow(
		id, name, "adds two numbers", "math", []byte(`["calc"]`), []byte(`[]`), "def run(a, b):\n  return a+b",
		nil, nil, true, false, 0, []byte(`[]`), int64(0), nil, nil, now, now,
	)
}

func TestStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{DB: db}
	spec := ToolSpec{Name: "add_numbers", Description: "adds two numbers", Code: "def run(a, b):\n  return a+b"}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO tools")).
		WithArgs(sqlmock.AnyArg(), spec.Name, spec.Description, spec.Category, sqlmock.AnyArg(), sqlmock.AnyArg(),
			spec.Code, nil, nil, sqlmock.AnyArg()).
		WillReturnRows(toolRow("tool-1", spec.Name))

	got, err := s.Create(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, "add_numbers", got.Name)
	require.True(t, got.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreCreateNameConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{DB: db}
	spec := ToolSpec{Name: "add_numbers", Code: "def run():\n  pass"}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO tools")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err = s.Create(context.Background(), spec)
	require.ErrorIs(t, err, ErrNameConflict)
}

func TestStoreCreateValidation(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{DB: db}
	_, err = s.Create(context.Background(), ToolSpec{Name: "1bad", Code: "x"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = s.Create(context.Background(), ToolSpec{Name: "ok_name"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestStoreGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnRows(toolRow("tool-1", "add_numbers"))

	tools, err := s.List(context.Background(), true, true, "")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "add_numbers", tools[0].Name)
}

func TestStoreReportBugFlagsBuggedAtThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(toolRow("tool-1", "flaky_tool"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE tools")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "category", "tags", "parameters", "code", "return_schema", "examples",
			"is_active", "is_bugged", "bug_count", "bug_log", "execution_count", "last_executed_at", "last_error_at",
			"created_at", "updated_at",
		}).AddRow(
			"tool-1", "flaky_tool", "", "", []byte(`[]`), []byte(`[]`), "x", nil, nil,
			true, true, 3, []byte(`[]`), int64(0), nil, nil, time.Now(), time.Now(),
		))

	got, err := s.ReportBug(context.Background(), "tool-1", "RuntimeError", "boom", "", 3)
	require.NoError(t, err)
	require.True(t, got.IsBugged)
	require.True(t, got.IsActive)
}
