package catalog

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func showColumnsRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"Field", "Type", "Null", "Key", "Default", "Extra"})
}

func TestResolveColumnOrderAndPrimaryFlag(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SHOW COLUMNS FROM `mydb`.`users`").WillReturnRows(
		showColumnsRows().
			AddRow("id", "int", "NO", "PRI", nil, "auto_increment").
			AddRow("name", "varchar(255)", "YES", "", nil, "").
			AddRow("email", "varchar(255)", "YES", "MUL", nil, ""))

	cat := New(db, testLogger())
	meta, err := cat.Resolve(context.Background(), "mydb", "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "email"}, meta.Columns)
	assert.Equal(t, []string{"id"}, meta.PrimaryKeys)

	// Second resolve is served from the cache: no further queries expected.
	again, err := cat.Resolve(context.Background(), "mydb", "users")
	require.NoError(t, err)
	assert.Same(t, meta, again)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveCompositeKeyFromConstraintCatalog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// No column carries the PRI flag, but the constraint catalog knows a
	// two-column primary key; both resolve, in declared order.
	mock.ExpectQuery("SHOW COLUMNS FROM `mydb`.`events`").WillReturnRows(
		showColumnsRows().
			AddRow("tenant", "varchar(32)", "NO", "", nil, "").
			AddRow("seq", "bigint", "NO", "", nil, "").
			AddRow("payload", "text", "YES", "", nil, ""))
	mock.ExpectQuery("KEY_COLUMN_USAGE").WithArgs("mydb", "events").WillReturnRows(
		sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("tenant").AddRow("seq"))

	meta, err := New(db, testLogger()).Resolve(context.Background(), "mydb", "events")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant", "seq", "payload"}, meta.Columns)
	assert.Equal(t, []string{"tenant", "seq"}, meta.PrimaryKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveFallsBackToShowIndex(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SHOW COLUMNS FROM `mydb`.`legacy`").WillReturnRows(
		showColumnsRows().AddRow("code", "char(8)", "NO", "", nil, ""))
	mock.ExpectQuery("KEY_COLUMN_USAGE").WithArgs("mydb", "legacy").
		WillReturnError(errors.New("access denied"))
	mock.ExpectQuery("SHOW INDEX FROM `mydb`.`legacy`").WillReturnRows(
		sqlmock.NewRows([]string{"Table", "Non_unique", "Key_name", "Seq_in_index", "Column_name"}).
			AddRow("legacy", 0, "PRIMARY", 1, "code"))

	meta, err := New(db, testLogger()).Resolve(context.Background(), "mydb", "legacy")
	require.NoError(t, err)
	assert.Equal(t, []string{"code"}, meta.PrimaryKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveShowIndexAfterEmptyConstraintCatalog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// KEY_COLUMN_USAGE succeeds with zero rows; the key must still be
	// found via SHOW INDEX.
	mock.ExpectQuery("SHOW COLUMNS FROM `mydb`.`archive`").WillReturnRows(
		showColumnsRows().AddRow("code", "char(8)", "NO", "", nil, ""))
	mock.ExpectQuery("KEY_COLUMN_USAGE").WithArgs("mydb", "archive").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}))
	mock.ExpectQuery("SHOW INDEX FROM `mydb`.`archive`").WillReturnRows(
		sqlmock.NewRows([]string{"Table", "Non_unique", "Key_name", "Seq_in_index", "Column_name"}).
			AddRow("archive", 0, "PRIMARY", 1, "code"))

	meta, err := New(db, testLogger()).Resolve(context.Background(), "mydb", "archive")
	require.NoError(t, err)
	assert.Equal(t, []string{"code"}, meta.PrimaryKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveNoPrimaryKeyIsValid(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SHOW COLUMNS FROM `mydb`.`heap`").WillReturnRows(
		showColumnsRows().
			AddRow("a", "int", "YES", "", nil, "").
			AddRow("b", "int", "YES", "", nil, ""))
	mock.ExpectQuery("KEY_COLUMN_USAGE").WithArgs("mydb", "heap").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}))
	mock.ExpectQuery("SHOW INDEX FROM `mydb`.`heap`").WillReturnRows(
		sqlmock.NewRows([]string{"Table", "Non_unique", "Key_name", "Seq_in_index", "Column_name"}))

	meta, err := New(db, testLogger()).Resolve(context.Background(), "mydb", "heap")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, meta.Columns)
	assert.Empty(t, meta.PrimaryKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SHOW COLUMNS FROM `mydb`.`gone`").
		WillReturnError(errors.New("table does not exist"))

	_, err = New(db, testLogger()).Resolve(context.Background(), "mydb", "gone")
	assert.Error(t, err)
}
