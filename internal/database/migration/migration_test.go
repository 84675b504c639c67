package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEnsureMigrated_AppliesPendingSteps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	core, logs := observer.New(zap.InfoLevel)
	ctx := context.Background()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))

	// everything except the last step is already applied
	rows := sqlmock.NewRows([]string{"name"})
	for _, s := range steps[:len(steps)-1] {
		rows.AddRow(s.Name)
	}
	mock.ExpectQuery("SELECT name FROM schema_migrations").WillReturnRows(rows)

	last := steps[len(steps)-1]
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS purchase_invoices").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs(last.Name).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = EnsureMigrated(ctx, db, zap.New(core), "db.local")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 1, logs.FilterMessage("db_migration_step").Len())
	success := logs.FilterMessage("db_migration_success").All()
	require.Len(t, success, 1)
	assert.Equal(t, int64(1), success[0].ContextMap()["steps_applied"])
	assert.Equal(t, "db.local", success[0].ContextMap()["db_host"])
}

func TestEnsureMigrated_UpToDate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	core, logs := observer.New(zap.InfoLevel)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"name"})
	for _, s := range steps {
		rows.AddRow(s.Name)
	}
	mock.ExpectQuery("SELECT name FROM schema_migrations").WillReturnRows(rows)

	require.NoError(t, EnsureMigrated(context.Background(), db, zap.New(core), "db.local"))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, logs.FilterMessage("db_migration_skip").Len())
}

func TestEnsureMigrated_StepFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	core, logs := observer.New(zap.InfoLevel)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT name FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE EXTENSION").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = EnsureMigrated(context.Background(), db, zap.New(core), "db.local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration step create_extension_uuid_ossp failed")
	assert.NoError(t, mock.ExpectationsWereMet())

	failed := logs.FilterMessage("db_migration_failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "create_extension_uuid_ossp", failed[0].ContextMap()["migration_step"])
}

func TestEnsureMigrated_LedgerError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnError(errors.New("connection refused"))

	err = EnsureMigrated(context.Background(), db, zap.NewNop(), "db.local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create migration ledger")
}
