package db

import (
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

func TestMigrate(t *testing.T) {
	t.Run("creates task tables", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{"schema_migrations", "scheduled_tasks", "scheduled_task_runs"} {
			var n int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "table %s should exist", table)
		}

		var versions int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
		assert.Equal(t, 3, versions)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		assert.Error(t, Migrate(db, nil))
	})

	t.Run("run rows require an existing task", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec(`INSERT INTO scheduled_task_runs (id, task_id, status, created_at, updated_at)
			VALUES ('r1', 'missing', 'queued', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
		assert.Error(t, err, "foreign key should reject orphan runs")
	})
}

func expectRecord(mock sqlmock.Sqlmock, version string) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version) VALUES ($1)")).
		WithArgs(version).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestMigrateDialect_Postgres(t *testing.T) {
	bootstrap := regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")

	t.Run("fresh database applies every migration", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		mock.ExpectExec(bootstrap).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM schema_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}))

		mock.ExpectBegin()
		expectRecord(mock, "000")
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("next_run_at TIMESTAMPTZ NOT NULL")).WillReturnResult(sqlmock.NewResult(0, 0))
		expectRecord(mock, "001")
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS scheduled_task_runs")).WillReturnResult(sqlmock.NewResult(0, 0))
		expectRecord(mock, "002")
		mock.ExpectCommit()

		require.NoError(t, MigrateDialect(mockDB, am.DialectPostgres, nil))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips applied versions", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		mock.ExpectExec(bootstrap).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM schema_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000").AddRow("001"))
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS scheduled_task_runs")).WillReturnResult(sqlmock.NewResult(0, 0))
		expectRecord(mock, "002")
		mock.ExpectCommit()

		require.NoError(t, MigrateDialect(mockDB, am.DialectPostgres, nil))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed migration rolls back and stops", func(t *testing.T) {
		mockDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		mock.ExpectExec(bootstrap).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM schema_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000"))
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS scheduled_tasks")).WillReturnError(assert.AnError)
		mock.ExpectRollback()

		err = MigrateDialect(mockDB, am.DialectPostgres, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "001_create_scheduled_tasks.sql")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown dialect", func(t *testing.T) {
		mockDB, _, err := sqlmock.New()
		require.NoError(t, err)
		defer mockDB.Close()

		err = MigrateDialect(mockDB, "oracle", nil)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestMigrationSets_ShareVersions(t *testing.T) {
	versions := func(dialect string) []string {
		all, err := migrationSets[dialect].load()
		require.NoError(t, err)
		out := make([]string, len(all))
		for i, m := range all {
			out[i] = m.version
		}
		return out
	}

	sqlite := versions(am.DialectSQLite)
	assert.Equal(t, []string{"000", "001", "002"}, sqlite)
	assert.Equal(t, sqlite, versions(am.DialectPostgres), "every schema change ships for both dialects")
}
