package dbport

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockAdapter(t *testing.T, dialect Dialect) (*SQLAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLAdapterWithDB(db, dialect, nil), mock
}

func TestSQLAdapter_CreateEnvironment(t *testing.T) {
	t.Run("mysql creates database", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectMySQL)
		mock.ExpectExec("CREATE DATABASE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))

		err := adapter.CreateEnvironment(context.Background(), "dr_test_env")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("postgres creates schema", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectPostgres)
		mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))

		err := adapter.CreateEnvironment(context.Background(), "dr_test_env")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects unsafe name", func(t *testing.T) {
		adapter, _ := newMockAdapter(t, DialectMySQL)
		err := adapter.CreateEnvironment(context.Background(), "bad`name; DROP TABLE users")
		assert.Error(t, err)
	})
}

func TestSQLAdapter_DropEnvironment(t *testing.T) {
	adapter, mock := newMockAdapter(t, DialectPostgres)
	mock.ExpectExec("DROP SCHEMA IF EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))

	err := adapter.DropEnvironment(context.Background(), "dr_test_env")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapter_ApplySchema(t *testing.T) {
	t.Run("runs statements in a transaction", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectMySQL)
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := adapter.ApplySchema(context.Background(), "env", []string{
			"CREATE TABLE users (id INT)",
			"CREATE INDEX idx_users ON users (id)",
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectMySQL)
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE").WillReturnError(assert.AnError)
		mock.ExpectRollback()

		err := adapter.ApplySchema(context.Background(), "env", []string{"CREATE TABLE users (id INT)"})
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no statements is a no-op", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectMySQL)
		err := adapter.ApplySchema(context.Background(), "env", nil)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLAdapter_InsertRows(t *testing.T) {
	t.Run("mysql batch insert", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectMySQL)
		mock.ExpectExec("INSERT INTO").
			WithArgs(int64(1), "alice", int64(2), "bob").
			WillReturnResult(sqlmock.NewResult(0, 2))

		affected, err := adapter.InsertRows(context.Background(), "env", "users",
			[]string{"id", "name"},
			[][]interface{}{{int64(1), "alice"}, {int64(2), "bob"}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), affected)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectMySQL)
		affected, err := adapter.InsertRows(context.Background(), "env", "users", []string{"id"}, nil)
		require.NoError(t, err)
		assert.Zero(t, affected)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects ragged rows", func(t *testing.T) {
		adapter, _ := newMockAdapter(t, DialectMySQL)
		_, err := adapter.InsertRows(context.Background(), "env", "users",
			[]string{"id", "name"},
			[][]interface{}{{int64(1)}})
		assert.Error(t, err)
	})
}

func TestSQLAdapter_Query(t *testing.T) {
	adapter, mock := newMockAdapter(t, DialectMySQL)
	mock.ExpectQuery("SELECT id, name FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alice").
			AddRow(int64(2), "bob"))

	result, err := adapter.Query(context.Background(), "", "SELECT id, name FROM users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, result.Columns)
	assert.Equal(t, int64(2), result.RowCount)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "alice", result.Rows[0][1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAdapter_QueryConvertsBytes(t *testing.T) {
	adapter, mock := newMockAdapter(t, DialectMySQL)
	mock.ExpectQuery("SELECT name FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow([]byte("alice")))

	result, err := adapter.Query(context.Background(), "", "SELECT name FROM users")
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Rows[0][0])
}

func TestSQLAdapter_CountRows(t *testing.T) {
	adapter, mock := newMockAdapter(t, DialectMySQL)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := adapter.CountRows(context.Background(), "env", "users")
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestSQLAdapter_ListTables(t *testing.T) {
	t.Run("mysql named environment", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectMySQL)
		mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
			WithArgs("env").
			WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
				AddRow("orders").AddRow("users"))

		tables, err := adapter.ListTables(context.Background(), "env")
		require.NoError(t, err)
		assert.Equal(t, []string{"orders", "users"}, tables)
	})

	t.Run("postgres defaults to public schema", func(t *testing.T) {
		adapter, mock := newMockAdapter(t, DialectPostgres)
		mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
			WithArgs("public").
			WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("users"))

		tables, err := adapter.ListTables(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, []string{"users"}, tables)
	})
}

func TestSQLAdapter_Ping(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	adapter := NewSQLAdapterWithDB(db, DialectMySQL, nil)

	mock.ExpectPing()
	assert.NoError(t, adapter.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(assert.AnError)
	assert.Error(t, adapter.Ping(context.Background()))
}

func TestSQLConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  SQLConfig
		wantErr bool
	}{
		{name: "valid mysql", config: SQLConfig{Dialect: DialectMySQL, DSN: "user:pass@tcp(localhost:3306)/app"}},
		{name: "valid postgres", config: SQLConfig{Dialect: DialectPostgres, DSN: "postgres://localhost/app"}},
		{name: "missing dsn", config: SQLConfig{Dialect: DialectMySQL}, wantErr: true},
		{name: "bad dialect", config: SQLConfig{Dialect: "oracle", DSN: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSQLConfig_SetDefaults(t *testing.T) {
	var config SQLConfig
	config.SetDefaults()

	assert.Equal(t, DialectMySQL, config.Dialect)
	assert.NotZero(t, config.ConnectTimeout)
	assert.NotZero(t, config.QueryTimeout)
	assert.Equal(t, 10, config.MaxOpenConns)
}

func TestQualifyStatement(t *testing.T) {
	adapter, _ := newMockAdapter(t, DialectMySQL)

	got := adapter.qualifyStatement("scratch", "SELECT * FROM {{env}}.users")
	assert.Equal(t, "SELECT * FROM `scratch`.users", got)

	got = adapter.qualifyStatement("", "SELECT * FROM {{env}}.users")
	assert.Equal(t, "SELECT * FROM users", got)
}
