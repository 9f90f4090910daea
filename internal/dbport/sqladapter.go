package dbport

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"drguard/internal/apperrors"
	"drguard/internal/logging"
)

// SQLConfig configures a SQL-backed commander.
type SQLConfig struct {
	Dialect         Dialect       `yaml:"dialect" json:"dialect"`
	DSN             string        `yaml:"dsn" json:"-"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout" json:"query_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// Validate checks the configuration.
func (c *SQLConfig) Validate() error {
	if !c.Dialect.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported dialect: %s", c.Dialect), nil)
	}
	if c.DSN == "" {
		return apperrors.NewValidationError("database DSN is required", nil)
	}
	return nil
}

// SetDefaults fills in sane defaults for unset fields.
func (c *SQLConfig) SetDefaults() {
	if c.Dialect == "" {
		c.Dialect = DialectMySQL
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 60 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// SQLAdapter implements Commander on top of database/sql for MySQL and
// PostgreSQL servers.
type SQLAdapter struct {
	db           *sql.DB
	dialect      Dialect
	queryTimeout time.Duration
	logger       *logging.Logger
}

// NewSQLAdapter opens a connection pool and verifies it with a ping.
func NewSQLAdapter(config SQLConfig, logger *logging.Logger) (*SQLAdapter, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	db, err := sql.Open(driverName(config.Dialect), config.DSN)
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to open database connection", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	adapter := &SQLAdapter{
		db:           db,
		dialect:      config.Dialect,
		queryTimeout: config.QueryTimeout,
		logger:       logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"dialect": string(config.Dialect),
		"dsn":     logging.SanitizeDSN(config.DSN),
	}).Debug("Database connection established")

	return adapter, nil
}

// NewSQLAdapterWithDB wraps an existing handle. Used by tests with sqlmock.
func NewSQLAdapterWithDB(db *sql.DB, dialect Dialect, logger *logging.Logger) *SQLAdapter {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &SQLAdapter{
		db:           db,
		dialect:      dialect,
		queryTimeout: 60 * time.Second,
		logger:       logger,
	}
}

// Ping verifies the server is reachable.
func (a *SQLAdapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return apperrors.NewNetworkError("failed to ping database", err).
			WithCode(apperrors.CodeConnectionLost)
	}
	return nil
}

// CreateEnvironment creates a scratch database (MySQL) or schema (PostgreSQL).
func (a *SQLAdapter) CreateEnvironment(ctx context.Context, name string) error {
	if err := validIdent(name); err != nil {
		return err
	}
	var stmt string
	switch a.dialect {
	case DialectPostgres:
		stmt = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", a.quote(name))
	default:
		stmt = fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", a.quote(name))
	}
	return a.exec(ctx, stmt)
}

// DropEnvironment removes a scratch environment and everything in it.
func (a *SQLAdapter) DropEnvironment(ctx context.Context, name string) error {
	if err := validIdent(name); err != nil {
		return err
	}
	var stmt string
	switch a.dialect {
	case DialectPostgres:
		stmt = fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", a.quote(name))
	default:
		stmt = fmt.Sprintf("DROP DATABASE IF EXISTS %s", a.quote(name))
	}
	return a.exec(ctx, stmt)
}

// ApplySchema runs DDL statements inside a transaction so a failed statement
// leaves nothing half-applied where the server supports transactional DDL.
func (a *SQLAdapter) ApplySchema(ctx context.Context, env string, statements []string) error {
	if len(statements) == 0 {
		return nil
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewServerError("failed to begin transaction", err)
	}

	for i, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		start := time.Now()
		_, execErr := tx.ExecContext(ctx, a.qualifyStatement(env, stmt))
		a.logger.WithFields(map[string]interface{}{
			"statement_index": i,
			"duration_ms":     time.Since(start).Milliseconds(),
		}).Debug("Applied schema statement")
		if execErr != nil {
			tx.Rollback()
			return apperrors.NewServerError(fmt.Sprintf("failed to execute schema statement %d", i+1), execErr).
				WithContext("statement_index", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewServerError("failed to commit schema changes", err)
	}
	return nil
}

// InsertRows bulk-inserts one batch of rows.
func (a *SQLAdapter) InsertRows(ctx context.Context, env, table string, columns []string, rows [][]interface{}) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, apperrors.NewValidationError("insert requires at least one column", nil)
	}
	if err := validIdent(table); err != nil {
		return 0, err
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		if err := validIdent(col); err != nil {
			return 0, err
		}
		quoted[i] = a.quote(col)
	}

	var placeholders []string
	var args []interface{}
	n := 1
	for _, row := range rows {
		if len(row) != len(columns) {
			return 0, apperrors.NewValidationError(
				fmt.Sprintf("row has %d values but %d columns declared", len(row), len(columns)), nil)
		}
		marks := make([]string, len(row))
		for i, val := range row {
			if a.dialect == DialectPostgres {
				marks[i] = fmt.Sprintf("$%d", n)
			} else {
				marks[i] = "?"
			}
			args = append(args, val)
			n++
		}
		placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		a.qualifyTable(env, table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "))

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	result, err := a.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, apperrors.NewServerError(fmt.Sprintf("failed to insert rows into %s", table), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return affected, nil
}

// ClearTable removes all rows from a table.
func (a *SQLAdapter) ClearTable(ctx context.Context, env, table string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	return a.exec(ctx, fmt.Sprintf("DELETE FROM %s", a.qualifyTable(env, table)))
}

// Query runs a read-only statement and captures its rows and timing.
func (a *SQLAdapter) Query(ctx context.Context, env, query string) (*QueryResult, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	rows, err := a.db.QueryContext(ctx, a.qualifyStatement(env, query))
	if err != nil {
		return nil, apperrors.NewServerError("query failed", err).WithContext("query", query)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperrors.NewServerError("failed to read result columns", err)
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanTargets := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, apperrors.NewServerError("failed to scan result row", err)
		}
		for i, val := range values {
			if raw, ok := val.([]byte); ok {
				values[i] = string(raw)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewServerError("result iteration failed", err)
	}

	result.RowCount = int64(len(result.Rows))
	result.Duration = time.Since(start)
	return result, nil
}

// CountRows returns the number of rows in a table.
func (a *SQLAdapter) CountRows(ctx context.Context, env, table string) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", a.qualifyTable(env, table))
	if err := a.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, apperrors.NewServerError(fmt.Sprintf("failed to count rows in %s", table), err)
	}
	return count, nil
}

// ListTables returns the table names present in the environment.
func (a *SQLAdapter) ListTables(ctx context.Context, env string) ([]string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var query string
	var args []interface{}
	switch a.dialect {
	case DialectPostgres:
		schema := env
		if schema == "" {
			schema = "public"
		}
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name"
		args = append(args, schema)
	default:
		if env == "" {
			query = "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name"
		} else {
			query = "SELECT table_name FROM information_schema.tables WHERE table_schema = ? ORDER BY table_name"
			args = append(args, env)
		}
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewServerError("failed to list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperrors.NewServerError("failed to scan table name", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewServerError("table listing failed", err)
	}
	return tables, nil
}

// Dialect reports the SQL flavor the adapter speaks.
func (a *SQLAdapter) Dialect() Dialect {
	return a.dialect
}

// Close releases the connection pool.
func (a *SQLAdapter) Close() error {
	return a.db.Close()
}

func (a *SQLAdapter) exec(ctx context.Context, stmt string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return apperrors.NewServerError("statement failed", err).WithContext("statement", stmt)
	}
	return nil
}

func (a *SQLAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.queryTimeout)
}

func (a *SQLAdapter) quote(ident string) string {
	if a.dialect == DialectPostgres {
		return `"` + ident + `"`
	}
	return "`" + ident + "`"
}

func (a *SQLAdapter) qualifyTable(env, table string) string {
	if env == "" {
		return a.quote(table)
	}
	return a.quote(env) + "." + a.quote(table)
}

// qualifyStatement rewrites the {{env}} placeholder so callers can write
// environment-relative statements without knowing the scratch name.
func (a *SQLAdapter) qualifyStatement(env, stmt string) string {
	if env == "" {
		return strings.ReplaceAll(stmt, "{{env}}.", "")
	}
	return strings.ReplaceAll(stmt, "{{env}}", a.quote(env))
}

// validIdent rejects identifiers that could escape quoting.
func validIdent(ident string) error {
	if ident == "" {
		return apperrors.NewValidationError("identifier cannot be empty", nil)
	}
	for _, r := range ident {
		ok := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return apperrors.NewValidationError(fmt.Sprintf("invalid identifier: %s", ident), nil)
		}
	}
	return nil
}

func driverName(dialect Dialect) string {
	if dialect == DialectPostgres {
		return "pgx"
	}
	return "mysql"
}
