package dbport

import (
	"context"
	"time"
)

// Dialect selects the SQL flavor an adapter speaks.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// IsValid checks if the dialect is supported.
func (d Dialect) IsValid() bool {
	return d == DialectMySQL || d == DialectPostgres
}

// QueryResult holds the rows returned by a validation or inspection query.
type QueryResult struct {
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int64           `json:"row_count"`
	Duration time.Duration   `json:"duration"`
}

// Commander is the database port used by restore and recovery testing. An
// environment is an isolated database (MySQL) or schema (PostgreSQL) that
// can be created and dropped without touching production data. The empty
// environment name addresses the connection's default database.
type Commander interface {
	// Ping verifies the server is reachable.
	Ping(ctx context.Context) error

	// CreateEnvironment creates an isolated scratch environment.
	CreateEnvironment(ctx context.Context, name string) error

	// DropEnvironment removes a scratch environment and everything in it.
	DropEnvironment(ctx context.Context, name string) error

	// ApplySchema runs DDL statements inside the environment.
	ApplySchema(ctx context.Context, env string, statements []string) error

	// InsertRows bulk-inserts one batch of rows and reports how many landed.
	InsertRows(ctx context.Context, env, table string, columns []string, rows [][]interface{}) (int64, error)

	// ClearTable removes all rows from a table.
	ClearTable(ctx context.Context, env, table string) error

	// Query runs a read-only statement and captures its result and timing.
	Query(ctx context.Context, env, query string) (*QueryResult, error)

	// CountRows returns the number of rows in a table.
	CountRows(ctx context.Context, env, table string) (int64, error)

	// ListTables returns the table names present in the environment.
	ListTables(ctx context.Context, env string) ([]string, error)

	// Dialect reports the SQL flavor the commander speaks.
	Dialect() Dialect

	// Close releases the underlying connections.
	Close() error
}
