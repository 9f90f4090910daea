package dbport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"drguard/internal/apperrors"
)

// FakeCall records one invocation against the fake commander.
type FakeCall struct {
	Method string
	Env    string
	Detail string
}

// fakeEnv holds the mutable state of one simulated environment.
type fakeEnv struct {
	schema  []string
	tables  map[string][][]interface{}
	columns map[string][]string
}

// Fake is an in-memory Commander for tests. It tracks environments, applied
// schema, and inserted rows, and lets tests script query results and
// failures.
type Fake struct {
	mu    sync.Mutex
	envs  map[string]*fakeEnv
	calls []FakeCall

	// QueryResults maps exact query strings to scripted results. Queries
	// without an entry succeed with a single-row placeholder result.
	QueryResults map[string]*QueryResult

	// QueryErrors maps exact query strings to scripted failures, letting a
	// test fail some queries while others succeed.
	QueryErrors map[string]error

	// QueryDuration is reported as the duration of every scripted query.
	QueryDuration time.Duration

	// FakeDialect overrides the reported dialect. Defaults to MySQL.
	FakeDialect Dialect

	// Failure injection, checked before any state change.
	FailPing        error
	FailCreateEnv   error
	FailDropEnv     error
	FailApplySchema error
	FailInsert      error
	FailClear       error
	FailQuery       error
}

// NewFake creates an empty fake commander with a default environment.
func NewFake() *Fake {
	f := &Fake{
		envs:         make(map[string]*fakeEnv),
		QueryResults: make(map[string]*QueryResult),
		QueryErrors:  make(map[string]error),
	}
	f.envs[""] = newFakeEnv()
	return f
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		tables:  make(map[string][][]interface{}),
		columns: make(map[string][]string),
	}
}

// Ping implements Commander.
func (f *Fake) Ping(ctx context.Context) error {
	f.record("Ping", "", "")
	return f.FailPing
}

// CreateEnvironment implements Commander.
func (f *Fake) CreateEnvironment(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: "CreateEnvironment", Env: name})
	if f.FailCreateEnv != nil {
		return f.FailCreateEnv
	}
	if _, ok := f.envs[name]; !ok {
		f.envs[name] = newFakeEnv()
	}
	return nil
}

// DropEnvironment implements Commander.
func (f *Fake) DropEnvironment(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: "DropEnvironment", Env: name})
	if f.FailDropEnv != nil {
		return f.FailDropEnv
	}
	if name != "" {
		delete(f.envs, name)
	}
	return nil
}

// ApplySchema implements Commander. Statements of the form
// "CREATE TABLE <name> ..." register the table in the environment.
func (f *Fake) ApplySchema(ctx context.Context, env string, statements []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: "ApplySchema", Env: env, Detail: fmt.Sprintf("%d statements", len(statements))})
	if f.FailApplySchema != nil {
		return f.FailApplySchema
	}
	e, err := f.env(env)
	if err != nil {
		return err
	}
	e.schema = append(e.schema, statements...)
	for _, stmt := range statements {
		if name := tableFromCreate(stmt); name != "" {
			if _, ok := e.tables[name]; !ok {
				e.tables[name] = nil
			}
		}
	}
	return nil
}

// InsertRows implements Commander.
func (f *Fake) InsertRows(ctx context.Context, env, table string, columns []string, rows [][]interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: "InsertRows", Env: env, Detail: fmt.Sprintf("%s:%d", table, len(rows))})
	if f.FailInsert != nil {
		return 0, f.FailInsert
	}
	e, err := f.env(env)
	if err != nil {
		return 0, err
	}
	e.tables[table] = append(e.tables[table], rows...)
	e.columns[table] = columns
	return int64(len(rows)), nil
}

// ClearTable implements Commander.
func (f *Fake) ClearTable(ctx context.Context, env, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: "ClearTable", Env: env, Detail: table})
	if f.FailClear != nil {
		return f.FailClear
	}
	e, err := f.env(env)
	if err != nil {
		return err
	}
	e.tables[table] = nil
	return nil
}

// Query implements Commander.
func (f *Fake) Query(ctx context.Context, env, query string) (*QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: "Query", Env: env, Detail: query})
	if f.FailQuery != nil {
		return nil, f.FailQuery
	}
	if err, ok := f.QueryErrors[query]; ok {
		return nil, err
	}
	if result, ok := f.QueryResults[query]; ok {
		out := *result
		if f.QueryDuration > 0 {
			out.Duration = f.QueryDuration
		}
		return &out, nil
	}
	return &QueryResult{
		Columns:  []string{"ok"},
		Rows:     [][]interface{}{{int64(1)}},
		RowCount: 1,
		Duration: f.QueryDuration,
	}, nil
}

// CountRows implements Commander.
func (f *Fake) CountRows(ctx context.Context, env, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: "CountRows", Env: env, Detail: table})
	e, err := f.env(env)
	if err != nil {
		return 0, err
	}
	return int64(len(e.tables[table])), nil
}

// ListTables implements Commander.
func (f *Fake) ListTables(ctx context.Context, env string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: "ListTables", Env: env})
	e, err := f.env(env)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(e.tables))
	for name := range e.tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables, nil
}

// Dialect implements Commander. Defaults to MySQL unless overridden.
func (f *Fake) Dialect() Dialect {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FakeDialect != "" {
		return f.FakeDialect
	}
	return DialectMySQL
}

// Close implements Commander.
func (f *Fake) Close() error {
	f.record("Close", "", "")
	return nil
}

// Calls returns a copy of the recorded call log.
func (f *Fake) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns only the calls for one method.
func (f *Fake) CallsTo(method string) []FakeCall {
	var out []FakeCall
	for _, call := range f.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// HasEnvironment reports whether the named environment currently exists.
func (f *Fake) HasEnvironment(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.envs[name]
	return ok
}

// RowsIn returns the rows currently held by a table.
func (f *Fake) RowsIn(env, table string) [][]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.envs[env]
	if !ok {
		return nil
	}
	rows := e.tables[table]
	out := make([][]interface{}, len(rows))
	copy(out, rows)
	return out
}

// SchemaOf returns the DDL statements applied to an environment.
func (f *Fake) SchemaOf(env string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.envs[env]
	if !ok {
		return nil
	}
	out := make([]string, len(e.schema))
	copy(out, e.schema)
	return out
}

func (f *Fake) env(name string) (*fakeEnv, error) {
	e, ok := f.envs[name]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("environment %s does not exist", name), nil)
	}
	return e, nil
}

func (f *Fake) record(method, env, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, FakeCall{Method: method, Env: env, Detail: detail})
}

// tableFromCreate extracts the table name from a CREATE TABLE statement.
func tableFromCreate(stmt string) string {
	fields := strings.Fields(stmt)
	for i := 0; i+1 < len(fields); i++ {
		if strings.EqualFold(fields[i], "CREATE") && strings.EqualFold(fields[i+1], "TABLE") {
			j := i + 2
			for j < len(fields) {
				word := fields[j]
				upper := strings.ToUpper(word)
				if upper == "IF" || upper == "NOT" || upper == "EXISTS" {
					j++
					continue
				}
				name := strings.Trim(word, "`\"(")
				if idx := strings.IndexByte(name, '('); idx > 0 {
					name = name[:idx]
				}
				if idx := strings.IndexByte(name, '.'); idx >= 0 {
					name = name[idx+1:]
				}
				return name
			}
		}
	}
	return ""
}
