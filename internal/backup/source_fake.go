package backup

import (
	"context"
	"sync"
	"time"
)

// FakeSource is an in-memory Source for tests. Payloads are returned as
// configured; Fail* fields inject errors.
type FakeSource struct {
	mu sync.Mutex

	Schema *SchemaPayload
	Data   *DataPayload
	Files  *FilesPayload
	Config *ConfigPayload

	FailSchema error
	FailData   error
	FailFiles  error
	FailConfig error

	exportCalls int
}

// NewFakeSource builds a source with a small, consistent payload set.
func NewFakeSource() *FakeSource {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &FakeSource{
		Schema: &SchemaPayload{
			Tables:     []string{"users"},
			Statements: []string{"CREATE TABLE users (id INT, name TEXT, updated_at TIMESTAMP)"},
		},
		Data: &DataPayload{
			Tables: []TableData{{
				Name:    "users",
				Columns: []string{"id", "name", "updated_at"},
				Rows: [][]interface{}{
					{int64(1), "alice", now.Format(time.RFC3339)},
					{int64(2), "bob", now.Format(time.RFC3339)},
				},
			}},
		},
		Files: &FilesPayload{
			Files: []FileEntry{{
				Path:    "/etc/app/app.conf",
				Size:    4,
				ModTime: now,
				Content: []byte("key\n"),
			}},
		},
		Config: &ConfigPayload{
			Settings:   map[string]string{"retention": "7d"},
			CapturedAt: now,
		},
	}
}

// ExportSchema implements Source.
func (f *FakeSource) ExportSchema(ctx context.Context) (*SchemaPayload, error) {
	f.countCall()
	if f.FailSchema != nil {
		return nil, f.FailSchema
	}
	return f.Schema, nil
}

// ExportData implements Source, honoring the table list and since filter.
func (f *FakeSource) ExportData(ctx context.Context, tables []string, since *time.Time) (*DataPayload, error) {
	f.countCall()
	if f.FailData != nil {
		return nil, f.FailData
	}
	if f.Data == nil {
		return &DataPayload{}, nil
	}

	wanted := make(map[string]bool, len(tables))
	for _, t := range tables {
		wanted[t] = true
	}

	out := &DataPayload{}
	for _, table := range f.Data.Tables {
		if len(wanted) > 0 && !wanted[table.Name] {
			continue
		}
		if since != nil {
			table = FilterRowsSince(table, *since)
		}
		out.Tables = append(out.Tables, table)
	}
	return out, nil
}

// ExportFiles implements Source, honoring the since filter.
func (f *FakeSource) ExportFiles(ctx context.Context, since *time.Time) (*FilesPayload, error) {
	f.countCall()
	if f.FailFiles != nil {
		return nil, f.FailFiles
	}
	if f.Files == nil {
		return &FilesPayload{}, nil
	}

	out := &FilesPayload{}
	for _, file := range f.Files.Files {
		if since != nil && !file.ModTime.After(*since) {
			continue
		}
		out.Files = append(out.Files, file)
	}
	return out, nil
}

// ExportConfiguration implements Source.
func (f *FakeSource) ExportConfiguration(ctx context.Context) (*ConfigPayload, error) {
	f.countCall()
	if f.FailConfig != nil {
		return nil, f.FailConfig
	}
	if f.Config == nil {
		return &ConfigPayload{Settings: map[string]string{}}, nil
	}
	return f.Config, nil
}

// ExportCalls returns how many export operations ran.
func (f *FakeSource) ExportCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exportCalls
}

func (f *FakeSource) countCall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportCalls++
}
