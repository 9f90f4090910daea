package backup

import (
	"context"
	"encoding/json"
	"time"

	"drguard/internal/apperrors"
)

// artifactVersion is bumped when the envelope layout changes.
const artifactVersion = 1

// Artifact is the payload envelope persisted for every backup. Which
// sections are present depends on the backup kind.
type Artifact struct {
	Version      int            `json:"version"`
	BackupID     string         `json:"backup_id"`
	Kind         Kind           `json:"kind"`
	CreatedAt    time.Time      `json:"created_at"`
	BaseBackupID string         `json:"base_backup_id,omitempty"`
	Schema       *SchemaPayload `json:"schema,omitempty"`
	Data         *DataPayload   `json:"data,omitempty"`
	Files        *FilesPayload  `json:"files,omitempty"`
	Config       *ConfigPayload `json:"config,omitempty"`
}

// SchemaPayload holds the DDL statements that recreate the source schema.
type SchemaPayload struct {
	Statements []string `json:"statements"`
	Tables     []string `json:"tables"`
}

// DataPayload holds exported table rows.
type DataPayload struct {
	Tables []TableData `json:"tables"`
}

// TableData holds the rows of one table in column order.
type TableData struct {
	Name    string          `json:"name"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// RowCount returns the total rows across all tables.
func (dp *DataPayload) RowCount() int {
	if dp == nil {
		return 0
	}
	total := 0
	for _, t := range dp.Tables {
		total += len(t.Rows)
	}
	return total
}

// FilesPayload is a manifest of captured files with their contents.
type FilesPayload struct {
	Files []FileEntry `json:"files"`
}

// FileEntry is one captured file.
type FileEntry struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Mode     uint32    `json:"mode"`
	ModTime  time.Time `json:"mod_time"`
	Checksum string    `json:"checksum"`
	Content  []byte    `json:"content,omitempty"`
}

// ConfigPayload is a point-in-time snapshot of system configuration.
type ConfigPayload struct {
	Settings   map[string]string `json:"settings"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Marshal encodes the artifact for storage.
func (a *Artifact) Marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, apperrors.NewBackupError("failed to encode backup artifact", err)
	}
	return data, nil
}

// UnmarshalArtifact decodes a stored artifact and checks its envelope.
func UnmarshalArtifact(data []byte) (*Artifact, error) {
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, apperrors.NewIntegrityError("backup artifact is not decodable", err).
			WithCode(apperrors.CodeChecksumMismatch)
	}
	if artifact.Version == 0 || artifact.BackupID == "" {
		return nil, apperrors.NewIntegrityError("backup artifact envelope is incomplete", nil)
	}
	return &artifact, nil
}

// Source exports the payloads a backup captures. The since parameter limits
// data and file exports to changes after that instant; nil exports
// everything.
type Source interface {
	// ExportSchema returns the DDL for every table in the source.
	ExportSchema(ctx context.Context) (*SchemaPayload, error)

	// ExportData returns rows for the named tables, or all tables when the
	// list is empty.
	ExportData(ctx context.Context, tables []string, since *time.Time) (*DataPayload, error)

	// ExportFiles returns the tracked files changed after since.
	ExportFiles(ctx context.Context, since *time.Time) (*FilesPayload, error)

	// ExportConfiguration returns the current configuration snapshot.
	ExportConfiguration(ctx context.Context) (*ConfigPayload, error)
}
