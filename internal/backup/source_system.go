package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"drguard/internal/apperrors"
	"drguard/internal/dbport"
	"drguard/internal/logging"
)

// SourceConfig selects what the system source captures.
type SourceConfig struct {
	// Environment is the database or schema to export. Empty targets the
	// connection's default.
	Environment string `yaml:"environment" json:"environment"`

	// FileRoots are the directory trees captured by file backups.
	FileRoots []string `yaml:"file_roots" json:"file_roots"`

	// ConfigFiles are snapshotted into configuration backups.
	ConfigFiles []string `yaml:"config_files" json:"config_files"`

	// MaxFileSize skips files larger than this many bytes. Zero means 64 MiB.
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size"`
}

// SetDefaults fills in sane defaults for unset fields.
func (c *SourceConfig) SetDefaults() {
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 64 << 20
	}
}

// SystemSource exports backup payloads from a live database and the local
// filesystem.
type SystemSource struct {
	config    SourceConfig
	commander dbport.Commander
	logger    *logging.Logger
}

// NewSystemSource creates a source backed by the given database commander.
// The commander may be nil when only file and configuration backups are
// taken.
func NewSystemSource(config SourceConfig, commander dbport.Commander, logger *logging.Logger) *SystemSource {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &SystemSource{
		config:    config,
		commander: commander,
		logger:    logger,
	}
}

// ExportSchema dumps DDL for every table in the source environment.
func (s *SystemSource) ExportSchema(ctx context.Context) (*SchemaPayload, error) {
	if s.commander == nil {
		return nil, apperrors.NewValidationError("no database configured for schema export", nil)
	}

	tables, err := s.commander.ListTables(ctx, s.config.Environment)
	if err != nil {
		return nil, err
	}

	payload := &SchemaPayload{Tables: tables}
	for _, table := range tables {
		ddl, err := s.tableDDL(ctx, table)
		if err != nil {
			return nil, err
		}
		payload.Statements = append(payload.Statements, ddl)
	}

	s.logger.WithField("tables", len(tables)).Debug("Exported schema")
	return payload, nil
}

// tableDDL returns a CREATE TABLE statement for one table. MySQL hands the
// original DDL back; PostgreSQL rebuilds an equivalent from the catalog.
func (s *SystemSource) tableDDL(ctx context.Context, table string) (string, error) {
	switch s.commander.Dialect() {
	case dbport.DialectPostgres:
		return s.postgresDDL(ctx, table)
	default:
		result, err := s.commander.Query(ctx, s.config.Environment, fmt.Sprintf("SHOW CREATE TABLE `%s`", table))
		if err != nil {
			return "", err
		}
		if len(result.Rows) == 0 || len(result.Rows[0]) < 2 {
			return "", apperrors.NewServerError(fmt.Sprintf("no DDL returned for table %s", table), nil)
		}
		ddl, ok := result.Rows[0][1].(string)
		if !ok {
			return "", apperrors.NewServerError(fmt.Sprintf("unexpected DDL type for table %s", table), nil)
		}
		return ddl, nil
	}
}

func (s *SystemSource) postgresDDL(ctx context.Context, table string) (string, error) {
	schema := s.config.Environment
	if schema == "" {
		schema = "public"
	}
	query := fmt.Sprintf(
		"SELECT column_name, data_type, is_nullable, column_default FROM information_schema.columns WHERE table_schema = '%s' AND table_name = '%s' ORDER BY ordinal_position",
		schema, table)
	result, err := s.commander.Query(ctx, "", query)
	if err != nil {
		return "", err
	}
	if len(result.Rows) == 0 {
		return "", apperrors.NewServerError(fmt.Sprintf("no columns found for table %s", table), nil)
	}

	ddl := fmt.Sprintf("CREATE TABLE %q (", table)
	for i, row := range result.Rows {
		name, _ := row[0].(string)
		dataType, _ := row[1].(string)
		nullable, _ := row[2].(string)
		if i > 0 {
			ddl += ", "
		}
		ddl += fmt.Sprintf("%q %s", name, dataType)
		if row[3] != nil {
			if def, ok := row[3].(string); ok {
				ddl += " DEFAULT " + def
			}
		}
		if nullable == "NO" {
			ddl += " NOT NULL"
		}
	}
	ddl += ")"
	return ddl, nil
}

// ExportData dumps rows for the named tables, or every table when the list
// is empty. With since set, rows whose recognized timestamp column is not
// after it are dropped.
func (s *SystemSource) ExportData(ctx context.Context, tables []string, since *time.Time) (*DataPayload, error) {
	if s.commander == nil {
		return nil, apperrors.NewValidationError("no database configured for data export", nil)
	}

	if len(tables) == 0 {
		all, err := s.commander.ListTables(ctx, s.config.Environment)
		if err != nil {
			return nil, err
		}
		tables = all
	}

	payload := &DataPayload{}
	for _, table := range tables {
		result, err := s.commander.Query(ctx, s.config.Environment, fmt.Sprintf("SELECT * FROM {{env}}.%s", table))
		if err != nil {
			return nil, err
		}
		tableData := TableData{Name: table, Columns: result.Columns, Rows: result.Rows}
		if since != nil {
			tableData = FilterRowsSince(tableData, *since)
		}
		payload.Tables = append(payload.Tables, tableData)
	}

	s.logger.WithFields(map[string]interface{}{
		"tables": len(payload.Tables),
		"rows":   payload.RowCount(),
	}).Debug("Exported table data")
	return payload, nil
}

// ExportFiles captures the configured file roots. With since set, only
// files modified after it are included.
func (s *SystemSource) ExportFiles(ctx context.Context, since *time.Time) (*FilesPayload, error) {
	payload := &FilesPayload{}

	for _, root := range s.config.FileRoots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if info.IsDir() {
				return nil
			}
			if since != nil && !info.ModTime().After(*since) {
				return nil
			}
			if info.Size() > s.config.MaxFileSize {
				s.logger.WithFields(map[string]interface{}{
					"path": path,
					"size": info.Size(),
				}).Warn("Skipping oversized file")
				return nil
			}

			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(content)
			payload.Files = append(payload.Files, FileEntry{
				Path:     path,
				Size:     info.Size(),
				Mode:     uint32(info.Mode()),
				ModTime:  info.ModTime(),
				Checksum: hex.EncodeToString(sum[:]),
				Content:  content,
			})
			return nil
		})
		if err != nil {
			return nil, apperrors.NewBackupError(fmt.Sprintf("failed to capture files under %s", root), err)
		}
	}

	sort.Slice(payload.Files, func(i, j int) bool {
		return payload.Files[i].Path < payload.Files[j].Path
	})
	s.logger.WithField("files", len(payload.Files)).Debug("Exported files")
	return payload, nil
}

// ExportConfiguration snapshots the configured files into a settings map
// keyed by path.
func (s *SystemSource) ExportConfiguration(ctx context.Context) (*ConfigPayload, error) {
	payload := &ConfigPayload{
		Settings:   make(map[string]string, len(s.config.ConfigFiles)),
		CapturedAt: time.Now().UTC(),
	}
	for _, path := range s.config.ConfigFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.NewBackupError(fmt.Sprintf("failed to snapshot configuration file %s", path), err)
		}
		payload.Settings[path] = string(content)
	}
	return payload, nil
}
