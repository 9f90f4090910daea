package restore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
)

// Sink applies file and configuration payloads to the restore target. The
// database side goes through the dbport commander; everything that is not a
// database lands here.
type Sink interface {
	// RestoreFile materializes one captured file at the target.
	RestoreFile(ctx context.Context, entry backup.FileEntry) error

	// ApplyConfiguration installs a configuration snapshot at the target.
	ApplyConfiguration(ctx context.Context, settings map[string]string) error
}

// DirSink restores files under a base directory and writes the configuration
// snapshot next to them. Paths are re-rooted below the base so a crafted
// manifest cannot escape it.
type DirSink struct {
	basePath string
}

// NewDirSink creates the base directory if needed.
func NewDirSink(basePath string) (*DirSink, error) {
	if basePath == "" {
		return nil, apperrors.NewValidationError("file restore target directory is required", nil)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, apperrors.NewRestoreError("failed to create file restore directory", err)
	}
	return &DirSink{basePath: basePath}, nil
}

// RestoreFile implements Sink.
func (s *DirSink) RestoreFile(ctx context.Context, entry backup.FileEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel := strings.TrimPrefix(filepath.Clean("/"+entry.Path), "/")
	target := filepath.Join(s.basePath, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return apperrors.NewRestoreError("failed to create directory for restored file", err)
	}
	mode := os.FileMode(entry.Mode)
	if mode == 0 {
		mode = 0644
	}
	if err := os.WriteFile(target, entry.Content, mode); err != nil {
		return apperrors.NewRestoreError("failed to write restored file", err)
	}
	return nil
}

// ApplyConfiguration implements Sink. The snapshot is written as JSON for an
// operator to apply; live reconfiguration is out of scope for a restore.
func (s *DirSink) ApplyConfiguration(ctx context.Context, settings map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return apperrors.NewRestoreError("failed to encode configuration snapshot", err)
	}
	target := filepath.Join(s.basePath, "configuration.json")
	if err := os.WriteFile(target, data, 0644); err != nil {
		return apperrors.NewRestoreError("failed to write configuration snapshot", err)
	}
	return nil
}

// FakeSink is an in-memory Sink for tests.
type FakeSink struct {
	mu       sync.Mutex
	files    map[string][]byte
	settings map[string]string

	FailFile   error
	FailConfig error
}

// NewFakeSink builds an empty fake sink.
func NewFakeSink() *FakeSink {
	return &FakeSink{files: make(map[string][]byte)}
}

// RestoreFile implements Sink.
func (s *FakeSink) RestoreFile(ctx context.Context, entry backup.FileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailFile != nil {
		return s.FailFile
	}
	s.files[entry.Path] = append([]byte(nil), entry.Content...)
	return nil
}

// ApplyConfiguration implements Sink.
func (s *FakeSink) ApplyConfiguration(ctx context.Context, settings map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailConfig != nil {
		return s.FailConfig
	}
	s.settings = make(map[string]string, len(settings))
	for k, v := range settings {
		s.settings[k] = v
	}
	return nil
}

// Files returns the restored file contents by path.
func (s *FakeSink) Files() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.files))
	for k, v := range s.files {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Settings returns the applied configuration snapshot.
func (s *FakeSink) Settings() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out
}
