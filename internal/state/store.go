// Package state persists component records (schedules, metadata catalog, job
// and test histories, alerts) as JSON documents keyed by their generated ids.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is the persistence boundary shared by all components. Documents are
// grouped by record kind and addressed by id; the format is an implementation
// detail of the store.
type Store interface {
	// Save writes the document, replacing any previous version atomically.
	Save(kind, id string, v interface{}) error
	// Load reads the document with the given id into v.
	Load(kind, id string, v interface{}) error
	// List returns all ids of a kind in lexical order.
	List(kind string) ([]string, error)
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(kind, id string) error
}

// FileStore keeps one JSON file per document under <base>/<kind>/<id>.json.
// Writes go through a temp file plus rename so a crash never leaves a
// half-written document behind.
type FileStore struct {
	mu       sync.Mutex
	basePath string
}

// NewFileStore creates the base directory if needed and returns the store.
func NewFileStore(basePath string) (*FileStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", basePath, err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Save implements Store.
func (fs *FileStore) Save(kind, id string, v interface{}) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.basePath, sanitizeComponent(kind))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory for %s: %w", kind, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", kind, id, err)
	}

	path := filepath.Join(dir, sanitizeComponent(id)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return nil
}

// Load implements Store.
func (fs *FileStore) Load(kind, id string, v interface{}) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := filepath.Join(fs.basePath, sanitizeComponent(kind), sanitizeComponent(id)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s not found", kind, id)
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", kind, id, err)
	}
	return nil
}

// List implements Store.
func (fs *FileStore) List(kind string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.basePath, sanitizeComponent(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements Store.
func (fs *FileStore) Delete(kind, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := filepath.Join(fs.basePath, sanitizeComponent(kind), sanitizeComponent(id)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// sanitizeComponent removes path traversal characters from kinds and ids
// before they are used as file names.
func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}
