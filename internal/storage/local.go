package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"drguard/internal/apperrors"
)

// LocalProvider stores objects as files under a base directory. Object
// metadata lives in a sidecar .meta.json file next to each object.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a filesystem-backed provider rooted at basePath.
func NewLocalProvider(config LocalConfig) (*LocalProvider, error) {
	if config.BasePath == "" {
		return nil, apperrors.NewValidationError("local storage base path cannot be empty", nil)
	}
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, apperrors.NewServerError("failed to create storage directory", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	return &LocalProvider{basePath: config.BasePath}, nil
}

// Store writes data to <base>/<key> plus a metadata sidecar.
func (lp *LocalProvider) Store(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := lp.objectPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", apperrors.NewServerError("failed to create object directory", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", apperrors.NewServerError(fmt.Sprintf("failed to write object %s", key), err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", apperrors.NewServerError(fmt.Sprintf("failed to finalize object %s", key), err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", apperrors.NewServerError("failed to marshal object metadata", err)
		}
		if err := os.WriteFile(path+".meta.json", raw, 0644); err != nil {
			return "", apperrors.NewServerError(fmt.Sprintf("failed to write metadata for %s", key), err).
				WithCode(apperrors.CodeStorageUnavailable)
		}
	}
	return path, nil
}

// Retrieve reads the object stored under key.
func (lp *LocalProvider) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := lp.objectPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFoundError(key)
		}
		return nil, apperrors.NewServerError(fmt.Sprintf("failed to read object %s", key), err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	return data, nil
}

// Delete removes the object and its metadata sidecar if present.
func (lp *LocalProvider) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := lp.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.NewServerError(fmt.Sprintf("failed to delete object %s", key), err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	os.Remove(path + ".meta.json")
	return nil
}

// List walks the base directory and returns every object under prefix.
func (lp *LocalProvider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var objects []ObjectInfo
	err := filepath.Walk(lp.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".meta.json") || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(lp.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		objects = append(objects, ObjectInfo{
			Key:        key,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Location:   path,
			Metadata:   lp.readMetadata(path),
		})
		return nil
	})
	if err != nil {
		return nil, apperrors.NewServerError("failed to list objects", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Stat returns info for a single object.
func (lp *LocalProvider) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := lp.objectPath(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFoundError(key)
		}
		return nil, apperrors.NewServerError(fmt.Sprintf("failed to stat object %s", key), err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	return &ObjectInfo{
		Key:        key,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		Location:   path,
		Metadata:   lp.readMetadata(path),
	}, nil
}

// HealthCheck verifies the base directory exists and is writable.
func (lp *LocalProvider) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(lp.basePath)
	if err != nil {
		return apperrors.NewServerError("storage directory is not accessible", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	if !info.IsDir() {
		return apperrors.NewServerError("storage path is not a directory", nil).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	probe := filepath.Join(lp.basePath, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return apperrors.NewServerError("storage directory is not writable", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	os.Remove(probe)
	return nil
}

// Type returns the provider type.
func (lp *LocalProvider) Type() ProviderType {
	return ProviderLocal
}

// objectPath maps a key to an absolute path, rejecting path traversal.
func (lp *LocalProvider) objectPath(key string) (string, error) {
	if key == "" {
		return "", apperrors.NewValidationError("object key cannot be empty", nil)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", apperrors.NewValidationError(fmt.Sprintf("invalid object key: %s", key), nil)
	}
	return filepath.Join(lp.basePath, clean), nil
}

func (lp *LocalProvider) readMetadata(path string) map[string]string {
	raw, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil
	}
	return metadata
}
