package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drguard/internal/apperrors"
)

// ProviderType identifies a storage backend.
type ProviderType string

const (
	ProviderLocal  ProviderType = "local"
	ProviderS3     ProviderType = "s3"
	ProviderGCS    ProviderType = "gcs"
	ProviderAzure  ProviderType = "azure"
	ProviderMemory ProviderType = "memory"
)

// IsValid checks if the provider type is supported.
func (pt ProviderType) IsValid() bool {
	switch pt {
	case ProviderLocal, ProviderS3, ProviderGCS, ProviderAzure, ProviderMemory:
		return true
	default:
		return false
	}
}

// CodeObjectNotFound is attached to errors for keys that do not exist.
const CodeObjectNotFound = "OBJECT_NOT_FOUND"

// ObjectInfo describes one stored object. Size is the exact byte count as
// stored, which replication uses to verify copies.
type ObjectInfo struct {
	Key        string            `json:"key"`
	Size       int64             `json:"size"`
	ModifiedAt time.Time         `json:"modified_at"`
	Location   string            `json:"location"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Provider is the storage port shared by the backup engine and the
// replicator. Implementations must be safe for concurrent use.
type Provider interface {
	// Store writes data under key and returns the provider-specific location.
	Store(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error)

	// Retrieve reads the object stored under key.
	Retrieve(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object stored under key. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, key string) error

	// List returns info for every object whose key starts with prefix,
	// ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Stat returns info for a single object, or a not-found error.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// HealthCheck verifies the backend is reachable and writable.
	HealthCheck(ctx context.Context) error

	// Type returns the provider type.
	Type() ProviderType
}

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Code == CodeObjectNotFound
	}
	return false
}

// notFoundError builds the canonical missing-object error.
func notFoundError(key string) *apperrors.Error {
	return apperrors.NewClientError(fmt.Sprintf("object %s not found", key), nil).
		WithCode(CodeObjectNotFound)
}

// Config selects and configures a storage backend.
type Config struct {
	Provider ProviderType `yaml:"provider" json:"provider"`
	Local    LocalConfig  `yaml:"local" json:"local"`
	S3       S3Config     `yaml:"s3" json:"s3"`
	GCS      GCSConfig    `yaml:"gcs" json:"gcs"`
	Azure    AzureConfig  `yaml:"azure" json:"azure"`
}

// LocalConfig configures filesystem storage.
type LocalConfig struct {
	BasePath string `yaml:"base_path" json:"base_path"`
}

// S3Config configures AWS S3 storage.
type S3Config struct {
	Region          string `yaml:"region" json:"region"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
}

// GCSConfig configures Google Cloud Storage.
type GCSConfig struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// AzureConfig configures Azure Blob Storage.
type AzureConfig struct {
	AccountName string `yaml:"account_name" json:"account_name"`
	AccountKey  string `yaml:"account_key" json:"-"`
	Container   string `yaml:"container" json:"container"`
	Prefix      string `yaml:"prefix" json:"prefix"`
}

// Validate checks the configuration for the selected provider.
func (c *Config) Validate() error {
	if !c.Provider.IsValid() {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported storage provider: %s", c.Provider), nil)
	}
	switch c.Provider {
	case ProviderLocal:
		if c.Local.BasePath == "" {
			return apperrors.NewValidationError("local storage base path is required", nil)
		}
	case ProviderS3:
		if c.S3.Bucket == "" {
			return apperrors.NewValidationError("s3 bucket is required", nil)
		}
		if c.S3.Region == "" {
			return apperrors.NewValidationError("s3 region is required", nil)
		}
	case ProviderGCS:
		if c.GCS.Bucket == "" {
			return apperrors.NewValidationError("gcs bucket is required", nil)
		}
	case ProviderAzure:
		if c.Azure.AccountName == "" || c.Azure.AccountKey == "" {
			return apperrors.NewValidationError("azure account name and key are required", nil)
		}
		if c.Azure.Container == "" {
			return apperrors.NewValidationError("azure container is required", nil)
		}
	}
	return nil
}

// SetDefaults fills in sane defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.Provider == "" {
		c.Provider = ProviderLocal
	}
	if c.Provider == ProviderLocal && c.Local.BasePath == "" {
		c.Local.BasePath = "./backups"
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
}
