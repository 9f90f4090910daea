package storage

import (
	"context"
	"fmt"
	"sort"

	"drguard/internal/apperrors"
)

// NewProvider creates the provider selected by config.
func NewProvider(ctx context.Context, config Config) (Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid storage configuration", err)
	}

	switch config.Provider {
	case ProviderLocal:
		return NewLocalProvider(config.Local)

	case ProviderS3:
		return NewS3Provider(config.S3)

	case ProviderGCS:
		return NewGCSProvider(ctx, config.GCS)

	case ProviderAzure:
		return NewAzureProvider(config.Azure)

	case ProviderMemory:
		return NewMemoryProvider(), nil

	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unsupported storage provider: %s", config.Provider), nil)
	}
}

// SupportedProviders returns the provider types a configuration may select.
func SupportedProviders() []ProviderType {
	return []ProviderType{
		ProviderLocal,
		ProviderS3,
		ProviderGCS,
		ProviderAzure,
		ProviderMemory,
	}
}

// RegionConfig binds a replica region name to its storage backend.
type RegionConfig struct {
	Region  string `yaml:"region" json:"region"`
	Storage Config `yaml:"storage" json:"storage"`
}

// NewRegionProviders builds one provider per replica region. Region names
// must be unique and every backend must construct cleanly; a single bad
// region fails the whole set.
func NewRegionProviders(ctx context.Context, configs []RegionConfig) (map[string]Provider, error) {
	if len(configs) == 0 {
		return nil, apperrors.NewValidationError("at least one replica region is required", nil)
	}

	providers := make(map[string]Provider, len(configs))
	for _, rc := range configs {
		if rc.Region == "" {
			return nil, apperrors.NewValidationError("replica region name cannot be empty", nil)
		}
		if _, exists := providers[rc.Region]; exists {
			return nil, apperrors.NewValidationError(fmt.Sprintf("duplicate replica region: %s", rc.Region), nil)
		}
		provider, err := NewProvider(ctx, rc.Storage)
		if err != nil {
			return nil, apperrors.NewValidationError(fmt.Sprintf("invalid storage for region %s", rc.Region), err)
		}
		providers[rc.Region] = provider
	}
	return providers, nil
}

// RegionNames returns the sorted region names of a provider map.
func RegionNames(providers map[string]Provider) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
