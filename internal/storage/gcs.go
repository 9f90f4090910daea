package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"drguard/internal/apperrors"
)

// GCSProvider stores objects in a Google Cloud Storage bucket.
type GCSProvider struct {
	client *gcstorage.Client
	bucket string
	prefix string
}

// NewGCSProvider creates a GCS-backed provider. Without an explicit
// credentials file it falls back to application default credentials.
func NewGCSProvider(ctx context.Context, config GCSConfig) (*GCSProvider, error) {
	if config.Bucket == "" {
		return nil, apperrors.NewValidationError("gcs bucket cannot be empty", nil)
	}

	var client *gcstorage.Client
	var err error
	if config.CredentialsFile != "" {
		client, err = gcstorage.NewClient(ctx, option.WithCredentialsFile(config.CredentialsFile))
	} else {
		client, err = gcstorage.NewClient(ctx)
	}
	if err != nil {
		return nil, apperrors.NewServerError("failed to create GCS client", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}

	return &GCSProvider{
		client: client,
		bucket: config.Bucket,
		prefix: normalizePrefix(config.Prefix),
	}, nil
}

// Store uploads data to the bucket.
func (gp *GCSProvider) Store(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	objectName := gp.objectName(key)
	writer := gp.client.Bucket(gp.bucket).Object(objectName).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	if len(metadata) > 0 {
		writer.Metadata = metadata
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return "", gp.classify(fmt.Sprintf("failed to upload object %s to GCS", key), err)
	}
	if err := writer.Close(); err != nil {
		return "", gp.classify(fmt.Sprintf("failed to finalize object %s in GCS", key), err)
	}

	return fmt.Sprintf("gs://%s/%s", gp.bucket, objectName), nil
}

// Retrieve downloads an object from the bucket.
func (gp *GCSProvider) Retrieve(ctx context.Context, key string) ([]byte, error) {
	reader, err := gp.client.Bucket(gp.bucket).Object(gp.objectName(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, notFoundError(key)
		}
		return nil, gp.classify(fmt.Sprintf("failed to download object %s from GCS", key), err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperrors.NewServerError("failed to read object body", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	return data, nil
}

// Delete removes an object from the bucket.
func (gp *GCSProvider) Delete(ctx context.Context, key string) error {
	err := gp.client.Bucket(gp.bucket).Object(gp.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, gcstorage.ErrObjectNotExist) {
		return gp.classify(fmt.Sprintf("failed to delete object %s from GCS", key), err)
	}
	return nil
}

// List iterates the bucket and returns objects under prefix.
func (gp *GCSProvider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	query := &gcstorage.Query{Prefix: gp.prefix + prefix}
	it := gp.client.Bucket(gp.bucket).Objects(ctx, query)

	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, gp.classify("failed to list objects in GCS", err)
		}
		objects = append(objects, ObjectInfo{
			Key:        strings.TrimPrefix(attrs.Name, gp.prefix),
			Size:       attrs.Size,
			ModifiedAt: attrs.Updated,
			Location:   fmt.Sprintf("gs://%s/%s", gp.bucket, attrs.Name),
			Metadata:   attrs.Metadata,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Stat reads a single object's attributes.
func (gp *GCSProvider) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	objectName := gp.objectName(key)
	attrs, err := gp.client.Bucket(gp.bucket).Object(objectName).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, notFoundError(key)
		}
		return nil, gp.classify(fmt.Sprintf("failed to stat object %s in GCS", key), err)
	}
	return &ObjectInfo{
		Key:        key,
		Size:       attrs.Size,
		ModifiedAt: attrs.Updated,
		Location:   fmt.Sprintf("gs://%s/%s", gp.bucket, objectName),
		Metadata:   attrs.Metadata,
	}, nil
}

// HealthCheck verifies the bucket exists and is accessible.
func (gp *GCSProvider) HealthCheck(ctx context.Context) error {
	if _, err := gp.client.Bucket(gp.bucket).Attrs(ctx); err != nil {
		return gp.classify("GCS bucket is not accessible", err)
	}
	return nil
}

// Type returns the provider type.
func (gp *GCSProvider) Type() ProviderType {
	return ProviderGCS
}

// Close releases the underlying client.
func (gp *GCSProvider) Close() error {
	return gp.client.Close()
}

func (gp *GCSProvider) objectName(key string) string {
	return gp.prefix + key
}

func (gp *GCSProvider) classify(message string, err error) *apperrors.Error {
	return apperrors.NewServerError(message, err).WithCode(apperrors.CodeStorageUnavailable)
}
