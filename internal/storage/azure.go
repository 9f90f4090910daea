package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"drguard/internal/apperrors"
)

// AzureProvider stores objects in an Azure Blob Storage container.
type AzureProvider struct {
	serviceURL azblob.ServiceURL
	container  string
	prefix     string
}

// NewAzureProvider creates an Azure-backed provider from shared-key
// credentials.
func NewAzureProvider(config AzureConfig) (*AzureProvider, error) {
	if config.AccountName == "" || config.AccountKey == "" {
		return nil, apperrors.NewValidationError("azure account name and key cannot be empty", nil)
	}
	if config.Container == "" {
		return nil, apperrors.NewValidationError("azure container cannot be empty", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	serviceEndpoint, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, apperrors.NewValidationError("invalid azure service URL", err)
	}

	return &AzureProvider{
		serviceURL: azblob.NewServiceURL(*serviceEndpoint, pipeline),
		container:  config.Container,
		prefix:     normalizePrefix(config.Prefix),
	}, nil
}

// Store uploads data to the container.
func (ap *AzureProvider) Store(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	blobName := ap.blobName(key)
	blobURL := ap.serviceURL.NewContainerURL(ap.container).NewBlockBlobURL(blobName)

	options := azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	}
	if len(metadata) > 0 {
		options.Metadata = azblob.Metadata(metadata)
	}

	if _, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, options); err != nil {
		return "", ap.classify(fmt.Sprintf("failed to upload object %s to Azure", key), err)
	}

	return fmt.Sprintf("azure://%s/%s", ap.container, blobName), nil
}

// Retrieve downloads an object from the container.
func (ap *AzureProvider) Retrieve(ctx context.Context, key string) ([]byte, error) {
	blobURL := ap.serviceURL.NewContainerURL(ap.container).NewBlockBlobURL(ap.blobName(key))

	response, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFoundError(key)
		}
		return nil, ap.classify(fmt.Sprintf("failed to download object %s from Azure", key), err)
	}

	body := response.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperrors.NewServerError("failed to read object body", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	return data, nil
}

// Delete removes an object from the container.
func (ap *AzureProvider) Delete(ctx context.Context, key string) error {
	blobURL := ap.serviceURL.NewContainerURL(ap.container).NewBlockBlobURL(ap.blobName(key))

	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isAzureNotFound(err) {
		return ap.classify(fmt.Sprintf("failed to delete object %s from Azure", key), err)
	}
	return nil
}

// List pages through the container and returns objects under prefix.
func (ap *AzureProvider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	containerURL := ap.serviceURL.NewContainerURL(ap.container)
	fullPrefix := ap.prefix + prefix

	var objects []ObjectInfo
	for marker := (azblob.Marker{}); marker.NotDone(); {
		response, err := containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: fullPrefix,
		})
		if err != nil {
			return nil, ap.classify("failed to list objects in Azure", err)
		}

		for _, blob := range response.Segment.BlobItems {
			info := ObjectInfo{
				Key:      strings.TrimPrefix(blob.Name, ap.prefix),
				Location: fmt.Sprintf("azure://%s/%s", ap.container, blob.Name),
				Metadata: blob.Metadata,
			}
			if blob.Properties.ContentLength != nil {
				info.Size = *blob.Properties.ContentLength
			}
			info.ModifiedAt = blob.Properties.LastModified
			objects = append(objects, info)
		}

		marker = response.NextMarker
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Stat reads a single blob's properties.
func (ap *AzureProvider) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	blobName := ap.blobName(key)
	blobURL := ap.serviceURL.NewContainerURL(ap.container).NewBlockBlobURL(blobName)

	props, err := blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, notFoundError(key)
		}
		return nil, ap.classify(fmt.Sprintf("failed to stat object %s in Azure", key), err)
	}

	return &ObjectInfo{
		Key:        key,
		Size:       props.ContentLength(),
		ModifiedAt: props.LastModified(),
		Location:   fmt.Sprintf("azure://%s/%s", ap.container, blobName),
		Metadata:   props.NewMetadata(),
	}, nil
}

// HealthCheck verifies the container is reachable.
func (ap *AzureProvider) HealthCheck(ctx context.Context) error {
	containerURL := ap.serviceURL.NewContainerURL(ap.container)
	if _, err := containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return ap.classify("Azure container is not accessible", err)
	}
	return nil
}

// Type returns the provider type.
func (ap *AzureProvider) Type() ProviderType {
	return ProviderAzure
}

func (ap *AzureProvider) blobName(key string) string {
	return ap.prefix + key
}

func (ap *AzureProvider) classify(message string, err error) *apperrors.Error {
	return apperrors.NewServerError(message, err).WithCode(apperrors.CodeStorageUnavailable)
}

func isAzureNotFound(err error) bool {
	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
