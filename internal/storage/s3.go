package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"drguard/internal/apperrors"
)

// S3Provider stores objects in an AWS S3 bucket (or any S3-compatible
// endpoint).
type S3Provider struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3Provider creates an S3-backed provider.
func NewS3Provider(config S3Config) (*S3Provider, error) {
	if config.Bucket == "" {
		return nil, apperrors.NewValidationError("s3 bucket cannot be empty", nil)
	}
	if config.Region == "" {
		return nil, apperrors.NewValidationError("s3 region cannot be empty", nil)
	}

	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKeyID,
			config.SecretAccessKey,
			"",
		)
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, apperrors.NewServerError("failed to create AWS session", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}

	return &S3Provider{
		client: s3.New(sess),
		bucket: config.Bucket,
		prefix: normalizePrefix(config.Prefix),
	}, nil
}

// Store uploads data to the bucket.
func (sp *S3Provider) Store(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	objectKey := sp.objectKey(key)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(sp.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}
	if len(metadata) > 0 {
		input.Metadata = make(map[string]*string, len(metadata))
		for k, v := range metadata {
			input.Metadata[k] = aws.String(v)
		}
	}

	if _, err := sp.client.PutObjectWithContext(ctx, input); err != nil {
		return "", sp.classify(fmt.Sprintf("failed to upload object %s to S3", key), err)
	}

	return fmt.Sprintf("s3://%s/%s", sp.bucket, objectKey), nil
}

// Retrieve downloads an object from the bucket.
func (sp *S3Provider) Retrieve(ctx context.Context, key string) ([]byte, error) {
	result, err := sp.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(sp.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFoundError(key)
		}
		return nil, sp.classify(fmt.Sprintf("failed to download object %s from S3", key), err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, apperrors.NewServerError("failed to read object body", err).
			WithCode(apperrors.CodeStorageUnavailable)
	}
	return data, nil
}

// Delete removes an object from the bucket.
func (sp *S3Provider) Delete(ctx context.Context, key string) error {
	_, err := sp.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(sp.objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return sp.classify(fmt.Sprintf("failed to delete object %s from S3", key), err)
	}
	return nil
}

// List pages through the bucket and returns objects under prefix.
func (sp *S3Provider) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	fullPrefix := sp.prefix + prefix

	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(sp.bucket),
		Prefix: aws.String(fullPrefix),
	}
	err := sp.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				objectKey := aws.StringValue(obj.Key)
				objects = append(objects, ObjectInfo{
					Key:        strings.TrimPrefix(objectKey, sp.prefix),
					Size:       aws.Int64Value(obj.Size),
					ModifiedAt: aws.TimeValue(obj.LastModified),
					Location:   fmt.Sprintf("s3://%s/%s", sp.bucket, objectKey),
				})
			}
			return true
		})
	if err != nil {
		return nil, sp.classify("failed to list objects in S3", err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Stat heads a single object for its size and timestamps.
func (sp *S3Provider) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	objectKey := sp.objectKey(key)
	head, err := sp.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notFoundError(key)
		}
		return nil, sp.classify(fmt.Sprintf("failed to stat object %s in S3", key), err)
	}

	metadata := make(map[string]string, len(head.Metadata))
	for k, v := range head.Metadata {
		metadata[k] = aws.StringValue(v)
	}
	return &ObjectInfo{
		Key:        key,
		Size:       aws.Int64Value(head.ContentLength),
		ModifiedAt: aws.TimeValue(head.LastModified),
		Location:   fmt.Sprintf("s3://%s/%s", sp.bucket, objectKey),
		Metadata:   metadata,
	}, nil
}

// HealthCheck verifies the bucket is reachable and listable.
func (sp *S3Provider) HealthCheck(ctx context.Context) error {
	_, err := sp.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(sp.bucket),
	})
	if err != nil {
		return sp.classify("S3 bucket is not accessible", err)
	}
	_, err = sp.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(sp.bucket),
		Prefix:  aws.String(sp.prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return sp.classify("S3 bucket is not listable", err)
	}
	return nil
}

// Type returns the provider type.
func (sp *S3Provider) Type() ProviderType {
	return ProviderS3
}

func (sp *S3Provider) objectKey(key string) string {
	return sp.prefix + key
}

// classify maps SDK failures onto the error taxonomy, marking them as
// retryable storage outages.
func (sp *S3Provider) classify(message string, err error) *apperrors.Error {
	return apperrors.NewServerError(message, err).WithCode(apperrors.CodeStorageUnavailable)
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// normalizePrefix ensures a non-empty prefix ends with exactly one slash.
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return strings.TrimSuffix(prefix, "/") + "/"
}
