// Package s3 implements the storage backend on S3-compatible object
// storage (AWS S3, MinIO, and friends). Object storage PUTs have no
// partial-visibility window, so no temp-then-publish dance is needed.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/ThinkerWen/wpic/internal/domain"
)

// Config holds S3 backend settings. Stored per owner as JSON; empty
// fields fall back to server-wide defaults.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	UseSSL    bool   `json:"use_ssl"`
}

// Backend talks to one bucket on an S3-compatible service.
type Backend struct {
	client  *awss3.Client
	presign *awss3.PresignClient
	bucket  string
}

// New creates an S3 backend from config.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend: bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 backend: access key and secret key are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 backend: load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Custom endpoints (MinIO etc.) almost never have per-bucket
			// DNS, so force path-style addressing.
			o.UsePathStyle = true
		}
	})

	return &Backend{
		client:  client,
		presign: awss3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// NewFromJSON creates an S3 backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("s3 backend: parse config: %w", err)
		}
	}
	return New(ctx, cfg)
}

// Put uploads content to the bucket.
func (b *Backend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	input := &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   reader,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return mapS3Err("put", key, err)
	}
	return nil
}

// Get retrieves an object from the bucket.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Err("get", key, err)
	}
	return out.Body, nil
}

// Delete removes an object. S3 DeleteObject succeeds for missing keys.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapS3Err("delete", key, err)
	}
	return nil
}

// Exists checks presence with HeadObject.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := mapS3Err("head", key, err)
		if errors.Is(mapped, domain.ErrNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

// Stat returns the object size from HeadObject.
func (b *Backend) Stat(ctx context.Context, key string) (int64, error) {
	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, mapS3Err("head", key, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

// Kind returns "s3".
func (b *Backend) Kind() string {
	return string(domain.BackendS3)
}

// AccessURL returns a presigned GET URL valid for the TTL.
func (b *Backend) AccessURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", mapS3Err("presign", key, err)
	}
	return req.URL, nil
}

// mapS3Err translates SDK errors onto the domain taxonomy.
func mapS3Err(op, key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewDomainError(domain.ErrBackendTimeout, op, key)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return domain.NewDomainError(domain.ErrNotFound, op, key)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return domain.NewDomainError(domain.ErrBackendPermission, apiErr.ErrorMessage(), key)
		case "QuotaExceeded", "ServiceQuotaExceededException":
			return domain.NewDomainError(domain.ErrBackendQuotaExceeded, apiErr.ErrorMessage(), key)
		}
	}

	return domain.NewDomainError(domain.ErrBackendUnavailable, fmt.Sprintf("%s %s: %v", op, key, err), "")
}
