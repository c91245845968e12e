// Package media provides S3-compatible storage for pet photos.
// Browsers upload directly to the bucket through presigned PUT URLs; the
// service only signs requests and records the resulting object URL.
package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client wraps the AWS S3 client for photo uploads.
type S3Client struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string // Bucket holding pet photos
	baseURL string // Public base URL objects are served from
}

// NewS3Client creates a new S3 client for photo uploads.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: bucket name for photos
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
func NewS3Client(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string) (*S3Client, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Client{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		baseURL: objectBaseURL(endpoint, region, bucket),
	}, nil
}

// objectBaseURL is the path-style URL prefix of objects in bucket.
func objectBaseURL(endpoint, region, bucket string) string {
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", region)
	}
	return strings.TrimRight(endpoint, "/") + "/" + bucket
}

// PresignPhotoUpload returns a presigned PUT URL for key. The browser must send
// the same Content-Type it declared here.
func (s *S3Client) PresignPhotoUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	result, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return result.URL, nil
}

// ObjectURL is where key is served once uploaded.
func (s *S3Client) ObjectURL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

// Ping checks the bucket is reachable.
func (s *S3Client) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.bucket, err)
	}
	return nil
}
