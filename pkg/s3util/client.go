// Package s3util builds S3-compatible clients (AWS S3, MinIO, Cloudflare R2)
// for drives whose chunk files live in object storage.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
)

const (
	appID = "hybrid-tiered-storage"

	// MinIO and R2 ignore the region but the signer needs one.
	defaultRegion = "us-east-1"
)

// ErrBucketNotFound is returned by Ping when the drive's bucket does not exist.
var ErrBucketNotFound = errors.New("bucket not found")

// Client is the S3 client of one drive, with the bucket and key prefix its
// chunk files are stored under.
type Client struct {
	S3     *s3.Client
	Bucket string
	Prefix string
}

// NewClient creates a client from a drive's s3 section. A custom endpoint
// without a scheme is taken as https.
func NewClient(ctx context.Context, cfg config.S3DriveConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithAppID(appID),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	endpoint := Endpoint(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{
		S3:     client,
		Bucket: cfg.Bucket,
		Prefix: Prefix(cfg.Prefix),
	}, nil
}

// Endpoint normalizes a configured endpoint URL.
func Endpoint(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if s == "" || strings.Contains(s, "://") {
		return s
	}
	return "https://" + s
}

// Prefix trims surrounding slashes so object keys join as "<prefix>/<file>".
func Prefix(s string) string {
	return strings.Trim(s, "/")
}

// Ping checks that the drive's bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.Bucket),
	})
	if err == nil {
		return nil
	}
	var nf *s3types.NotFound
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nf) || errors.As(err, &nsb) {
		return fmt.Errorf("s3 bucket %s: %w", c.Bucket, ErrBucketNotFound)
	}
	return fmt.Errorf("s3 bucket %s: %w", c.Bucket, err)
}
