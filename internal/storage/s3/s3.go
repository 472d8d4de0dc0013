// Package s3 stores objects in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"aggregator/internal/config"
	"aggregator/internal/storage"
)

// Config configures the store.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // custom endpoint for S3-compatible services; enables path-style addressing
	PublicURL string // base URL objects are served from; defaults to the bucket's S3 URL
}

// LoadConfigFromEnv reads the bucket settings.
func LoadConfigFromEnv() Config {
	return Config{
		Bucket:    config.GetEnv("STORAGE_BUCKET", ""),
		Region:    config.GetEnv("STORAGE_REGION", "us-east-1"),
		Endpoint:  config.GetEnv("STORAGE_ENDPOINT", ""),
		PublicURL: config.GetEnv("STORAGE_PUBLIC_URL", ""),
	}
}

// Store puts objects into one bucket.
type Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// New loads AWS credentials from the default chain and creates a store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a store on an existing client.
func NewWithClient(client *s3.Client, cfg Config) *Store {
	public := cfg.PublicURL
	if public == "" {
		switch {
		case cfg.Endpoint != "":
			public = storage.JoinURL(cfg.Endpoint, cfg.Bucket)
		default:
			public = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return &Store{client: client, bucket: cfg.Bucket, publicURL: public}
}

// Put uploads body with PutObject. The SDK retries transient failures itself.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3: put %s: %w", key, err)
	}
	return storage.JoinURL(s.publicURL, key), nil
}

// Ready checks the bucket is reachable with HeadBucket.
func (s *Store) Ready(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

var _ storage.ObjectStore = (*Store)(nil)
