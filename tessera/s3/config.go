package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig describes how to reach a bucket.
type ClientConfig struct {
	// Region is required; R2 uses "auto".
	Region string

	// Endpoint overrides the AWS endpoint for S3-compatible services,
	// e.g. "http://localhost:9000".
	Endpoint string

	// UsePathStyle addresses buckets as endpoint/bucket instead of
	// bucket.endpoint. MinIO needs it.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials. When both
	// are empty the default AWS credential chain applies.
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds an *s3.Client from cfg and the ambient AWS configuration.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewMinIOClient connects to a local MinIO with its default credentials.
func NewMinIOClient(ctx context.Context, endpoint string) (*s3.Client, error) {
	if endpoint == "" {
		endpoint = "http://localhost:9000"
	}
	return NewClient(ctx, ClientConfig{
		Region:          "us-east-1",
		Endpoint:        endpoint,
		UsePathStyle:    true,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
	})
}
