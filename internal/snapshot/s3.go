package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the subset of *s3.Client used by S3Store
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures the S3 snapshot backend
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the default S3 endpoint (MinIO, LocalStack)
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Timeout         time.Duration
}

// DefaultS3Config reads the optional endpoint override from
// TRACHOMA_S3_ENDPOINT and leaves credentials to the default chain.
func DefaultS3Config(bucket string) S3Config {
	endpoint := os.Getenv("TRACHOMA_S3_ENDPOINT")
	return S3Config{
		Bucket:       bucket,
		Endpoint:     endpoint,
		UsePathStyle: endpoint != "",
		Timeout:      60 * time.Second,
	}
}

// S3Store keeps bundles as S3 objects
type S3Store struct {
	cfg    S3Config
	client s3API
}

// NewS3Store creates an S3 client from cfg and the default AWS config chain
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Store{cfg: cfg, client: client}, nil
}

// Save uploads the bundle to s3://bucket/key
func (s *S3Store) Save(ctx context.Context, key string, snaps []*Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(MarshalBundle(snaps)),
		ContentType: aws.String("application/x-protobuf"),
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot to S3: %w", err)
	}
	return nil
}

// Load downloads and decodes s3://bucket/key
func (s *S3Store) Load(ctx context.Context, key string) ([]*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.cfg.Bucket, key)
		}
		return nil, fmt.Errorf("failed to load snapshot from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot object: %w", err)
	}
	return UnmarshalBundle(data)
}

// Name returns "s3"
func (s *S3Store) Name() string { return "s3" }
