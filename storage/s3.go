package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"docwatch.dev/kernel"
)

// randomSuffix gives each persisted version a unique object key without
// requiring coordination across concurrent workers.
func randomSuffix() string {
	return strconv.FormatInt(rand.Int63(), 36)
}

// S3 is a Backend over an S3-compatible object store, the production
// storage_type for deployments that don't want an embedded database.
type S3 struct {
	client   S3Client
	uploader *manager.Uploader // nil when client isn't a concrete *s3.Client (tests)
	bucket   string
	prefix   string
}

// S3Config configures the S3 backend from viper's `storage.s3` section.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // set for MinIO/Hetzner/other S3-compatible stores
}

// NewS3 builds an S3 backend using the default AWS credential chain,
// optionally pointed at a non-AWS S3-compatible endpoint.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("storage/s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	s3Backend := NewS3WithClient(client, cfg)
	s3Backend.uploader = manager.NewUploader(client)
	return s3Backend, nil
}

// NewS3WithClient builds an S3 backend over a caller-supplied client,
// allowing MockS3Client to stand in during tests. Uploads go through a
// single PutObject call rather than the multipart manager.Uploader, which
// requires a concrete *s3.Client.
func NewS3WithClient(client S3Client, cfg S3Config) *S3 {
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

func (s *S3) StorageType() string { return "s3" }

func (s *S3) objectKey(ref kernel.DocRef, suffix string) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/%s", ref.ID, suffix)
	}
	return fmt.Sprintf("%s/%s/%s", s.prefix, ref.ID, suffix)
}

func (s *S3) Put(ctx context.Context, ref kernel.DocRef, data []byte, contentType string) (string, error) {
	key := s.objectKey(ref, randomSuffix())
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	var err error
	if s.uploader != nil {
		_, err = s.uploader.Upload(ctx, input)
	} else {
		_, err = s.client.PutObject(ctx, input)
	}
	if err != nil {
		return "", fmt.Errorf("storage/s3: put %s: %w", key, err)
	}
	return key, nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("storage/s3: get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage/s3: read %s: %w", key, err)
	}
	return data, nil
}
