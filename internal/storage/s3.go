package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Params are the connection settings carried in a device's parameters.
type S3Params struct {
	Region    string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	RootPath  string
}

// S3 uploads to an S3-compatible object store. Keys are flat; MkdirAll is a
// no-op.
type S3 struct {
	client *s3.Client
	bucket string
	root   string
}

func NewS3(ctx context.Context, p S3Params) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.AccessKey, p.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if p.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(p.Endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3{client: s3.NewFromConfig(awsCfg, opts...), bucket: p.Bucket, root: p.RootPath}, nil
}

func (s *S3) Put(ctx context.Context, p string, data []byte) error {
	key := path.Join(s.root, p)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (s *S3) MkdirAll(ctx context.Context, p string) error { return nil }

func (s *S3) Close() error { return nil }
