package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3ClientAPI defines the interface for S3 operations we use.
type S3ClientAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3BlobStore implements BlobStore using AWS S3. Objects are written with
// server-side encryption; the plaintext still never passes the relay.
type S3BlobStore struct {
	Client S3ClientAPI
	Bucket string
	Prefix string
}

// NewS3BlobStore uses the default AWS credential chain. region may be
// empty to take it from the environment.
func NewS3BlobStore(ctx context.Context, bucket, region, prefix string) (*S3BlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg)
	return &S3BlobStore{
		Client: client,
		Bucket: bucket,
		Prefix: prefix,
	}, nil
}

func (s *S3BlobStore) objectKey(key string) string {
	return s.Prefix + key
}

func (s *S3BlobStore) Save(ctx context.Context, key string, content []byte) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.Bucket),
		Key:                  aws.String(s.objectKey(key)),
		Body:                 bytes.NewReader(content),
		ContentLength:        aws.Int64(int64(len(content))),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, s.objectKey(key)), nil
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return err
}
