// Package objstore wraps MinIO for the prediction log and claim-check payloads.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("object not found")

// ObjectAPI is the part of the MinIO client this package uses.
type ObjectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	// GetObject returns ErrNotFound for a missing key. size is -1 if unknown.
	GetObject(ctx context.Context, bucket, key string) (rc io.ReadCloser, size int64, err error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type minioAPI struct {
	c      *minio.Client
	region string
}

func NewClient(cfg Config) (ObjectAPI, error) {
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &minioAPI{c: c, region: cfg.Region}, nil
}

func (m *minioAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.c.BucketExists(ctx, bucket)
}

func (m *minioAPI) MakeBucket(ctx context.Context, bucket string) error {
	return m.c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: m.region})
}

func (m *minioAPI) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.c.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *minioAPI) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	obj, err := m.c.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, translate(err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, translate(err)
	}
	return obj, info.Size, nil
}

func translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// EnsureBucket creates bucket if it does not exist.
func EnsureBucket(ctx context.Context, api ObjectAPI, bucket string) error {
	ok, err := api.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", bucket, err)
	}
	if ok {
		return nil
	}
	if err := api.MakeBucket(ctx, bucket); err != nil {
		// Another replica may have won the race.
		if ok, err2 := api.BucketExists(ctx, bucket); err2 == nil && ok {
			return nil
		}
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}
