package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectBackend mirrors kvstore paths into a bucket on an S3-compatible
// object store, one object per path under an optional key prefix.
type ObjectBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// ObjectConfig configures an ObjectBackend.
type ObjectConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
	UseSSL    bool
	PathStyle bool
}

// NewObjectBackend opens a client against cfg.Endpoint; it does not verify
// the bucket exists until the first Push/Pull call.
func NewObjectBackend(cfg ObjectConfig) (*ObjectBackend, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" {
		return nil, fmt.Errorf("object backend: endpoint is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("object backend: bucket is required")
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("object backend: access key and secret key are required")
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("object backend: create client: %w", err)
	}
	return &ObjectBackend{client: client, bucket: bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (b *ObjectBackend) key(path string) string {
	name := strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "/")
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}

func (b *ObjectBackend) ensureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("object backend: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("object backend: create bucket: %w", err)
	}
	return nil
}

// Pull downloads path's object, returning ok=false if it does not exist.
func (b *ObjectBackend) Pull(ctx context.Context, path string) ([]byte, bool, error) {
	if err := b.ensureBucket(ctx); err != nil {
		return nil, false, err
	}
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("object backend: get object: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("object backend: read object: %w", err)
	}
	return data, true, nil
}

// Push uploads data as path's object, overwriting any prior version.
func (b *ObjectBackend) Push(ctx context.Context, path string, data []byte) error {
	if err := b.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := b.client.PutObject(ctx, b.bucket, b.key(path), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("object backend: put object: %w", err)
	}
	return nil
}
