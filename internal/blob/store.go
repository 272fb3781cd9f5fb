// Package blob keeps the original bytes of uploaded chat files in an S3
// compatible bucket.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const region = "us-east-1"

var (
	putObject = func(c *minio.Client, ctx context.Context, bucket, key string, data []byte, opts minio.PutObjectOptions) error {
		_, err := c.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts)
		return err
	}
	removeObject = func(c *minio.Client, ctx context.Context, bucket, key string) error {
		return c.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	}
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put stores an upload and returns its storage key.
func (s *Store) Put(ctx context.Context, ownerID, fileName, contentType string, data []byte) (string, error) {
	key := s.storageKey(ownerID, fileName)
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"file-name": url.PathEscape(fileName)},
	}
	if err := putObject(s.client, ctx, s.bucket, key, data, opts); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := removeObject(s.client, ctx, s.bucket, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// PresignedURL returns a time-limited download link for key.
func (s *Store) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (s *Store) storageKey(ownerID, fileName string) string {
	d := s.now().UTC()
	ext := strings.ToLower(path.Ext(fileName))
	return fmt.Sprintf("uploads/%s/%04d/%02d/%02d/%s%s", ownerID, d.Year(), d.Month(), d.Day(), uuid.NewString(), ext)
}
