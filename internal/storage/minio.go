package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MinioOptions configures NewMinioStorage.
type MinioOptions struct {
	Endpoint   string // host:port, no scheme
	AccessKey  string
	SecretKey  string
	Bucket     string
	PublicBase string
	UseSSL     bool
	// ExpireAfterDays installs a bucket lifecycle rule deleting objects older
	// than this many days. Zero leaves the bucket lifecycle untouched.
	ExpireAfterDays int
}

// MinioStorage implements Storage on MinIO or any S3-compatible server reachable by minio-go.
type MinioStorage struct {
	client     *minio.Client
	bucket     string
	publicBase string
	log        *zap.Logger
}

// NewMinioStorage connects, prepares the bucket and returns a ready MinioStorage.
func NewMinioStorage(ctx context.Context, opts MinioOptions, log *zap.Logger) (*MinioStorage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &MinioStorage{
		client:     client,
		bucket:     opts.Bucket,
		publicBase: opts.PublicBase,
		log:        log.Named("storage"),
	}
	if err := s.prepareBucket(ctx, opts.ExpireAfterDays); err != nil {
		return nil, err
	}
	return s, nil
}

// prepareBucket creates the bucket if needed, opens it for anonymous reads and
// optionally installs the expiry lifecycle rule.
func (s *MinioStorage) prepareBucket(ctx context.Context, expireAfterDays int) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %q: %w", s.bucket, err)
		}
		s.log.Info("bucket created", zap.String("bucket", s.bucket))
	}

	policy, err := publicReadPolicy(s.bucket)
	if err != nil {
		return err
	}
	if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
		return fmt.Errorf("set bucket policy: %w", err)
	}

	if expireAfterDays > 0 {
		lc := lifecycle.NewConfiguration()
		lc.Rules = []lifecycle.Rule{{
			ID:         "tempshare-expire",
			Status:     "Enabled",
			Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(expireAfterDays)},
		}}
		if err := s.client.SetBucketLifecycle(ctx, s.bucket, lc); err != nil {
			return fmt.Errorf("set bucket lifecycle: %w", err)
		}
		s.log.Info("bucket lifecycle set", zap.String("bucket", s.bucket), zap.Int("expire_after_days", expireAfterDays))
	}
	return nil
}

// Upload streams reader into the bucket. size must be exact; -1 makes minio-go buffer the stream.
func (s *MinioStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if _, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

// List returns every object whose key starts with prefix.
func (s *MinioStorage) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list objects %q: %w", prefix, info.Err)
		}
		out = append(out, Object{Key: info.Key, Size: info.Size, LastModified: info.LastModified})
	}
	return out, nil
}

// DeletePrefix removes every object under prefix in one batch and returns how many went away.
func (s *MinioStorage) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("refusing to delete an empty prefix")
	}

	objects, err := s.List(ctx, prefix)
	if err != nil || len(objects) == 0 {
		return 0, err
	}

	toRemove := make(chan minio.ObjectInfo, len(objects))
	for _, o := range objects {
		toRemove <- minio.ObjectInfo{Key: o.Key}
	}
	close(toRemove)

	var failed []error
	for rmErr := range s.client.RemoveObjects(ctx, s.bucket, toRemove, minio.RemoveObjectsOptions{}) {
		failed = append(failed, fmt.Errorf("%s: %w", rmErr.ObjectName, rmErr.Err))
	}
	deleted := len(objects) - len(failed)
	if len(failed) > 0 {
		s.log.Warn("some objects were not removed",
			zap.String("prefix", prefix),
			zap.Int("failed", len(failed)),
			zap.Int("total", len(objects)),
		)
		return deleted, fmt.Errorf("delete prefix %q: %w", prefix, multierr.Combine(failed...))
	}
	return deleted, nil
}

// PublicURL returns the anonymous download URL for key,
// e.g. "http://localhost:9000/tempfileshare-storage-bucket/1234/report.pdf".
func (s *MinioStorage) PublicURL(key string) string {
	return joinPublicURL(s.publicBase, key)
}

type policyStatement struct {
	Effect    string `json:"Effect"`
	Principal string `json:"Principal"`
	Action    string `json:"Action"`
	Resource  string `json:"Resource"`
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// publicReadPolicy allows anonymous GetObject on every key in bucket.
func publicReadPolicy(bucket string) (string, error) {
	b, err := json.Marshal(bucketPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: "*",
			Action:    "s3:GetObject",
			Resource:  "arn:aws:s3:::" + bucket + "/*",
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encode bucket policy: %w", err)
	}
	return string(b), nil
}
