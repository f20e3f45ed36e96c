// Package rawstore offloads oversized raw probe payloads to S3/MinIO and
// prunes them alongside their result rows.
package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3/MinIO connection settings for the raw payload store.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	// PathStyle forces path-style addressing, which MinIO deployments
	// without wildcard DNS need.
	PathStyle bool
}

// Storage stores raw result payloads in a single bucket, keyed
// results/{task_id}/{result_id}. It satisfies the collector's ObjectStore.
type Storage struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New creates a raw payload store. It does not dial; reachability is checked
// by EnsureBucket or HealthCheck.
func New(cfg Config, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &Storage{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "rawstore"),
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		s.logger.Info("created bucket", "bucket", s.bucket)
	}

	return nil
}

// PutResult stores one raw payload and returns its object path.
func (s *Storage) PutResult(ctx context.Context, taskID, resultID uuid.UUID, data []byte) (string, error) {
	key := objectKey(taskID, resultID)

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to store raw payload: %w", err)
	}

	s.logger.Debug("stored raw payload",
		"task_id", taskID,
		"key", key,
		"size", len(data),
	)
	return key, nil
}

// Get retrieves a stored payload by its object path.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	// GetObject is lazy; stat confirms the object exists.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("raw payload not found: %w", err)
	}

	return obj, nil
}

// PresignedURL generates a time-limited download URL for a stored payload.
func (s *Storage) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if expires <= 0 {
		expires = 1 * time.Hour
	}
	if expires > 7*24*time.Hour {
		expires = 7 * 24 * time.Hour
	}

	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, key, expires, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presigned.String(), nil
}

// Delete removes a stored payload.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete raw payload: %w", err)
	}

	s.logger.Debug("deleted raw payload", "key", key)
	return nil
}

// DeleteByTask removes every payload stored for a task.
func (s *Storage) DeleteByTask(ctx context.Context, taskID uuid.UUID) error {
	prefix := fmt.Sprintf("%s/%s/", keyPrefix, taskID)
	removed, err := s.removeByFilter(ctx, prefix, func(minio.ObjectInfo) bool { return true })
	if err != nil {
		return err
	}

	if removed > 0 {
		s.logger.Info("deleted task payloads", "task_id", taskID, "removed", removed)
	}
	return nil
}

// DeleteOlderThan removes payloads last modified before the cutoff and
// returns how many were removed.
func (s *Storage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.removeByFilter(ctx, keyPrefix+"/", func(obj minio.ObjectInfo) bool {
		return obj.LastModified.Before(cutoff)
	})
}

// removeByFilter deletes every object under prefix that the filter selects.
func (s *Storage) removeByFilter(ctx context.Context, prefix string, match func(minio.ObjectInfo) bool) (int, error) {
	listed := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	selected := make(chan minio.ObjectInfo)
	count := 0
	go func() {
		defer close(selected)
		for obj := range listed {
			if obj.Err != nil {
				s.logger.Error("failed to list object", "error", obj.Err)
				continue
			}
			if !match(obj) {
				continue
			}
			count++
			selected <- obj
		}
	}()

	var failures int
	for err := range s.client.RemoveObjects(ctx, s.bucket, selected, minio.RemoveObjectsOptions{}) {
		s.logger.Error("failed to delete object", "key", err.ObjectName, "error", err.Err)
		failures++
	}

	if failures > 0 {
		return count - failures, fmt.Errorf("failed to delete %d raw payloads", failures)
	}
	return count, nil
}

// HealthCheck reports whether the bucket is reachable.
func (s *Storage) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("object store health check failed: %w", err)
	}
	return nil
}

const keyPrefix = "results"

// objectKey builds the storage path for one result payload.
func objectKey(taskID, resultID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s", keyPrefix, taskID, resultID)
}
