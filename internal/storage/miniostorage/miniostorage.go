// Package miniostorage provides structure to work with minio-storage
package miniostorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/UnendingLoop/ImageEditor/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/wb-go/wbf/zlog"
)

// ObjectInfo is what HeadObject reports about a stored blob.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

type MinioImageStorage struct {
	bucket     string
	region     string
	presignTTL time.Duration
	client     *minio.Client

	mu          sync.Mutex
	bucketReady bool
}

// NewMinioClient builds the client without touching the network; the bucket is
// provisioned on first write.
func NewMinioClient(cfg config.Storage) (*MinioImageStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is empty")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT scheme %q: must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT %q: missing hostname", cfg.Endpoint)
	}

	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	strg, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       u.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, err
	}

	return &MinioImageStorage{
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		presignTTL: cfg.PresignTTL,
		client:     strg,
	}, nil
}

// PutObject stores data under key. A failed put re-checks the bucket once and retries,
// so a bucket removed or never created in a fresh environment heals itself.
func (s *MinioImageStorage) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.ensureBucket(ctx, false); err != nil {
		return fmt.Errorf("ensure bucket %q: %w", s.bucket, err)
	}

	err := s.put(ctx, key, data, contentType)
	if err == nil {
		return nil
	}

	zlog.Logger.Warn().Err(err).Str("key", key).Msg("Put failed, re-provisioning bucket and retrying once")
	if bErr := s.ensureBucket(ctx, true); bErr != nil {
		return fmt.Errorf("put %q: %w (bucket re-check failed: %v)", key, err, bErr)
	}
	return s.put(ctx, key, data, contentType)
}

func (s *MinioImageStorage) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (s *MinioImageStorage) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{Key: info.Key, Size: info.Size, ContentType: info.ContentType}, nil
}

// GetObjectStream returns a lazy reader; callers must close it.
func (s *MinioImageStorage) GetObjectStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
}

// PresignGetURL signs a GET for key. ttl <= 0 falls back to the configured TTL.
func (s *MinioImageStorage) PresignGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.presignTTL
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// ensureBucket creates the bucket if missing. Once verified it is not checked again
// unless force is set.
func (s *MinioImageStorage) ensureBucket(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bucketReady && !force {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			// lost a race with another process creating it
			if resp := minio.ToErrorResponse(err); resp.Code != "BucketAlreadyOwnedByYou" && resp.Code != "BucketAlreadyExists" {
				return err
			}
		}
		zlog.Logger.Info().Str("bucket", s.bucket).Msg("Bucket provisioned")
	}

	s.bucketReady = true
	return nil
}
