package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	platformstore "github.com/shipyard-labs/shipyard-go/internal/platform/objectstore"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrNotInitialized = errors.New("object store not initialized")
)

// DefaultLinkTTL applies when PresignGet is asked for a non-positive ttl.
const DefaultLinkTTL = 10 * time.Minute

const defaultContentType = "application/octet-stream"

// MinioStore keeps run logs and published job artifacts in S3-compatible buckets.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewMinioStoreWithClient(client)
}

func NewMinioStoreWithClient(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: minio client is required", ErrNotInitialized)
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) ready() error {
	if s == nil || s.client == nil {
		return ErrNotInitialized
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	if _, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := s.ready(); err != nil {
		return ObjectInfo{}, err
	}
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, objectError("stat", bucket, key, err)
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// Delete treats a missing object as already deleted.
func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if err := objectError("delete", bucket, key, err); !errors.Is(err, ErrObjectNotFound) {
			return err
		}
	}
	return nil
}

// PresignGet returns a download link. Run logs are served as plain text so
// browsers render them inline.
func (s *MinioStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	var params url.Values
	if strings.HasSuffix(key, ".log") {
		params = url.Values{"response-content-type": []string{"text/plain; charset=utf-8"}}
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func objectError(op, bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return fmt.Errorf("%s %s/%s: %w", op, bucket, key, err)
}
