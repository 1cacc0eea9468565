package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"clamgate/pkg/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
)

// MinioOptions configures a MinioStore.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// MinioStore implements storage.ObjectStore on top of minio-go. The low
// level Core client is used for reads so that request errors surface on the
// call itself instead of on the first Read.
type MinioStore struct {
	core *minio.Core
}

// NewMinioStore connects to the S3-compatible endpoint described by opts.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	core, err := minio.NewCore(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.Secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinioStore{core: core}, nil
}

// NewMinioStoreWithClient wraps an existing client.
func NewMinioStoreWithClient(client *minio.Client) *MinioStore {
	return &MinioStore{core: &minio.Core{Client: client}}
}

// isMinioNotFound reports whether err is an S3 error response for a
// missing bucket, key or tag set.
func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchTagSet", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

func (s *MinioStore) get(ctx context.Context, op string, bucket string, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	rc, _, _, err := s.core.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, wrapError(op, bucket, key, err, isMinioNotFound(err))
	}
	return rc, nil
}

func (s *MinioStore) GetObject(ctx context.Context, bucket string, key string) (io.ReadCloser, error) {
	return s.get(ctx, "get object", bucket, key, minio.GetObjectOptions{})
}

func (s *MinioStore) GetObjectRange(ctx context.Context, bucket string, key string, start int64, end int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return nil, fmt.Errorf("invalid range %s: %w", rangeHeader(start, end), err)
	}
	return s.get(ctx, "get object range", bucket, key, opts)
}

func (s *MinioStore) PutObjectFromFile(ctx context.Context, bucket string, key string, path string) error {
	info, err := s.core.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return wrapError("put object", bucket, key, err, false)
	}

	slog.Debug("Uploaded object", "bucket", bucket, "key", key, "size", info.Size)
	return nil
}

func (s *MinioStore) GetTag(ctx context.Context, bucket string, key string, name string) (string, bool, error) {
	t, err := s.core.GetObjectTagging(ctx, bucket, key, minio.GetObjectTaggingOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return "", false, nil
		}
		return "", false, wrapError("get object tagging", bucket, key, err, false)
	}

	value, ok := t.ToMap()[name]
	return value, ok, nil
}

func (s *MinioStore) PutTag(ctx context.Context, bucket string, key string, name string, value string) error {
	t, err := tags.NewTags(map[string]string{name: value}, true)
	if err != nil {
		return fmt.Errorf("invalid tag %q: %w", name, err)
	}

	if err := s.core.PutObjectTagging(ctx, bucket, key, t, minio.PutObjectTaggingOptions{}); err != nil {
		return wrapError("put object tagging", bucket, key, err, isMinioNotFound(err))
	}
	return nil
}

func (s *MinioStore) DeleteObject(ctx context.Context, bucket string, key string) error {
	if err := s.core.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isMinioNotFound(err) {
			return nil
		}
		return wrapError("delete object", bucket, key, err, false)
	}

	slog.Info("Deleted object", "bucket", bucket, "key", key)
	return nil
}

func (s *MinioStore) HeadObject(ctx context.Context, bucket string, key string) (storage.ObjectInfo, error) {
	info, err := s.core.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, wrapError("head object", bucket, key, err, isMinioNotFound(err))
	}

	return storage.ObjectInfo{
		Size:     info.Size,
		Metadata: normalizeMetadata(info.UserMetadata),
	}, nil
}
