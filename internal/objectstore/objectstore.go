// Package objectstore provides storage.ObjectStore implementations for
// MinIO (and any other S3-compatible server reachable through minio-go),
// for AWS S3 through the AWS SDK, and an in-memory store.
package objectstore

import (
	"fmt"
	"strings"

	"clamgate/pkg/storage"
)

const userMetadataPrefix = "x-amz-meta-"

// wrapError converts a backend error into either a wrapped
// storage.ErrNotFound or a *storage.RemoteError.
func wrapError(op string, bucket string, key string, err error, notFound bool) error {
	if notFound {
		return fmt.Errorf("%s %s/%s: %w", op, bucket, key, storage.ErrNotFound)
	}
	return &storage.RemoteError{Op: op, Bucket: bucket, Key: key, Err: err}
}

// normalizeMetadata lower cases user metadata keys and strips the
// x-amz-meta- prefix some clients leave in place.
func normalizeMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToLower(k)
		k = strings.TrimPrefix(k, userMetadataPrefix)
		out[k] = v
	}
	return out
}

func rangeHeader(start int64, end int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}
