package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned (possibly wrapped) by ObjectStore implementations
// when the requested object, or the requested tag on it, does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes an object as reported by a HEAD request.
type ObjectInfo struct {
	Size int64

	// Metadata holds the user-defined metadata of the object with the
	// provider specific prefix removed and the keys lower cased.
	Metadata map[string]string
}

// ObjectStore defines the remote object storage operations used by the
// scanner. Buckets and keys are passed through verbatim.
type ObjectStore interface {
	// GetObject streams the whole payload of the object.
	GetObject(ctx context.Context, bucket string, key string) (io.ReadCloser, error)

	// GetObjectRange streams the bytes in [start, end] of the object. Both
	// offsets are inclusive, matching the HTTP Range header.
	GetObjectRange(ctx context.Context, bucket string, key string, start int64, end int64) (io.ReadCloser, error)

	// PutObjectFromFile uploads the file at path, replacing the object.
	PutObjectFromFile(ctx context.Context, bucket string, key string, path string) error

	// GetTag returns the value of the named tag. The boolean is false when
	// the object exists but carries no such tag.
	GetTag(ctx context.Context, bucket string, key string, name string) (string, bool, error)

	// PutTag replaces the tag set of the object with a single name/value
	// pair.
	PutTag(ctx context.Context, bucket string, key string, name string, value string) error

	// DeleteObject removes the object. Deleting a missing object succeeds.
	DeleteObject(ctx context.Context, bucket string, key string) error

	// HeadObject returns the size and user metadata of the object.
	HeadObject(ctx context.Context, bucket string, key string) (ObjectInfo, error)
}

// RemoteError reports a failed call to a remote collaborator (object store
// or metadata store) that was not a plain "not found".
type RemoteError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err signals a missing object or tag.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
