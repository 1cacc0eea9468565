// Package transfer downloads remote objects to local files, splitting large
// objects into sequential range requests so memory use stays bounded by
// the chunk size.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"clamgate/internal/metrics"
	"clamgate/pkg/storage"
)

// DefaultChunkSize is the size of each range request.
const DefaultChunkSize int64 = 2 * 1024 * 1024

// TransferError reports a failed download. The partial destination file has
// already been removed when it is returned.
type TransferError struct {
	Bucket string
	Key    string
	Offset int64
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s/%s failed at offset %d: %v", e.Bucket, e.Key, e.Offset, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Downloader fetches objects from a store.
type Downloader struct {
	store     storage.ObjectStore
	chunkSize int64
	metrics   *metrics.Collector
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithChunkSize overrides DefaultChunkSize. Non-positive sizes are ignored.
func WithChunkSize(size int64) Option {
	return func(d *Downloader) {
		if size > 0 {
			d.chunkSize = size
		}
	}
}

// WithMetrics records transferred bytes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Downloader) {
		d.metrics = c
	}
}

// NewDownloader creates a Downloader reading from store.
func NewDownloader(store storage.ObjectStore, opts ...Option) *Downloader {
	d := &Downloader{
		store:     store,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ChunkSize returns the configured range size.
func (d *Downloader) ChunkSize() int64 {
	return d.chunkSize
}

// task tracks the progress of a single download.
type task struct {
	bucket string
	key    string
	dest   string
	total  int64
	cursor int64
}

func (t *task) done() bool {
	return t.cursor >= t.total
}

// Download writes bucket/key to dest and returns dest. A knownSize of zero or
// less means the size is unknown, in which case the object is fetched with a
// single request, as is any object no larger than one chunk. Otherwise the
// object is fetched as ceil(knownSize/chunkSize) ranges, strictly in order.
func (d *Downloader) Download(ctx context.Context, bucket string, key string, knownSize int64, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", &TransferError{Bucket: bucket, Key: key, Err: fmt.Errorf("create destination directory: %w", err)}
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", &TransferError{Bucket: bucket, Key: key, Err: fmt.Errorf("create %s: %w", dest, err)}
	}

	t := &task{bucket: bucket, key: key, dest: dest, total: knownSize}

	if knownSize <= 0 || knownSize <= d.chunkSize {
		err = d.whole(ctx, t, out)
	} else {
		err = d.ranged(ctx, t, out)
	}

	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", dest, cerr)
	}

	if err != nil {
		if rerr := os.Remove(dest); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			slog.Warn("Failed to remove partial download", "path", dest, "err", rerr)
		}
		return "", &TransferError{Bucket: bucket, Key: key, Offset: t.cursor, Err: err}
	}

	slog.Debug("Downloaded object", "bucket", bucket, "key", key, "bytes", t.cursor, "path", dest)
	return dest, nil
}

func (d *Downloader) whole(ctx context.Context, t *task, out io.Writer) error {
	rc, err := d.store.GetObject(ctx, t.bucket, t.key)
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := io.Copy(out, rc)
	t.cursor += n
	d.metrics.AddBytes(n)
	return err
}

func (d *Downloader) ranged(ctx context.Context, t *task, out io.Writer) error {
	for !t.done() {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(t.cursor+d.chunkSize, t.total) - 1
		want := end - t.cursor + 1

		rc, err := d.store.GetObjectRange(ctx, t.bucket, t.key, t.cursor, end)
		if err != nil {
			return err
		}

		n, err := io.Copy(out, rc)
		rc.Close()
		d.metrics.AddBytes(n)
		if err != nil {
			return err
		}
		if n != want {
			return fmt.Errorf("range %d-%d returned %d bytes, want %d", t.cursor, end, n, want)
		}

		t.cursor = end + 1
	}
	return nil
}
