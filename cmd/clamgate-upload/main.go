// Command clamgate-upload pushes files into a bucket watched by clamgate,
// the way the browser uploader does, and can seed the shared definitions
// cache from a local directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"clamgate/internal/definitions"
	"clamgate/internal/digest"
	"clamgate/internal/objectstore"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	flag "github.com/spf13/pflag"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
		slog.Info("Created bucket", "bucket", bucketName)
	}
	return nil
}

// UploadFile uploads path under key with the metadata the pipeline reads:
// the percent-encoded original file name and the declared size.
func UploadFile(ctx context.Context, client *minio.Client, bucketName string, key string, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	_, err = client.FPutObject(ctx, bucketName, key, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"qqfilename": url.PathEscape(filepath.Base(path)),
			"file-size":  strconv.FormatInt(info.Size(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %q to bucket %q: %w", path, bucketName, err)
	}

	slog.Info("Uploaded object to bucket", "key", key, "bucket", bucketName, "size", info.Size())
	return nil
}

// WaitForVerdict polls the object until it disappears or timeout passes.
// Objects that are still present afterwards were accepted.
func WaitForVerdict(ctx context.Context, client *minio.Client, bucketName string, key string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := client.StatObject(ctx, bucketName, key, minio.StatObjectOptions{})
		if err != nil {
			var resp minio.ErrorResponse
			if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
				slog.Warn("Object was removed by the scanner", "key", key)
				return nil
			}
			return fmt.Errorf("failed to stat %q: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	slog.Info("Object is still present, it was accepted", "key", key)
	return nil
}

// SeedDefinitions uploads the definition files found in dir to the shared
// cache, tagged with their digest, so that scanners can start without
// reaching the upstream mirror.
func SeedDefinitions(ctx context.Context, client *minio.Client, bucketName string, dir string) error {
	store := objectstore.NewMinioStoreWithClient(client)
	hasher := digest.NewHasher(digest.MD5)

	for _, name := range definitions.DefaultNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			slog.Warn("Skipping missing definition file", "path", path)
			continue
		}

		sum, err := hasher.HashFile(path)
		if err != nil {
			return err
		}

		key := definitions.DefaultPrefix + name
		if err := store.PutObjectFromFile(ctx, bucketName, key, path); err != nil {
			return err
		}
		if err := store.PutTag(ctx, bucketName, key, hasher.TagName(), sum); err != nil {
			return err
		}
		slog.Info("Seeded definition file", "key", key, "digest", sum)
	}
	return nil
}

func Run(ctx context.Context) error {
	endpoint := flag.String("endpoint", getenv("CLAMGATE_ENDPOINT", "localhost:9000"), "S3-compatible endpoint")
	accessKey := flag.String("access-key", getenv("CLAMGATE_ACCESS_KEY", "minioadmin"), "access key ID")
	secretKey := flag.String("secret-key", getenv("CLAMGATE_SECRET_KEY", "minioadmin"), "secret access key")
	useSSL := flag.Bool("ssl", false, "use HTTPS")
	bucket := flag.StringP("bucket", "b", "uploads", "destination bucket")
	key := flag.StringP("key", "k", "", "object key (defaults to the file name)")
	wait := flag.Duration("wait", 0, "wait this long for the scanner to remove the object")
	seedDir := flag.String("seed-definitions", "", "upload the definition files of this directory instead of a file")
	flag.Parse()

	slog.SetDefault(slog.New(log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.InfoLevel,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})))

	client, err := minio.New(*endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(*accessKey, *secretKey, ""),
		Secure: *useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %w", err)
	}

	if err := EnsureBucket(ctx, client, *bucket); err != nil {
		return err
	}

	if *seedDir != "" {
		return SeedDefinitions(ctx, client, *bucket, *seedDir)
	}

	if flag.NArg() != 1 {
		return errors.New("usage: clamgate-upload [flags] FILE")
	}
	path := flag.Arg(0)

	objectKey := *key
	if objectKey == "" {
		objectKey = filepath.Base(path)
	}

	if err := UploadFile(ctx, client, *bucket, objectKey, path); err != nil {
		return err
	}

	if *wait > 0 {
		return WaitForVerdict(ctx, client, *bucket, objectKey, *wait)
	}
	return nil
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("Upload failed", "err", err)
		os.Exit(1)
	}
}
