package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"clamgate/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client defines the S3 operations used by S3Store.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

// S3Store implements storage.ObjectStore using the AWS SDK.
type S3Store struct {
	client S3Client
}

// NewS3Store creates an S3Store from an AWS configuration. A non-empty
// endpoint switches to path-style addressing against that endpoint
// (LocalStack, MinIO).
func NewS3Store(cfg aws.Config, endpoint string) *S3Store {
	var opts []func(*s3.Options)
	if endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Store{client: s3.NewFromConfig(cfg, opts...)}
}

// NewS3StoreWithClient creates an S3Store with a custom client.
func NewS3StoreWithClient(client S3Client) *S3Store {
	return &S3Store{client: client}
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NoSuchTagSet", "NotFound":
			return true
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

func (s *S3Store) GetObject(ctx context.Context, bucket string, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError("get object", bucket, key, err, isS3NotFound(err))
	}
	return out.Body, nil
}

func (s *S3Store) GetObjectRange(ctx context.Context, bucket string, key string, start int64, end int64) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader(start, end)),
	})
	if err != nil {
		return nil, wrapError("get object range", bucket, key, err, isS3NotFound(err))
	}
	return out.Body, nil
}

func (s *S3Store) PutObjectFromFile(ctx context.Context, bucket string, key string, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return wrapError("put object", bucket, key, err, false)
	}

	slog.Debug("Uploaded object", "bucket", bucket, "key", key, "size", info.Size())
	return nil
}

func (s *S3Store) GetTag(ctx context.Context, bucket string, key string, name string) (string, bool, error) {
	out, err := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", false, nil
		}
		return "", false, wrapError("get object tagging", bucket, key, err, false)
	}

	for _, tag := range out.TagSet {
		if aws.ToString(tag.Key) == name {
			return aws.ToString(tag.Value), true, nil
		}
	}
	return "", false, nil
}

func (s *S3Store) PutTag(ctx context.Context, bucket string, key string, name string, value string) error {
	_, err := s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Tagging: &s3types.Tagging{
			TagSet: []s3types.Tag{{Key: aws.String(name), Value: aws.String(value)}},
		},
	})
	if err != nil {
		return wrapError("put object tagging", bucket, key, err, isS3NotFound(err))
	}
	return nil
}

func (s *S3Store) DeleteObject(ctx context.Context, bucket string, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return wrapError("delete object", bucket, key, err, false)
	}

	slog.Info("Deleted object", "bucket", bucket, "key", key)
	return nil
}

func (s *S3Store) HeadObject(ctx context.Context, bucket string, key string) (storage.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storage.ObjectInfo{}, wrapError("head object", bucket, key, err, isS3NotFound(err))
	}

	return storage.ObjectInfo{
		Size:     aws.ToInt64(out.ContentLength),
		Metadata: normalizeMetadata(out.Metadata),
	}, nil
}
