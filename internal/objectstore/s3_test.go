package objectstore_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clamgate/internal/objectstore"
	"clamgate/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	getFunc     func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	putFunc     func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	headFunc    func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	deleteFunc  func(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	getTagsFunc func(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	putTagsFunc func(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, params, optFns...)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putFunc != nil {
		return m.putFunc(ctx, params, optFns...)
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headFunc != nil {
		return m.headFunc(ctx, params, optFns...)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, params, optFns...)
	}
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error) {
	if m.getTagsFunc != nil {
		return m.getTagsFunc(ctx, params, optFns...)
	}
	return &s3.GetObjectTaggingOutput{}, nil
}

func (m *mockS3Client) PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error) {
	if m.putTagsFunc != nil {
		return m.putTagsFunc(ctx, params, optFns...)
	}
	return &s3.PutObjectTaggingOutput{}, nil
}

func TestS3StoreGetObjectRangeSendsInclusiveRange(t *testing.T) {
	t.Parallel()

	var gotRange string
	store := objectstore.NewS3StoreWithClient(&mockS3Client{
		getFunc: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			gotRange = aws.ToString(params.Range)
			require.Equal(t, "uploads", aws.ToString(params.Bucket), "bucket")
			require.Equal(t, "big.iso", aws.ToString(params.Key), "key")
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("abc"))}, nil
		},
	})

	rc, err := store.GetObjectRange(t.Context(), "uploads", "big.iso", 2097152, 4194303)
	require.NoError(t, err, "GetObjectRange error")
	defer rc.Close()

	require.Equal(t, "bytes=2097152-4194303", gotRange, "range header")
}

func TestS3StoreGetTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		out     *s3.GetObjectTaggingOutput
		err     error
		want    string
		wantOK  bool
		wantErr bool
	}{
		{
			name: "tag present",
			out: &s3.GetObjectTaggingOutput{TagSet: []s3types.Tag{
				{Key: aws.String("owner"), Value: aws.String("ops")},
				{Key: aws.String("md5"), Value: aws.String("d41d8cd98f00b204e9800998ecf8427e")},
			}},
			want:   "d41d8cd98f00b204e9800998ecf8427e",
			wantOK: true,
		},
		{
			name: "tag missing",
			out:  &s3.GetObjectTaggingOutput{},
		},
		{
			name: "object missing",
			err:  &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")},
		},
		{
			name: "generic not found code",
			err:  &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"},
		},
		{
			name:    "access denied",
			err:     &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := objectstore.NewS3StoreWithClient(&mockS3Client{
				getTagsFunc: func(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error) {
					return tc.out, tc.err
				},
			})

			value, ok, err := store.GetTag(t.Context(), "defs", "clamav_defs/daily.cvd", "md5")
			if tc.wantErr {
				require.Error(t, err, "expected error")
				var remoteErr *storage.RemoteError
				require.True(t, errors.As(err, &remoteErr), "expected *storage.RemoteError, got %T", err)
				return
			}
			require.NoError(t, err, "GetTag error")
			require.Equal(t, tc.wantOK, ok, "tag presence")
			require.Equal(t, tc.want, value, "tag value")
		})
	}
}

func TestS3StorePutTagReplacesTagSet(t *testing.T) {
	t.Parallel()

	var got *s3types.Tagging
	store := objectstore.NewS3StoreWithClient(&mockS3Client{
		putTagsFunc: func(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error) {
			got = params.Tagging
			return &s3.PutObjectTaggingOutput{}, nil
		},
	})

	require.NoError(t, store.PutTag(t.Context(), "defs", "clamav_defs/main.cvd", "md5", "abc"), "PutTag error")
	require.NotNil(t, got, "tagging payload")
	require.Len(t, got.TagSet, 1, "tag count")
	require.Equal(t, "md5", aws.ToString(got.TagSet[0].Key), "tag key")
	require.Equal(t, "abc", aws.ToString(got.TagSet[0].Value), "tag value")
}

func TestS3StoreHeadObject(t *testing.T) {
	t.Parallel()

	store := objectstore.NewS3StoreWithClient(&mockS3Client{
		headFunc: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return &s3.HeadObjectOutput{
				ContentLength: aws.Int64(1234),
				Metadata:      map[string]string{"QQFileName": "report.pdf", "user-id": "42"},
			}, nil
		},
	})

	info, err := store.HeadObject(t.Context(), "uploads", "abc")
	require.NoError(t, err, "HeadObject error")
	require.Equal(t, int64(1234), info.Size, "size")
	require.Equal(t, map[string]string{"qqfilename": "report.pdf", "user-id": "42"}, info.Metadata, "metadata")
}

func TestS3StoreHeadObjectNotFound(t *testing.T) {
	t.Parallel()

	store := objectstore.NewS3StoreWithClient(&mockS3Client{
		headFunc: func(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, &s3types.NotFound{}
		},
	})

	_, err := store.HeadObject(t.Context(), "uploads", "gone")
	require.Error(t, err)
	require.True(t, storage.IsNotFound(err), "expected not found, got %v", err)
}

func TestS3StorePutObjectFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "daily.cvd")
	require.NoError(t, os.WriteFile(path, []byte("definitions"), 0o644))

	var body []byte
	var length int64
	store := objectstore.NewS3StoreWithClient(&mockS3Client{
		putFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			length = aws.ToInt64(params.ContentLength)
			data, err := io.ReadAll(params.Body)
			require.NoError(t, err)
			body = data
			return &s3.PutObjectOutput{}, nil
		},
	})

	require.NoError(t, store.PutObjectFromFile(t.Context(), "defs", "clamav_defs/daily.cvd", path), "PutObjectFromFile error")
	require.Equal(t, "definitions", string(body), "uploaded body")
	require.Equal(t, int64(len("definitions")), length, "content length")
}

func TestS3StoreDeleteFailure(t *testing.T) {
	t.Parallel()

	store := objectstore.NewS3StoreWithClient(&mockS3Client{
		deleteFunc: func(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}
		},
	})

	err := store.DeleteObject(t.Context(), "uploads", "infected.exe")
	var remoteErr *storage.RemoteError
	require.True(t, errors.As(err, &remoteErr), "expected *storage.RemoteError, got %T", err)
	require.Equal(t, "delete object", remoteErr.Op, "op")
}
