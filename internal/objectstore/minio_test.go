package objectstore

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestIsMinioNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "no such key", err: minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, want: true},
		{name: "no such tag set", err: minio.ErrorResponse{Code: "NoSuchTagSet", StatusCode: http.StatusNotFound}, want: true},
		{name: "bare 404", err: minio.ErrorResponse{StatusCode: http.StatusNotFound}, want: true},
		{name: "access denied", err: minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, want: false},
		{name: "transport error", err: errors.New("connection refused"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, isMinioNotFound(tc.err))
		})
	}
}

func TestNormalizeMetadata(t *testing.T) {
	t.Parallel()

	got := normalizeMetadata(map[string]string{
		"Qqfilename":      "a%20b.txt",
		"X-Amz-Meta-User": "42",
		"file-size":       "100",
	})

	require.Equal(t, map[string]string{
		"qqfilename": "a%20b.txt",
		"user":       "42",
		"file-size":  "100",
	}, got)
}
