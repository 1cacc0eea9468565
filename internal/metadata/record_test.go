package metadata_test

import (
	"testing"
	"time"

	"clamgate/internal/metadata"

	"github.com/stretchr/testify/require"
)

func TestNewObjectRecord(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := metadata.NewObjectRecord("uploads", "e84c17fb", map[string]string{
		"qqfilename": "My%20Report%E2%9C%93.pdf",
		"file-size":  "2048",
		"user-id":    "42",
		"service":    "claims",
	}, 1000, now, 0)

	require.Equal(t, "uploads", r.Bucket)
	require.Equal(t, "e84c17fb", r.Key)
	require.Equal(t, "My Report✓.pdf", r.FileName)
	require.Equal(t, int64(2048), r.FileSize, "file-size metadata wins over the stored size")
	require.Equal(t, map[string]string{"user_id": "42", "service": "claims"}, r.Attributes)
	require.Equal(t, metadata.UploadProcessing, r.UploadStatus)
	require.Equal(t, metadata.VirusUnknown, r.VirusStatus)
	require.Equal(t, now, r.ModifiedAt)
	require.Equal(t, now.Add(15*24*time.Hour), r.ExpiresAt)
}

func TestNewObjectRecordDefaults(t *testing.T) {
	t.Parallel()

	now := time.Now()

	r := metadata.NewObjectRecord("uploads", "k", nil, 777, now, time.Hour)
	require.Equal(t, int64(777), r.FileSize, "size defaults to the stored size")
	require.Empty(t, r.FileName)
	require.Empty(t, r.Attributes)
	require.Equal(t, now.Add(time.Hour).UTC(), r.ExpiresAt)

	r = metadata.NewObjectRecord("uploads", "k", map[string]string{"file-size": "lots", "qqfilename": "100%.txt"}, 5, now, 0)
	require.Equal(t, int64(5), r.FileSize, "unparsable file-size is ignored")
	require.Equal(t, "100%.txt", r.FileName, "malformed encoding is kept verbatim")
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	r := metadata.NewObjectRecord("b", "k", map[string]string{"a": "1"}, 1, time.Now(), 0)
	c := r.Clone()
	c.Attributes["a"] = "2"
	c.UploadStatus = metadata.UploadComplete

	require.Equal(t, "1", r.Attributes["a"])
	require.Equal(t, metadata.UploadProcessing, r.UploadStatus)
}
