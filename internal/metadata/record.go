// Package metadata persists the per-object scan records read by the rest
// of the upload pipeline.
package metadata

import (
	"context"
	"errors"
	"maps"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrRecordNotFound is returned by GetRecord for an unknown object.
var ErrRecordNotFound = errors.New("record not found")

// DefaultTTL is how long a record is kept after its last write.
const DefaultTTL = 15 * 24 * time.Hour

type UploadStatus string

const (
	UploadProcessing UploadStatus = "processing"
	UploadComplete   UploadStatus = "complete"
	UploadError      UploadStatus = "error"
)

type VirusStatus string

const (
	VirusUnknown  VirusStatus = "unknown"
	VirusClean    VirusStatus = "clean"
	VirusInfected VirusStatus = "infected"
)

// Metadata keys with a dedicated record field.
const (
	fileNameMetadataKey = "qqfilename"
	fileSizeMetadataKey = "file-size"
)

// ObjectRecord is the scan state of one uploaded object.
type ObjectRecord struct {
	Bucket string
	Key    string

	// Attributes are the caller supplied metadata of the object, with
	// dashes in the names replaced by underscores.
	Attributes map[string]string

	FileName string
	FileSize int64

	UploadStatus UploadStatus
	VirusStatus  VirusStatus
	VirusName    string
	ErrorMessage string

	ModifiedAt time.Time
	ExpiresAt  time.Time
}

// NewObjectRecord builds the initial processing record for an object from
// its user metadata. headSize is used when the metadata does not carry a
// usable file-size entry.
func NewObjectRecord(bucket string, key string, userMetadata map[string]string, headSize int64, now time.Time, ttl time.Duration) *ObjectRecord {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	r := &ObjectRecord{
		Bucket:       bucket,
		Key:          key,
		Attributes:   make(map[string]string),
		FileSize:     headSize,
		UploadStatus: UploadProcessing,
		VirusStatus:  VirusUnknown,
		ModifiedAt:   now.UTC(),
		ExpiresAt:    now.Add(ttl).UTC(),
	}

	for name, value := range userMetadata {
		switch strings.ToLower(name) {
		case fileNameMetadataKey:
			r.FileName = decodeFileName(value)
		case fileSizeMetadataKey:
			if size, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && size >= 0 {
				r.FileSize = size
			}
		default:
			r.Attributes[AttributeName(name)] = value
		}
	}

	return r
}

// AttributeName converts a metadata key into the stored attribute name.
func AttributeName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// decodeFileName undoes the percent-encoding browsers apply to the original
// file name. A malformed encoding is kept verbatim.
func decodeFileName(value string) string {
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return value
	}
	return decoded
}

// Touch records a write at now.
func (r *ObjectRecord) Touch(now time.Time) {
	r.ModifiedAt = now.UTC()
}

// Clone returns a deep copy of r.
func (r *ObjectRecord) Clone() *ObjectRecord {
	c := *r
	c.Attributes = maps.Clone(r.Attributes)
	return &c
}

// Store persists object records. PutRecord upserts by bucket and key, so a
// redelivered event overwrites instead of duplicating.
type Store interface {
	PutRecord(ctx context.Context, r *ObjectRecord) error
	GetRecord(ctx context.Context, bucket string, key string) (*ObjectRecord, error)
}
