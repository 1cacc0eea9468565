// Package digest computes content digests of local files and reads the
// digests recorded as tags on remote objects.
package digest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"clamgate/pkg/storage"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported digest function. The name doubles as the tag
// under which a remote object's digest is stored.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm validates a configured algorithm name. The empty string
// selects MD5.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", MD5:
		return MD5, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", name)
	}
}

// Hasher computes digests with a single algorithm.
type Hasher struct {
	algorithm Algorithm
}

// NewHasher returns a Hasher for the given algorithm, defaulting to MD5.
func NewHasher(algorithm Algorithm) *Hasher {
	if algorithm == "" {
		algorithm = MD5
	}
	return &Hasher{algorithm: algorithm}
}

// Algorithm returns the algorithm in use.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// TagName returns the name of the object tag that carries the digest.
func (h *Hasher) TagName() string {
	return string(h.algorithm)
}

func (h *Hasher) newHash() hash.Hash {
	if h.algorithm == BLAKE3 {
		return blake3.New()
	}
	return md5.New()
}

// HashFile streams the file at path through the hash function and returns
// the lowercase hex digest.
func (h *Hasher) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := h.newHash()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// RemoteDigest returns the digest recorded on bucket/key. The boolean is
// false when either the object or its digest tag is missing. The tag is
// trusted as is; the object is never downloaded to verify it.
func (h *Hasher) RemoteDigest(ctx context.Context, store storage.ObjectStore, bucket string, key string) (string, bool, error) {
	value, ok, err := store.GetTag(ctx, bucket, key, h.TagName())
	if err != nil {
		if storage.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if !ok || value == "" {
		return "", false, nil
	}
	return value, true, nil
}
