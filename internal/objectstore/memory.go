package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"sync"

	"clamgate/pkg/storage"
)

// Range records a single ranged read served by a MemoryStore.
type Range struct {
	Key   string
	Start int64
	End   int64
}

type memoryObject struct {
	data     []byte
	metadata map[string]string
	tags     map[string]string
}

// MemoryStore is an ObjectStore kept entirely in memory. It records the
// calls made against it so callers can assert on access patterns, and
// individual operations can be made to fail through the Fail* hooks.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]*memoryObject

	Ranges   []Range
	Gets     int
	Puts     int
	TagPuts  int
	Deletes  []string
	Sequence []string

	FailGet    func(bucket, key string) error
	FailPut    func(bucket, key string) error
	FailTag    func(bucket, key string) error
	FailDelete func(bucket, key string) error
	FailHead   func(bucket, key string) error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memoryObject)}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

// Put stores data under bucket/key with the given user metadata.
func (m *MemoryStore) Put(bucket string, key string, data []byte, metadata map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj := &memoryObject{
		data:     bytes.Clone(data),
		metadata: maps.Clone(metadata),
		tags:     map[string]string{},
	}
	if existing, ok := m.objects[objectID(bucket, key)]; ok {
		obj.tags = existing.tags
	}
	m.objects[objectID(bucket, key)] = obj
}

// SetTag sets a tag directly, bypassing the Fail hooks and call counters.
func (m *MemoryStore) SetTag(bucket, key, name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if obj, ok := m.objects[objectID(bucket, key)]; ok {
		obj.tags[name] = value
	}
}

// Data returns the stored payload of bucket/key.
func (m *MemoryStore) Data(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[objectID(bucket, key)]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Exists reports whether bucket/key is present.
func (m *MemoryStore) Exists(bucket, key string) bool {
	_, ok := m.Data(bucket, key)
	return ok
}

// ResetCounters clears the recorded calls.
func (m *MemoryStore) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Ranges = nil
	m.Gets = 0
	m.Puts = 0
	m.TagPuts = 0
	m.Deletes = nil
	m.Sequence = nil
}

func (m *MemoryStore) lookup(bucket, key string) (*memoryObject, error) {
	obj, ok := m.objects[objectID(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return obj, nil
}

func (m *MemoryStore) GetObject(ctx context.Context, bucket string, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Gets++
	m.Sequence = append(m.Sequence, "get:"+key)
	if m.FailGet != nil {
		if err := m.FailGet(bucket, key); err != nil {
			return nil, err
		}
	}

	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), nil
}

func (m *MemoryStore) GetObjectRange(ctx context.Context, bucket string, key string, start int64, end int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Ranges = append(m.Ranges, Range{Key: key, Start: start, End: end})
	m.Sequence = append(m.Sequence, "range:"+key)
	if m.FailGet != nil {
		if err := m.FailGet(bucket, key); err != nil {
			return nil, err
		}
	}

	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}

	size := int64(len(obj.data))
	if start < 0 || start >= size || end < start {
		return nil, fmt.Errorf("invalid range %d-%d for object of size %d", start, end, size)
	}
	if end >= size {
		end = size - 1
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(obj.data[start : end+1]))), nil
}

func (m *MemoryStore) PutObjectFromFile(ctx context.Context, bucket string, key string, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Puts++
	m.Sequence = append(m.Sequence, "put:"+key)
	if m.FailPut != nil {
		if err := m.FailPut(bucket, key); err != nil {
			return err
		}
	}

	// A new payload drops the tags of the previous version, as S3 does.
	m.objects[objectID(bucket, key)] = &memoryObject{
		data:     data,
		metadata: map[string]string{},
		tags:     map[string]string{},
	}
	return nil
}

func (m *MemoryStore) GetTag(ctx context.Context, bucket string, key string, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, err := m.lookup(bucket, key)
	if err != nil {
		return "", false, err
	}
	value, ok := obj.tags[name]
	return value, ok, nil
}

func (m *MemoryStore) PutTag(ctx context.Context, bucket string, key string, name string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TagPuts++
	m.Sequence = append(m.Sequence, "tag:"+key)
	if m.FailTag != nil {
		if err := m.FailTag(bucket, key); err != nil {
			return err
		}
	}

	obj, err := m.lookup(bucket, key)
	if err != nil {
		return err
	}
	obj.tags = map[string]string{name: value}
	return nil
}

func (m *MemoryStore) DeleteObject(ctx context.Context, bucket string, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Deletes = append(m.Deletes, objectID(bucket, key))
	m.Sequence = append(m.Sequence, "delete:"+key)
	if m.FailDelete != nil {
		if err := m.FailDelete(bucket, key); err != nil {
			return err
		}
	}

	delete(m.objects, objectID(bucket, key))
	return nil
}

func (m *MemoryStore) HeadObject(ctx context.Context, bucket string, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailHead != nil {
		if err := m.FailHead(bucket, key); err != nil {
			return storage.ObjectInfo{}, err
		}
	}

	obj, err := m.lookup(bucket, key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return storage.ObjectInfo{
		Size:     int64(len(obj.data)),
		Metadata: maps.Clone(obj.metadata),
	}, nil
}
