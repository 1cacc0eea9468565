package metadata

import (
	"context"
	"sync"
)

// MemoryStore is a Store kept in memory. Every successful write is kept in
// History so the sequence of states an object went through can be checked.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*ObjectRecord

	History map[string][]*ObjectRecord

	// FailPut, when set, is consulted before every write.
	FailPut func(r *ObjectRecord) error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ObjectRecord),
		History: make(map[string][]*ObjectRecord),
	}
}

func recordID(bucket, key string) string {
	return bucket + "/" + key
}

func (m *MemoryStore) PutRecord(ctx context.Context, r *ObjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPut != nil {
		if err := m.FailPut(r); err != nil {
			return err
		}
	}

	id := recordID(r.Bucket, r.Key)
	m.records[id] = r.Clone()
	m.History[id] = append(m.History[id], r.Clone())
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, bucket string, key string) (*ObjectRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordID(bucket, key)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.Clone(), nil
}

// Writes returns the recorded states of bucket/key in write order.
func (m *MemoryStore) Writes(bucket, key string) []*ObjectRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*ObjectRecord(nil), m.History[recordID(bucket, key)]...)
}
