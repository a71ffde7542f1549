package docstore

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]json.RawMessage // namespace -> key -> value
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]json.RawMessage)}
}

func (s *MemoryStore) Setup(ctx context.Context) error { return nil }

func (s *MemoryStore) Get(ctx context.Context, ns Namespace, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.docs[ns.String()]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := bucket[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, ns Namespace, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsKey := ns.String()
	bucket, ok := s.docs[nsKey]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		s.docs[nsKey] = bucket
	}
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	bucket[key] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ns Namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.docs[ns.String()]; ok {
		delete(bucket, key)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of stored documents across all namespaces.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, bucket := range s.docs {
		n += len(bucket)
	}
	return n
}
