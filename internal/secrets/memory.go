package secrets

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// MemoryStore keeps ciphertext in process memory. Nothing outlives the
// session.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = slices.Clone(value)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return slices.Clone(v), nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

// ListSecrets returns the stored keys, sorted.
func (m *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}
