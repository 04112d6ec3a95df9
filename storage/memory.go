package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/copystructure"
)

type memoryStorage struct {
	data map[string]map[string]map[string]any
	mu   sync.RWMutex
}

// NewMemoryStorage returns a Storage that lives in process memory. Values are
// deep-copied in and out.
func NewMemoryStorage() Storage {
	return &memoryStorage{
		data: make(map[string]map[string]map[string]any),
	}
}

func (m *memoryStorage) Init(ctx context.Context) error {
	return nil
}

func (m *memoryStorage) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]map[string]map[string]any)
	return nil
}

func (m *memoryStorage) Put(ctx context.Context, prefix string, key string, data map[string]any) error {
	cp, err := copyMap(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data[prefix] == nil {
		m.data[prefix] = make(map[string]map[string]any)
	}
	m.data[prefix][key] = cp
	return nil
}

func (m *memoryStorage) Get(ctx context.Context, prefix string, key string) (map[string]any, error) {
	m.mu.RLock()
	data, exists := m.data[prefix][key]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	return copyMap(data)
}

func (m *memoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data[prefix]))
	for key := range m.data[prefix] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStorage) Delete(ctx context.Context, prefix string, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[prefix], key)
	return nil
}

func copyMap(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	cp, err := copystructure.Copy(data)
	if err != nil {
		return nil, fmt.Errorf("failed to copy entry: %w", err)
	}
	return cp.(map[string]any), nil
}
