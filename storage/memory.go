package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"docwatch.dev/kernel"
)

// Memory is a map-backed Backend used in tests and for one-shot local runs.
type Memory struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	counter int64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) StorageType() string { return "memory" }

func (m *Memory) Put(ctx context.Context, ref kernel.DocRef, data []byte, contentType string) (string, error) {
	key := fmt.Sprintf("%s/%d", ref.ID, atomic.AddInt64(&m.counter, 1))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("storage/memory: no such key %q", key)
	}
	return data, nil
}
