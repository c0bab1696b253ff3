package cache

import (
	"context"
	"sync"

	"github.com/sells-group/visibility-cli/internal/model"
)

// MemoryBackend is an in-process Backend for single-run commands.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]model.CacheEntry
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]model.CacheEntry)}
}

// GetCacheEntry implements Backend.
func (m *MemoryBackend) GetCacheEntry(_ context.Context, key string) (*model.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &e, nil
}

// PutCacheEntry implements Backend. The last write for a key wins.
func (m *MemoryBackend) PutCacheEntry(_ context.Context, e model.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
