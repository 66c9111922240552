package internal

import (
	"context"
	"sync"

	"github.com/lychee-technology/hyperform"
)

// memoryResponseCache is the default ResponseCache. Concurrent writes of the
// same key are last-write-wins.
type memoryResponseCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryResponseCache creates an empty in-process cache.
func NewMemoryResponseCache() hyperform.ResponseCache {
	return &memoryResponseCache{entries: make(map[string][]byte)}
}

func (c *memoryResponseCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *memoryResponseCache) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *memoryResponseCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
	return nil
}

func (c *memoryResponseCache) Close() error {
	return nil
}
