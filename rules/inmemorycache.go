package rules

import (
	"sync"
	"time"
)

// InMemoryModelCache is a simple in-memory implementation of ModelCache.
// Thread-safe for concurrent access. The cached model is immutable, so it is
// handed out without copying.
type InMemoryModelCache struct {
	model    *DecisionModel
	cachedAt time.Time
	config   CacheConfig
	now      func() time.Time
	mu       sync.RWMutex
}

// NewInMemoryModelCache creates a new in-memory model cache
func NewInMemoryModelCache(config CacheConfig) *InMemoryModelCache {
	return &InMemoryModelCache{
		config: config,
		now:    time.Now,
	}
}

// Get retrieves the cached model.
// Returns nil if cache is empty or expired
func (c *InMemoryModelCache) Get() *DecisionModel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.validLocked() {
		return nil
	}
	return c.model
}

// Set stores a model in the cache
func (c *InMemoryModelCache) Set(model *DecisionModel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.model = model
	c.cachedAt = c.now()
}

// Invalidate clears the cache
func (c *InMemoryModelCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.model = nil
}

// IsValid returns true if cache contains a model that has not expired
func (c *InMemoryModelCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.validLocked()
}

func (c *InMemoryModelCache) validLocked() bool {
	if c.model == nil {
		return false
	}
	if c.config.TTL > 0 && c.now().Sub(c.cachedAt) > c.config.TTL {
		return false
	}
	return true
}
