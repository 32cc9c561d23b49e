package rules

import "time"

// ModelCache holds the last loaded decision model.
// This allows swapping between in-memory or shared caching implementations.
type ModelCache interface {
	// Get retrieves the cached model, returns nil if cache miss or expired
	Get() *DecisionModel

	// Set stores a model in the cache
	Set(model *DecisionModel)

	// Invalidate clears the cache, forcing a reload on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CachePolicy decides whether a loaded model is reused across requests
type CachePolicy string

const (
	// PolicyReload reads the artifact on every request and picks up edits immediately
	PolicyReload CachePolicy = "reload"
	// PolicyCache reuses the last model until it expires or is invalidated
	PolicyCache CachePolicy = "cache"
)

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for the cached model.
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns the default cache settings
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0,
	}
}
