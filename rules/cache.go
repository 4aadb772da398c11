package rules

import (
	"context"
	"time"
)

// RulesCache caches the active rule list per tenant and trigger type.
// This allows swapping between in-memory, Redis, or other caching implementations.
type RulesCache interface {
	// Get retrieves cached rules, returns ok=false on a miss or expiry
	Get(ctx context.Context, tenantID, triggerType string) (rules []*Rule, ok bool)

	// Set stores rules in cache
	Set(ctx context.Context, tenantID, triggerType string, rules []*Rule)

	// Invalidate drops every cached list of the tenant
	Invalidate(ctx context.Context, tenantID string)
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching.
// A short TTL bounds staleness when several processes share a database.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 30 * time.Second,
	}
}

// NoopRulesCache never caches.
type NoopRulesCache struct{}

func (NoopRulesCache) Get(context.Context, string, string) ([]*Rule, bool) { return nil, false }
func (NoopRulesCache) Set(context.Context, string, string, []*Rule)        {}
func (NoopRulesCache) Invalidate(context.Context, string)                  {}
