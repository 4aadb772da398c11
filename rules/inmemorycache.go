package rules

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is a simple in-memory implementation of RulesCache
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	entries map[string]map[string]cacheEntry // tenantID -> triggerType -> entry
	config  CacheConfig
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[string]map[string]cacheEntry),
		config:  config,
	}
}

// Get retrieves cached rules.
// Returns ok=false if nothing is cached or the entry expired
func (c *InMemoryRulesCache) Get(ctx context.Context, tenantID, triggerType string) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[tenantID][triggerType]
	if !ok {
		return nil, false
	}

	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil, false
	}

	// Return copies to prevent external modifications
	out := make([]*Rule, len(entry.rules))
	for i, r := range entry.rules {
		out[i] = cloneRule(r)
	}
	return out, true
}

// Set stores rules in cache
func (c *InMemoryRulesCache) Set(ctx context.Context, tenantID, triggerType string, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*Rule, len(rules))
	for i, r := range rules {
		stored[i] = cloneRule(r)
	}

	tenantEntries, ok := c.entries[tenantID]
	if !ok {
		tenantEntries = make(map[string]cacheEntry)
		c.entries[tenantID] = tenantEntries
	}
	tenantEntries[triggerType] = cacheEntry{rules: stored, cachedAt: time.Now()}
}

// Invalidate clears every entry of the tenant
func (c *InMemoryRulesCache) Invalidate(ctx context.Context, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, tenantID)
}
