package rules

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisRulesCache shares cached rule lists between engine processes.
// Each tenant keeps a set of its cache keys so Invalidate can drop them all.
// Redis errors degrade to cache misses.
type RedisRulesCache struct {
	client *redis.Client
	config CacheConfig
	prefix string
	logger *slog.Logger
}

// NewRedisRulesCache creates a cache on top of an existing client.
func NewRedisRulesCache(client *redis.Client, config CacheConfig, logger *slog.Logger) *RedisRulesCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRulesCache{
		client: client,
		config: config,
		prefix: "automations:rules:",
		logger: logger,
	}
}

func (c *RedisRulesCache) key(tenantID, triggerType string) string {
	return c.prefix + tenantID + ":" + triggerType
}

func (c *RedisRulesCache) indexKey(tenantID string) string {
	return c.prefix + tenantID + ":keys"
}

// Get reads a cached rule list.
func (c *RedisRulesCache) Get(ctx context.Context, tenantID, triggerType string) ([]*Rule, bool) {
	data, err := c.client.Get(ctx, c.key(tenantID, triggerType)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.WarnContext(ctx, "rules cache read failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return nil, false
	}

	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, false
	}
	return rules, true
}

// Set writes a rule list with the configured TTL.
func (c *RedisRulesCache) Set(ctx context.Context, tenantID, triggerType string, rules []*Rule) {
	data, err := json.Marshal(rules)
	if err != nil {
		return
	}

	key := c.key(tenantID, triggerType)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, data, c.config.TTL)
	pipe.SAdd(ctx, c.indexKey(tenantID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WarnContext(ctx, "rules cache write failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
	}
}

// Invalidate removes every cached list of the tenant.
func (c *RedisRulesCache) Invalidate(ctx context.Context, tenantID string) {
	index := c.indexKey(tenantID)
	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		c.logger.WarnContext(ctx, "rules cache invalidation failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return
	}

	if err := c.client.Del(ctx, append(keys, index)...).Err(); err != nil {
		c.logger.WarnContext(ctx, "rules cache invalidation failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
	}
}
