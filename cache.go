package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// BundleCache stores computed permission bundles. Because the policy version
// is embedded in every key, stale entries are never read after an edit; they
// just orphan until Clear or TTL eviction drops them.
type BundleCache interface {
	// Get returns the cached bundle or nil on a miss.
	Get(ctx context.Context, key string) (*EffectivePermissionBundle, error)
	Set(ctx context.Context, key string, b *EffectivePermissionBundle, ttl time.Duration) error
	// Clear drops every entry; used for eager invalidation on admin mutations.
	Clear(ctx context.Context) error
}

// RedisBundleCache is the production BundleCache.
type RedisBundleCache struct {
	client *redis.Client
	prefix string
}

func NewRedisBundleCache(client *redis.Client, prefix string) *RedisBundleCache {
	if prefix == "" {
		prefix = "policy:"
	}
	return &RedisBundleCache{client: client, prefix: prefix}
}

func (c *RedisBundleCache) Get(ctx context.Context, key string) (*EffectivePermissionBundle, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle cache: %w", err)
	}
	var b EffectivePermissionBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		// A corrupt entry behaves like a miss; the pipeline overwrites it.
		return nil, nil
	}
	return &b, nil
}

func (c *RedisBundleCache) Set(ctx context.Context, key string, b *EffectivePermissionBundle, ttl time.Duration) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write bundle cache: %w", err)
	}
	return nil
}

func (c *RedisBundleCache) Clear(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.prefix+"*").Result()
	if err != nil {
		return fmt.Errorf("failed to list bundle cache keys: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to clear bundle cache: %w", err)
		}
	}
	return nil
}

// bundleCacheKey builds the generational cache key:
// bundle:<user>:<appointment|none>:<position|none>:<scope|none>:<roles>:v<version>.
// Roles must already be normalized and sorted so equal role sets always map to
// the same key.
func bundleCacheKey(userID uint, actx AppointmentContext, roles []string, version int64) string {
	roleSeg := "none"
	if len(roles) > 0 {
		roleSeg = strings.Join(roles, ",")
	}
	return fmt.Sprintf("bundle:%d:%s:%s:v%d", userID, actx.cacheToken(), roleSeg, version)
}
