package keychain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the per-worker decrypted-secret cache, bounded to a short
// TTL (spec.md §4.9: "cached retrieval ... refreshed on TTL"), grounded
// on the teacher's worker.TenantConcurrencyLimiter's direct use of
// *redis.Client for simple keyed operations with an EXPIRE.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a Cache. ttl should already be clamped to ≤60s by
// the caller (config.Load does this for KeychainConfig.CacheTTLSeconds).
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(catalogID int64, name string, scope Scope, executionID *int64) string {
	exec := "global"
	if executionID != nil {
		exec = fmt.Sprintf("%d", *executionID)
	}
	return fmt.Sprintf("keychain:%d:%s:%s:%s", catalogID, name, scope, exec)
}

// Get returns the cached decrypted value, or (nil, false) on a miss. A
// nil client (cache disabled) is always a miss.
func (c *Cache) Get(ctx context.Context, catalogID int64, name string, scope Scope, executionID *int64) (map[string]interface{}, bool) {
	if c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, cacheKey(catalogID, name, scope, executionID)).Bytes()
	if err != nil {
		return nil, false
	}
	var value map[string]interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	return value, true
}

// Set stores a decrypted value with the cache's configured TTL. A nil
// client (cache disabled) makes Set a no-op.
func (c *Cache) Set(ctx context.Context, catalogID int64, name string, scope Scope, executionID *int64, value map[string]interface{}) error {
	if c.client == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(catalogID, name, scope, executionID), raw, c.ttl).Err()
}

// Invalidate drops a cached entry, used when a renew produces a new value.
// A nil client (cache disabled) makes Invalidate a no-op.
func (c *Cache) Invalidate(ctx context.Context, catalogID int64, name string, scope Scope, executionID *int64) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(catalogID, name, scope, executionID)).Err()
}
