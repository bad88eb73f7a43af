package chainclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
)

// StatusCache holds recent transaction status lookups to avoid repeated ledger queries
type StatusCache interface {
	Get(ctx context.Context, hash string) (models.ConfirmationResult, bool)
	Set(ctx context.Context, hash string, result models.ConfirmationResult)
}

// MemoryStatusCache is a process-local StatusCache
type MemoryStatusCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedStatus
	cacheTTL time.Duration
	now      func() time.Time
}

// cachedStatus represents a cached status with timestamp
type cachedStatus struct {
	result    models.ConfirmationResult
	timestamp time.Time
}

// NewMemoryStatusCache creates a new in-memory status cache
func NewMemoryStatusCache(cacheTTL time.Duration) *MemoryStatusCache {
	return &MemoryStatusCache{
		cache:    make(map[string]*cachedStatus),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Get retrieves a cached status if it's still valid
func (c *MemoryStatusCache) Get(_ context.Context, hash string) (models.ConfirmationResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[hash]
	if !exists {
		return models.ConfirmationResult{}, false
	}

	// Check if cache is still valid
	if c.now().Sub(cached.timestamp) > c.cacheTTL {
		return models.ConfirmationResult{}, false
	}

	return cached.result, true
}

// Set stores a status in the cache with current timestamp
func (c *MemoryStatusCache) Set(_ context.Context, hash string, result models.ConfirmationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[hash] = &cachedStatus{
		result:    result,
		timestamp: c.now(),
	}
	c.evictExpiredLocked()
}

// Len returns the number of entries, expired or not
func (c *MemoryStatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Clear removes all cached entries
func (c *MemoryStatusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedStatus)
}

func (c *MemoryStatusCache) evictExpiredLocked() {
	now := c.now()
	for hash, cached := range c.cache {
		if now.Sub(cached.timestamp) > c.cacheTTL {
			delete(c.cache, hash)
		}
	}
}

// RedisStatusCache shares the cache between service instances through Redis
type RedisStatusCache struct {
	client   *redis.Client
	cacheTTL time.Duration
	prefix   string
}

// NewRedisStatusCache connects to Redis and verifies the connection
func NewRedisStatusCache(ctx context.Context, addr string, cacheTTL time.Duration) (*RedisStatusCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %v", addr, err)
	}
	return NewRedisStatusCacheWithClient(client, cacheTTL), nil
}

// NewRedisStatusCacheWithClient wraps an existing client
func NewRedisStatusCacheWithClient(client *redis.Client, cacheTTL time.Duration) *RedisStatusCache {
	return &RedisStatusCache{client: client, cacheTTL: cacheTTL, prefix: "rwa:txstatus:"}
}

// Get retrieves a cached status. Redis errors count as a miss.
func (c *RedisStatusCache) Get(ctx context.Context, hash string) (models.ConfirmationResult, bool) {
	raw, err := c.client.Get(ctx, c.prefix+hash).Bytes()
	if err != nil {
		return models.ConfirmationResult{}, false
	}
	var result models.ConfirmationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return models.ConfirmationResult{}, false
	}
	return result, true
}

// Set stores a status with the cache TTL as its expiry
func (c *RedisStatusCache) Set(ctx context.Context, hash string, result models.ConfirmationResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+hash, raw, c.cacheTTL).Err()
}

// Delete removes a cached status
func (c *RedisStatusCache) Delete(ctx context.Context, hash string) error {
	err := c.client.Del(ctx, c.prefix+hash).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Close closes the Redis client
func (c *RedisStatusCache) Close() error {
	return c.client.Close()
}
