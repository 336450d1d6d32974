package killswitch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ActiveCache is the sub-millisecond read path for pre-trade "is the kill
// switch active" checks. A miss falls back to the durable store; the cache is
// therefore allowed to lose entries but never to serve stale positives for
// longer than its TTL.
type ActiveCache interface {
	// GetActive returns (active, true) on a hit and (_, false) on a miss.
	GetActive(ctx context.Context, tenantID string) (bool, bool)
	SetActive(ctx context.Context, tenantID string, active bool)
}

const cacheKeyPrefix = "killswitch:active:"

// RedisCache serves IsActive checks from redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) GetActive(ctx context.Context, tenantID string) (bool, bool) {
	val, err := c.client.Get(ctx, cacheKeyPrefix+tenantID).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("kill switch cache read failed")
		}
		return false, false
	}
	return val == "1", true
}

func (c *RedisCache) SetActive(ctx context.Context, tenantID string, active bool) {
	val := "0"
	if active {
		val = "1"
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+tenantID, val, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("kill switch cache write failed")
	}
}

type memoryEntry struct {
	active    bool
	expiresAt time.Time
}

// MemoryCache is the in-process fallback used when redis is not configured,
// and in tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
	}
}

func (c *MemoryCache) GetActive(ctx context.Context, tenantID string) (bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return false, false
	}
	return entry.active, true
}

func (c *MemoryCache) SetActive(ctx context.Context, tenantID string, active bool) {
	c.mu.Lock()
	c.entries[tenantID] = memoryEntry{
		active:    active,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}
