package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"invoicepreview/internal/blob"
	"invoicepreview/internal/redis"
)

const (
	redisKeyPrefix         = "preview:file:"
	redisInvalidateChannel = "preview:invalidate"
)

type invalidateMessage struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// RedisCache shares fetched files between gateway instances. A small local
// LRU sits in front of redis; removals are broadcast so every instance drops
// its local copy.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	local  *blob.MemoryCache
	id     string
	log    *zap.Logger
}

var _ blob.Cache = (*RedisCache)(nil)

// NewRedisCache builds a redis-backed cache. local may be nil.
func NewRedisCache(client *redis.Client, ttl time.Duration, local *blob.MemoryCache, instanceID string, log *zap.Logger) *RedisCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, local: local, id: instanceID, log: log}
}

// StartListener drops local copies when another instance removes an entry.
func (c *RedisCache) StartListener(ctx context.Context) error {
	if c.local == nil {
		return nil
	}
	return c.client.Subscribe(ctx, redisInvalidateChannel, func(payload string) {
		var msg invalidateMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			c.log.Warn("cache invalidation decode failed", zap.Error(err))
			return
		}
		if msg.Origin == c.id {
			return
		}
		c.local.Remove(ctx, msg.Key, "")
	})
}

func (c *RedisCache) Get(ctx context.Context, key string) (*blob.Entry, bool) {
	if c.local != nil {
		if entry, ok := c.local.Get(ctx, key); ok {
			return entry, true
		}
	}
	entry, err := c.load(ctx, key)
	if err != nil {
		if err != redis.ErrCacheMiss {
			c.log.Warn("cache read failed", zap.String("cache_key", key), zap.Error(err))
		}
		return nil, false
	}
	if c.local != nil {
		c.local.Add(ctx, entry)
	}
	return entry, true
}

func (c *RedisCache) Add(ctx context.Context, entry *blob.Entry) bool {
	if entry == nil || entry.Key == "" {
		return false
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("cache entry marshal failed", zap.Error(err))
		return false
	}
	added, err := c.client.SetNX(ctx, redisKeyPrefix+entry.Key, data, c.ttl)
	if err != nil {
		c.log.Warn("cache write failed", zap.String("cache_key", entry.Key), zap.Error(err))
		return false
	}
	if added && c.local != nil {
		c.local.Add(ctx, entry)
	}
	return added
}

func (c *RedisCache) Remove(ctx context.Context, key, owner string) bool {
	entry, err := c.load(ctx, key)
	if err != nil {
		return false
	}
	if owner != "" && entry.Owner != owner {
		return false
	}
	if err := c.client.Del(ctx, redisKeyPrefix+key); err != nil {
		c.log.Warn("cache delete failed", zap.String("cache_key", key), zap.Error(err))
		return false
	}
	if c.local != nil {
		c.local.Remove(ctx, key, "")
	}
	c.publish(ctx, key)
	return true
}

func (c *RedisCache) load(ctx context.Context, key string) (*blob.Entry, error) {
	raw, err := c.client.GetBytes(ctx, redisKeyPrefix+key)
	if err != nil {
		return nil, err
	}
	var entry blob.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

func (c *RedisCache) publish(ctx context.Context, key string) {
	payload, err := json.Marshal(invalidateMessage{Key: key, Origin: c.id})
	if err != nil {
		return
	}
	if err := c.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		c.log.Warn("cache invalidation publish failed", zap.Error(err))
	}
}
