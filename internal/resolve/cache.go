package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Cache holds resolved key placements. Implementations never return an
// error from Get: a failed lookup is a miss.
type Cache interface {
	Get(ctx context.Context, dimension string, key core.Key) ([]core.NodeID, bool)
	Set(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID)
	Invalidate(ctx context.Context, dimension string, key core.Key)
	Purge(ctx context.Context)
}

// DefaultLRUSize is the number of placements an LRUCache keeps by default.
const DefaultLRUSize = 65536

type lruKey struct {
	dimension string
	key       core.Key
}

// LRUCache is an in-process cache bounded by entry count.
type LRUCache struct {
	cache *lru.Cache
}

// NewLRUCache creates a cache holding up to size placements.
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = DefaultLRUSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &LRUCache{cache: c}, nil
}

func (c *LRUCache) Get(_ context.Context, dimension string, key core.Key) ([]core.NodeID, bool) {
	v, ok := c.cache.Get(lruKey{dimension, key})
	if !ok {
		return nil, false
	}
	return slices.Clone(v.([]core.NodeID)), true
}

func (c *LRUCache) Set(_ context.Context, dimension string, key core.Key, nodes []core.NodeID) {
	c.cache.Add(lruKey{dimension, key}, slices.Clone(nodes))
}

func (c *LRUCache) Invalidate(_ context.Context, dimension string, key core.Key) {
	c.cache.Remove(lruKey{dimension, key})
}

func (c *LRUCache) Purge(context.Context) {
	c.cache.Purge()
}

// Len returns the number of cached placements.
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// DefaultRedisNamespace prefixes every key a RedisCache writes.
const DefaultRedisNamespace = "hive:placement"

// RedisCache shares placements between processes. Entries expire after ttl
// so that a missed invalidation heals on its own.
type RedisCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	log       *zap.SugaredLogger
}

// NewRedisCache creates a cache on client. A zero ttl means entries never expire.
func NewRedisCache(client *redis.Client, namespace string, ttl time.Duration, log *zap.SugaredLogger) *RedisCache {
	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisCache{client: client, namespace: namespace, ttl: ttl, log: log}
}

// BuildKey returns the Redis key of a placement: {namespace}:{dimension}:{key}.
func (c *RedisCache) BuildKey(dimension string, key core.Key) string {
	return fmt.Sprintf("%s:%s:%s", c.namespace, dimension, key)
}

func (c *RedisCache) Get(ctx context.Context, dimension string, key core.Key) ([]core.NodeID, bool) {
	data, err := c.client.Get(ctx, c.BuildKey(dimension, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warnw("placement cache read failed", zap.String("key", string(key)), zap.Error(err))
		return nil, false
	}
	var nodes []core.NodeID
	if err := json.Unmarshal(data, &nodes); err != nil || len(nodes) == 0 {
		return nil, false
	}
	return nodes, true
}

func (c *RedisCache) Set(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) {
	data, err := json.Marshal(nodes)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.BuildKey(dimension, key), data, c.ttl).Err(); err != nil {
		c.log.Warnw("placement cache write failed", zap.String("key", string(key)), zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, dimension string, key core.Key) {
	if err := c.client.Del(ctx, c.BuildKey(dimension, key)).Err(); err != nil {
		c.log.Warnw("placement cache invalidation failed", zap.String("key", string(key)), zap.Error(err))
	}
}

// Purge deletes every key under the namespace.
func (c *RedisCache) Purge(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.namespace+":*", 500).Iterator()
	var batch []string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			c.log.Warnw("placement cache purge failed", zap.Error(err))
		}
		batch = batch[:0]
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			flush()
		}
	}
	flush()
	if err := iter.Err(); err != nil {
		c.log.Warnw("placement cache scan failed", zap.Error(err))
	}
}
