package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzpsarthak13/hive/internal/core"
)

// RedisConfig holds the connection settings of the Redis store.
type RedisConfig struct {
	Endpoints    []string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient opens and pings a Redis client. Only the first endpoint is
// used; cluster mode is not supported.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoints[0],
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %w", core.ErrConnectionFailure, err)
	}
	return client, nil
}

// NewRedisStore creates a store backed by Redis. Commits use WATCH on the
// dimension's semaphore key and apply their writes in one MULTI/EXEC.
func NewRedisStore(cfg RedisConfig, opts ...Option) (*Store, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return newStore("redis", &redisBackend{client: client}, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opts ...Option) *Store {
	return newStore("redis", &redisBackend{client: client}, opts...)
}

// adjustScript increments a statistics hash, flooring the count at zero.
// It returns nil when the hash does not exist.
var adjustScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
local v = redis.call('HINCRBY', KEYS[1], 'count', ARGV[1])
if v < 0 then
	redis.call('HSET', KEYS[1], 'count', 0)
	v = 0
end
redis.call('HSET', KEYS[1], 'updated', ARGV[2])
return {v, redis.call('HGET', KEYS[1], 'node')}
`)

type redisBackend struct {
	client *redis.Client
}

// redisReader reads through any command surface, including a WATCH transaction.
type redisReader struct {
	cmd redis.Cmdable
}

func redisError(op, key string, err error) error {
	return fmt.Errorf("%w: redis %s %s: %w", core.ErrConnectionFailure, op, key, err)
}

func (r redisReader) get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, redisError("GET", key, err)
	}
	return v, true, nil
}

func (r redisReader) members(ctx context.Context, key string) ([]string, error) {
	v, err := r.cmd.SMembers(ctx, key).Result()
	if err != nil {
		return nil, redisError("SMEMBERS", key, err)
	}
	return v, nil
}

func (r redisReader) counter(ctx context.Context, key string) (counterRow, bool, error) {
	fields, err := r.cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return counterRow{}, false, redisError("HGETALL", key, err)
	}
	if len(fields) == 0 {
		return counterRow{}, false, nil
	}
	row, err := parseCounterFields(fields["node"], fields["count"], fields["updated"])
	return row, err == nil, err
}

func parseCounterFields(node, count, updated string) (counterRow, error) {
	var row counterRow
	n, err := strconv.ParseInt(node, 10, 64)
	if err != nil {
		return row, fmt.Errorf("malformed statistics node %q: %w", node, err)
	}
	row.NodeID = core.NodeID(n)
	if count != "" {
		if row.Count, err = strconv.ParseInt(count, 10, 64); err != nil {
			return row, fmt.Errorf("malformed statistics count %q: %w", count, err)
		}
	}
	if updated != "" {
		nanos, err := strconv.ParseInt(updated, 10, 64)
		if err != nil {
			return row, fmt.Errorf("malformed statistics timestamp %q: %w", updated, err)
		}
		row.Updated = time.Unix(0, nanos).UTC()
	}
	return row, nil
}

func (b *redisBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	return redisReader{b.client}.get(ctx, key)
}

func (b *redisBackend) members(ctx context.Context, key string) ([]string, error) {
	return redisReader{b.client}.members(ctx, key)
}

func (b *redisBackend) counter(ctx context.Context, key string) (counterRow, bool, error) {
	return redisReader{b.client}.counter(ctx, key)
}

func (b *redisBackend) multiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, redisError("MGET", fmt.Sprint(keys), err)
	}
	out := make([][]byte, len(keys))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (b *redisBackend) update(ctx context.Context, guard string, fn func(tx *txn) error) error {
	err := b.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := newTxn(redisReader{rtx})
		if err := fn(tx); err != nil {
			return err
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			flushRedis(ctx, pipe, tx)
			return nil
		})
		return err
	}, guard)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%w: %s changed concurrently", core.ErrStaleMetadata, guard)
	case err == nil:
		return nil
	case isDomainError(err):
		return err
	default:
		return redisError("EXEC", guard, err)
	}
}

func flushRedis(ctx context.Context, pipe redis.Pipeliner, tx *txn) {
	for k, v := range tx.values {
		if v == nil {
			pipe.Del(ctx, k)
		} else {
			pipe.Set(ctx, k, v, 0)
		}
	}
	for k, delta := range tx.sets {
		for member, add := range delta {
			if add {
				pipe.SAdd(ctx, k, member)
			} else {
				pipe.SRem(ctx, k, member)
			}
		}
	}
	for k, ch := range tx.counters {
		switch ch.op {
		case counterCreate:
			pipe.Del(ctx, k)
			pipe.HSet(ctx, k, "node", int64(ch.node), "count", 0, "updated", ch.now.UnixNano())
		case counterRepoint:
			pipe.HSet(ctx, k, "node", int64(ch.node))
		case counterDelete:
			pipe.Del(ctx, k)
		}
	}
}

func (b *redisBackend) adjust(ctx context.Context, key string, delta int64, now time.Time) (counterRow, error) {
	res, err := adjustScript.Run(ctx, b.client, []string{key}, delta, now.UnixNano()).Slice()
	if errors.Is(err, redis.Nil) {
		return counterRow{}, fmt.Errorf("%w: statistics row", core.ErrNotFound)
	}
	if err != nil {
		return counterRow{}, redisError("EVALSHA", key, err)
	}
	if len(res) != 2 {
		return counterRow{}, fmt.Errorf("unexpected statistics reply %v", res)
	}
	count, _ := res[0].(int64)
	node, _ := res[1].(string)
	row, err := parseCounterFields(node, strconv.FormatInt(count, 10), "")
	row.Updated = time.Unix(0, now.UnixNano()).UTC()
	return row, err
}

func (b *redisBackend) close() error {
	return b.client.Close()
}

// isDomainError reports whether err came from commit validation rather than
// from the backend.
func isDomainError(err error) bool {
	for _, target := range []error{
		core.ErrNotFound, core.ErrReadOnly, core.ErrStaleMetadata,
		core.ErrOrphanKey, core.ErrValidation, core.ErrConnectionFailure,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
