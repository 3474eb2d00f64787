package movequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

// DefaultRedisKey is the list migrations are pushed to.
const DefaultRedisKey = "hive:migrations"

// RedisQueue keeps migrations in a Redis list: RPUSH to enqueue, LPOP to dequeue.
type RedisQueue struct {
	client *redis.Client
	key    string
	log    *zap.SugaredLogger
	closed atomic.Bool
}

// NewRedisQueue creates a queue on key. The client is shared and not closed by the queue.
func NewRedisQueue(client *redis.Client, key string, log *zap.SugaredLogger) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key, log: nopIfNil(log)}
}

// Enqueue pushes m to the tail of the list.
func (q *RedisQueue) Enqueue(ctx context.Context, m *core.Migration) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if err := validate(m); err != nil {
		return err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal migration: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("%w: failed to enqueue migration: %w", core.ErrConnectionFailure, err)
	}
	return nil
}

// Dequeue pops up to batchSize migrations from the head of the list.
// Entries that do not decode are logged and dropped.
func (q *RedisQueue) Dequeue(ctx context.Context, batchSize int) ([]*core.Migration, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	values, err := q.client.LPopCount(ctx, q.key, batch(batchSize)).Result()
	if errors.Is(err, redis.Nil) {
		return []*core.Migration{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dequeue migrations: %w", core.ErrConnectionFailure, err)
	}

	out := make([]*core.Migration, 0, len(values))
	for _, v := range values {
		var m core.Migration
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			q.log.Warnw("dropping undecodable migration", zap.String("queue", q.key), zap.Error(err))
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// Size returns the length of the list, or 0 if it cannot be read.
func (q *RedisQueue) Size() int {
	if q.closed.Load() {
		return 0
	}
	n, err := q.client.LLen(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close marks the queue closed.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
