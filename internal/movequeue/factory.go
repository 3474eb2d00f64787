package movequeue

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

// New creates the queue selected by cfg.Type. The Redis backend needs a
// client; other backends ignore it.
func New(cfg Config, client *redis.Client, log *zap.SugaredLogger) (core.MigrationQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "", "memory":
		return NewMemoryQueue(cfg.BufferSize), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis migration queue requires a redis client")
		}
		return NewRedisQueue(client, cfg.RedisKey, log), nil
	default:
		return NewKafkaQueue(cfg, log)
	}
}
