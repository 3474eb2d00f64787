// Package movequeue hands planned migrations from the planner to the
// component that executes them. Queues hold core.Migration values encoded
// as JSON and are FIFO within one backend.
package movequeue

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

var (
	// ErrQueueClosed is returned when using a closed queue.
	ErrQueueClosed = errors.New("migration queue is closed")

	// ErrQueueFull is returned when a bounded queue cannot take more migrations.
	ErrQueueFull = errors.New("migration queue is full")

	// ErrInvalidMigration is returned for migrations missing a key or nodes.
	ErrInvalidMigration = errors.New("invalid migration")
)

const defaultBatchSize = 100

// Config selects and configures a queue backend.
type Config struct {
	// Type is one of "memory", "redis" or "kafka".
	Type string

	// Memory
	BufferSize int

	// Redis
	RedisKey string

	// Kafka
	Brokers      []string
	Topic        string
	GroupID      string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	RequiredAcks int
}

// Validate checks the settings needed by the selected backend.
func (c Config) Validate() error {
	switch c.Type {
	case "", "memory":
		return nil
	case "redis":
		return nil
	case "kafka":
		if len(c.Brokers) == 0 {
			return fmt.Errorf("at least one Kafka broker is required")
		}
		if c.Topic == "" {
			return fmt.Errorf("kafka topic is required")
		}
		return nil
	}
	return fmt.Errorf("unsupported migration queue type: %s", c.Type)
}

func validate(m *core.Migration) error {
	if m == nil {
		return ErrInvalidMigration
	}
	if m.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidMigration)
	}
	if m.OriginNodeID == m.DestinationNodeID {
		return fmt.Errorf("%w: %s has the same origin and destination", ErrInvalidMigration, m.Key)
	}
	return nil
}

func batch(n int) int {
	if n <= 0 {
		return defaultBatchSize
	}
	return n
}

func nopIfNil(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}
