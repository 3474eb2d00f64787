package movequeue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
)

func migration(key string, from, to core.NodeID) *core.Migration {
	return &core.Migration{
		Key:               core.Key(key),
		Dimension:         "members",
		OriginNodeID:      from,
		DestinationNodeID: to,
		CreatedAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// exercise runs the behaviour every backend shares.
func exercise(t *testing.T, q core.MigrationQueue) {
	ctx := context.Background()

	got, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, k := range []string{"3", "1", "2"} {
		require.NoError(t, q.Enqueue(ctx, migration(k, 1, 2)))
	}
	assert.Equal(t, 3, q.Size())

	got, err = q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, core.Key("3"), got[0].Key)
	assert.Equal(t, core.Key("1"), got[1].Key)
	assert.Equal(t, core.NodeID(2), got[0].DestinationNodeID)

	got, err = q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, core.Key("2"), got[0].Key)
	assert.Equal(t, 0, q.Size())

	assert.ErrorIs(t, q.Enqueue(ctx, nil), ErrInvalidMigration)
	assert.ErrorIs(t, q.Enqueue(ctx, migration("", 1, 2)), ErrInvalidMigration)
	assert.ErrorIs(t, q.Enqueue(ctx, migration("4", 1, 1)), ErrInvalidMigration)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(ctx, migration("5", 1, 2)), ErrQueueClosed)
}

func TestMemoryQueue(t *testing.T) {
	exercise(t, NewMemoryQueue(8))
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, migration("1", 1, 2)))
	assert.ErrorIs(t, q.Enqueue(ctx, migration("2", 1, 2)), ErrQueueFull)
}

func TestMemoryQueueDrainsAfterClose(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, migration("1", 1, 2)))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	got, err := q.Dequeue(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("HIVE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HIVE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	key := "hive:test:migrations:" + t.Name()
	require.NoError(t, client.Del(context.Background(), key).Err())
	exercise(t, NewRedisQueue(client, key, nil))
}

func TestKafkaMessageCarriesRoutingHeaders(t *testing.T) {
	msg, err := migrationMessage(migration("42", 7, 9))
	require.NoError(t, err)

	assert.Equal(t, "42", string(msg.Key))
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{"dimension": "members", "origin": "7", "destination": "9"}, headers)
	assert.Contains(t, string(msg.Value), `"destination_node_id":9`)
}

func TestKafkaMessageStampsACopy(t *testing.T) {
	m := migration("42", 7, 9)
	m.CreatedAt = time.Time{}
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	msg, err := stampedMessage(m, now)
	require.NoError(t, err)
	assert.True(t, msg.Time.Equal(now))
	assert.True(t, m.CreatedAt.IsZero())

	created := migration("43", 7, 9)
	msg, err = stampedMessage(created, now)
	require.NoError(t, err)
	assert.True(t, msg.Time.Equal(created.CreatedAt))
}

func TestConsumerLagCountsUncommittedMessages(t *testing.T) {
	offsets := []kafka.PartitionOffsets{
		{Partition: 0, FirstOffset: 0, LastOffset: 10},
		{Partition: 1, FirstOffset: 4, LastOffset: 6},
		{Partition: 2, FirstOffset: 3, LastOffset: 3},
		{Partition: 3, FirstOffset: 0, LastOffset: 5},
	}
	committed := map[int]int64{
		0: 7,  // 3 left
		1: -1, // never committed: 2 retained
		3: 5,  // caught up
	}
	assert.Equal(t, 5, consumerLag(committed, offsets))
	assert.Zero(t, consumerLag(nil, nil))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Type: "redis"}.Validate())
	assert.Error(t, Config{Type: "kafka"}.Validate())
	assert.Error(t, Config{Type: "kafka", Brokers: []string{"localhost:9092"}}.Validate())
	assert.NoError(t, Config{Type: "kafka", Brokers: []string{"localhost:9092"}, Topic: "moves"}.Validate())
	assert.Error(t, Config{Type: "sqs"}.Validate())
}

func TestNewSelectsBackend(t *testing.T) {
	q, err := New(Config{BufferSize: 2}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	_, err = New(Config{Type: "redis"}, nil, nil)
	assert.Error(t, err)
}
