package movequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

// DefaultKafkaGroupID is the consumer group used when none is configured.
const DefaultKafkaGroupID = "hive-migrations"

// KafkaQueue publishes migrations to a Kafka topic and consumes them with
// a consumer group. Messages are keyed by partition key so that all moves
// of one key land on the same Kafka partition and keep their order.
type KafkaQueue struct {
	writer      *kafka.Writer
	reader      *kafka.Reader
	admin       *kafka.Client
	topic       string
	groupID     string
	readTimeout time.Duration
	log         *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	size   int // produced minus consumed by this process; used when lag is unavailable
}

// NewKafkaQueue creates the producer and consumer for cfg.Topic.
func NewKafkaQueue(cfg Config, log *zap.SugaredLogger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultKafkaGroupID
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	log = nopIfNil(log)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  3,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.FirstOffset,
	})

	log.Infow("kafka migration queue ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group", cfg.GroupID))

	return &KafkaQueue{
		writer:      writer,
		reader:      reader,
		admin:       &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: cfg.ReadTimeout},
		topic:       cfg.Topic,
		groupID:     cfg.GroupID,
		readTimeout: cfg.ReadTimeout,
		log:         log,
	}, nil
}

func migrationMessage(m *core.Migration) (kafka.Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal migration: %w", err)
	}
	return kafka.Message{
		Key:   []byte(m.Key),
		Value: data,
		Time:  m.CreatedAt,
		Headers: []kafka.Header{
			{Key: "dimension", Value: []byte(m.Dimension)},
			{Key: "origin", Value: []byte(strconv.FormatInt(int64(m.OriginNodeID), 10))},
			{Key: "destination", Value: []byte(strconv.FormatInt(int64(m.DestinationNodeID), 10))},
		},
	}, nil
}

// stampedMessage encodes a copy of m whose zero CreatedAt is set to now.
func stampedMessage(m *core.Migration, now time.Time) (kafka.Message, error) {
	stamped := *m
	if stamped.CreatedAt.IsZero() {
		stamped.CreatedAt = now
	}
	return migrationMessage(&stamped)
}

// Enqueue produces m synchronously. m itself is not modified.
func (q *KafkaQueue) Enqueue(ctx context.Context, m *core.Migration) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrQueueClosed
	}
	if err := validate(m); err != nil {
		return err
	}
	msg, err := stampedMessage(m, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: failed to write migration to Kafka: %w", core.ErrConnectionFailure, err)
	}

	q.mu.Lock()
	q.size++
	q.mu.Unlock()

	q.log.Debugw("migration produced",
		zap.String("topic", q.topic),
		zap.String("key", string(m.Key)),
		zap.Int64("origin", int64(m.OriginNodeID)),
		zap.Int64("destination", int64(m.DestinationNodeID)))
	return nil
}

// Dequeue consumes up to batchSize migrations. It stops early when no
// message arrives within the read timeout. Offsets are committed as soon
// as a message is decoded.
func (q *KafkaQueue) Dequeue(ctx context.Context, batchSize int) ([]*core.Migration, error) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return nil, ErrQueueClosed
	}

	batchSize = batch(batchSize)
	out := make([]*core.Migration, 0, batchSize)
	for range batchSize {
		readCtx, cancel := context.WithTimeout(ctx, q.readTimeout)
		msg, err := q.reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			if len(out) == 0 {
				return nil, fmt.Errorf("%w: failed to read from Kafka: %w", core.ErrConnectionFailure, err)
			}
			q.log.Warnw("kafka read failed", zap.String("topic", q.topic), zap.Error(err))
			break
		}

		var m core.Migration
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			q.log.Warnw("dropping undecodable migration",
				zap.String("topic", q.topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		} else {
			out = append(out, &m)
		}

		if err := q.reader.CommitMessages(ctx, msg); err != nil {
			q.log.Warnw("kafka commit failed",
				zap.String("group", q.groupID),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}

	q.mu.Lock()
	q.size = max(q.size-len(out), 0)
	q.mu.Unlock()
	return out, nil
}

// Size returns the lag of the consumer group: migrations produced to the
// topic by any process and not yet consumed by any member of the group. If
// the brokers cannot be asked, it falls back to this process's own count.
func (q *KafkaQueue) Size() int {
	ctx, cancel := context.WithTimeout(context.Background(), q.readTimeout)
	defer cancel()

	lag, err := q.lag(ctx)
	if err != nil {
		q.mu.RLock()
		defer q.mu.RUnlock()
		q.log.Warnw("failed to read consumer lag",
			zap.String("topic", q.topic),
			zap.String("group", q.groupID),
			zap.Int("local_size", q.size),
			zap.Error(err))
		return q.size
	}
	return lag
}

func (q *KafkaQueue) lag(ctx context.Context) (int, error) {
	meta, err := q.admin.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{q.topic}})
	if err != nil {
		return 0, err
	}
	var partitions []int
	for _, t := range meta.Topics {
		if t.Name != q.topic {
			continue
		}
		if t.Error != nil {
			return 0, t.Error
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return 0, nil
	}

	fetched, err := q.admin.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: q.groupID,
		Topics:  map[string][]int{q.topic: partitions},
	})
	if err != nil {
		return 0, err
	}
	if fetched.Error != nil {
		return 0, fetched.Error
	}
	committed := make(map[int]int64, len(partitions))
	for _, p := range fetched.Topics[q.topic] {
		if p.Error != nil {
			return 0, p.Error
		}
		committed[p.Partition] = p.CommittedOffset
	}

	requests := make([]kafka.OffsetRequest, 0, 2*len(partitions))
	for _, p := range partitions {
		requests = append(requests, kafka.FirstOffsetOf(p), kafka.LastOffsetOf(p))
	}
	listed, err := q.admin.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{q.topic: requests},
	})
	if err != nil {
		return 0, err
	}
	for _, p := range listed.Topics[q.topic] {
		if p.Error != nil {
			return 0, p.Error
		}
	}
	return consumerLag(committed, listed.Topics[q.topic]), nil
}

// consumerLag sums, per partition, the messages between the committed offset
// and the high watermark. A partition without a committed offset is read
// from its first retained message.
func consumerLag(committed map[int]int64, offsets []kafka.PartitionOffsets) int {
	var lag int64
	for _, p := range offsets {
		start, ok := committed[p.Partition]
		if !ok || start < p.FirstOffset {
			start = p.FirstOffset
		}
		lag += max(p.LastOffset-start, 0)
	}
	return int(lag)
}

// Close flushes the producer and leaves the consumer group.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	return errors.Join(q.writer.Close(), q.reader.Close())
}
