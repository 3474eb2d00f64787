package movequeue

import (
	"context"
	"sync"

	"github.com/rzpsarthak13/hive/internal/core"
)

// MemoryQueue is a bounded in-process queue.
type MemoryQueue struct {
	queue  chan *core.Migration
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding up to bufferSize migrations.
func NewMemoryQueue(bufferSize int) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &MemoryQueue{queue: make(chan *core.Migration, bufferSize)}
}

// Enqueue adds m, failing with ErrQueueFull instead of blocking.
func (q *MemoryQueue) Enqueue(ctx context.Context, m *core.Migration) error {
	if err := validate(m); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.queue <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Dequeue removes up to batchSize migrations without waiting.
func (q *MemoryQueue) Dequeue(ctx context.Context, batchSize int) ([]*core.Migration, error) {
	batchSize = batch(batchSize)
	out := make([]*core.Migration, 0, batchSize)
	for range batchSize {
		select {
		case m, ok := <-q.queue:
			if !ok {
				return out, nil
			}
			out = append(out, m)
		case <-ctx.Done():
			return out, ctx.Err()
		default:
			return out, nil
		}
	}
	return out, nil
}

// Size returns the number of queued migrations.
func (q *MemoryQueue) Size() int {
	return len(q.queue)
}

// Close stops further enqueues. Queued migrations can still be dequeued.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.queue)
	return nil
}
