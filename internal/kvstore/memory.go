package kvstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rzpsarthak13/hive/internal/core"
)

// memState holds the data of a memory backend. Its methods do not lock.
type memState struct {
	values   map[string][]byte
	sets     map[string]map[string]struct{}
	counters map[string]counterRow
}

func (m *memState) get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.values[key]
	return slices.Clone(v), ok, nil
}

func (m *memState) members(_ context.Context, key string) ([]string, error) {
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	slices.Sort(out)
	return out, nil
}

func (m *memState) counter(_ context.Context, key string) (counterRow, bool, error) {
	row, ok := m.counters[key]
	return row, ok, nil
}

// memoryBackend keeps everything in process memory behind one mutex. Every
// update runs under the write lock, so concurrent commits are serialised
// and the guard never changes underneath a running transaction.
type memoryBackend struct {
	mu     sync.RWMutex
	state  memState
	closed bool
}

// NewMemoryStore creates a store that lives in process memory. It is used by
// tests and single-process deployments.
func NewMemoryStore(opts ...Option) *Store {
	b := &memoryBackend{
		state: memState{
			values:   make(map[string][]byte),
			sets:     make(map[string]map[string]struct{}),
			counters: make(map[string]counterRow),
		},
	}
	return newStore("memory", b, opts...)
}

var errMemoryClosed = fmt.Errorf("%w: memory store is closed", core.ErrConnectionFailure)

func (b *memoryBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, errMemoryClosed
	}
	return b.state.get(ctx, key)
}

func (b *memoryBackend) members(ctx context.Context, key string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errMemoryClosed
	}
	return b.state.members(ctx, key)
}

func (b *memoryBackend) counter(ctx context.Context, key string) (counterRow, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return counterRow{}, false, errMemoryClosed
	}
	return b.state.counter(ctx, key)
}

func (b *memoryBackend) multiGet(ctx context.Context, keys ...string) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errMemoryClosed
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := b.state.values[k]; ok {
			out[i] = slices.Clone(v)
		}
	}
	return out, nil
}

func (b *memoryBackend) update(ctx context.Context, _ string, fn func(tx *txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errMemoryClosed
	}

	tx := newTxn(&b.state)
	if err := fn(tx); err != nil {
		return err
	}

	for k, v := range tx.values {
		if v == nil {
			delete(b.state.values, k)
		} else {
			b.state.values[k] = v
		}
	}
	for k, delta := range tx.sets {
		set, ok := b.state.sets[k]
		if !ok {
			set = make(map[string]struct{})
			b.state.sets[k] = set
		}
		for member, add := range delta {
			if add {
				set[member] = struct{}{}
			} else {
				delete(set, member)
			}
		}
		if len(set) == 0 {
			delete(b.state.sets, k)
		}
	}
	for k, ch := range tx.counters {
		switch ch.op {
		case counterCreate:
			b.state.counters[k] = counterRow{NodeID: ch.node, Updated: ch.now}
		case counterRepoint:
			if row, ok := b.state.counters[k]; ok {
				row.NodeID = ch.node
				b.state.counters[k] = row
			}
		case counterDelete:
			delete(b.state.counters, k)
		}
	}
	return nil
}

func (b *memoryBackend) adjust(_ context.Context, key string, delta int64, now time.Time) (counterRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return counterRow{}, errMemoryClosed
	}

	row, ok := b.state.counters[key]
	if !ok {
		return counterRow{}, fmt.Errorf("%w: statistics row", core.ErrNotFound)
	}
	row.Count = max(row.Count+delta, 0)
	row.Updated = now
	b.state.counters[key] = row
	return row, nil
}

func (b *memoryBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
