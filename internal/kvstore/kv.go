package kvstore

import (
	"context"
	"slices"
	"time"

	"github.com/rzpsarthak13/hive/internal/core"
)

// counterRow is the stored form of one key's statistics.
type counterRow struct {
	NodeID  core.NodeID
	Count   int64
	Updated time.Time
}

// kvReader is the read side every backend offers.
type kvReader interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	members(ctx context.Context, key string) ([]string, error)
	counter(ctx context.Context, key string) (counterRow, bool, error)
}

// kvBackend is the minimal transactional key/value surface the engine needs.
type kvBackend interface {
	kvReader

	// update runs fn against a transaction whose writes commit atomically,
	// and only if the value stored at guard did not change while fn ran.
	// A concurrent change yields core.ErrStaleMetadata.
	update(ctx context.Context, guard string, fn func(tx *txn) error) error

	// multiGet reads several plain values from one consistent point in time.
	multiGet(ctx context.Context, keys ...string) ([][]byte, error)

	// adjust atomically adds delta to an existing counter, flooring at zero.
	// It fails with core.ErrNotFound when the counter does not exist.
	adjust(ctx context.Context, key string, delta int64, now time.Time) (counterRow, error)

	close() error
}

type counterOp int

const (
	counterCreate counterOp = iota + 1
	counterRepoint
	counterDelete
)

type counterChange struct {
	op   counterOp
	node core.NodeID
	now  time.Time
}

// txn buffers writes over a base reader. Reads observe the buffered writes.
// Writes are compacted per item so backends that allow one operation per item
// and transaction can flush them directly.
type txn struct {
	base     kvReader
	values   map[string][]byte // nil value means delete
	sets     map[string]map[string]bool
	counters map[string]counterChange
}

func newTxn(base kvReader) *txn {
	return &txn{
		base:     base,
		values:   make(map[string][]byte),
		sets:     make(map[string]map[string]bool),
		counters: make(map[string]counterChange),
	}
}

func (t *txn) get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := t.values[key]; ok {
		return v, v != nil, nil
	}
	return t.base.get(ctx, key)
}

func (t *txn) members(ctx context.Context, key string) ([]string, error) {
	base, err := t.base.members(ctx, key)
	if err != nil {
		return nil, err
	}
	delta, ok := t.sets[key]
	if !ok {
		return base, nil
	}
	out := make([]string, 0, len(base)+len(delta))
	for _, m := range base {
		if added, touched := delta[m]; !touched || added {
			out = append(out, m)
		}
	}
	for m, added := range delta {
		if added && !slices.Contains(base, m) {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (t *txn) counter(ctx context.Context, key string) (counterRow, bool, error) {
	ch, ok := t.counters[key]
	if !ok {
		return t.base.counter(ctx, key)
	}
	switch ch.op {
	case counterCreate:
		return counterRow{NodeID: ch.node, Updated: ch.now}, true, nil
	case counterDelete:
		return counterRow{}, false, nil
	}
	row, found, err := t.base.counter(ctx, key)
	if err != nil || !found {
		return row, found, err
	}
	row.NodeID = ch.node
	return row, true, nil
}

func (t *txn) put(key string, value []byte) {
	if value == nil {
		value = []byte{}
	}
	t.values[key] = value
}

func (t *txn) del(key string) {
	t.values[key] = nil
}

func (t *txn) sadd(key, member string) { t.setMember(key, member, true) }

func (t *txn) srem(key, member string) { t.setMember(key, member, false) }

func (t *txn) setMember(key, member string, add bool) {
	delta, ok := t.sets[key]
	if !ok {
		delta = make(map[string]bool)
		t.sets[key] = delta
	}
	delta[member] = add
}

func (t *txn) createCounter(key string, node core.NodeID, now time.Time) {
	t.counters[key] = counterChange{op: counterCreate, node: node, now: now}
}

func (t *txn) repointCounter(key string, node core.NodeID) {
	if ch, ok := t.counters[key]; ok && ch.op == counterCreate {
		ch.node = node
		t.counters[key] = ch
		return
	}
	t.counters[key] = counterChange{op: counterRepoint, node: node}
}

func (t *txn) deleteCounter(key string) {
	t.counters[key] = counterChange{op: counterDelete}
}

// itemCount is the number of stored items the transaction touches.
func (t *txn) itemCount() int {
	n := len(t.values) + len(t.counters)
	for _, delta := range t.sets {
		n += len(delta)
	}
	return n
}
