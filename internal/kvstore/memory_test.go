package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/kvstore/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.LoadSnapshot(context.Background(), "users")
	require.ErrorIs(t, err, core.ErrConnectionFailure)
}

func TestTxnReadsOwnWrites(t *testing.T) {
	base := &memState{
		values:   map[string][]byte{"a": []byte("1")},
		sets:     map[string]map[string]struct{}{"s": {"x": {}, "y": {}}},
		counters: map[string]counterRow{"c": {NodeID: 1, Count: 5}},
	}
	tx := newTxn(base)
	ctx := context.Background()

	tx.del("a")
	tx.put("b", []byte("2"))
	tx.srem("s", "x")
	tx.sadd("s", "z")
	tx.repointCounter("c", 2)
	tx.createCounter("d", 3, testTime)

	_, found, err := tx.get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := tx.get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("2"), v)

	members, err := tx.members(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, members)

	row, found, err := tx.counter(ctx, "c")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, core.NodeID(2), row.NodeID)
	assert.Equal(t, int64(5), row.Count)

	tx.repointCounter("d", 4)
	assert.Equal(t, counterCreate, tx.counters["d"].op)
	assert.Equal(t, core.NodeID(4), tx.counters["d"].node)

	// base stays untouched until flush
	assert.Equal(t, []byte("1"), base.values["a"])
	assert.Equal(t, 6, tx.itemCount())
}

func TestFactoryRegistry(t *testing.T) {
	assert.True(t, IsTypeRegistered("memory"))
	assert.True(t, IsTypeRegistered("redis"))
	assert.True(t, IsTypeRegistered("dynamodb"))

	s, err := Create(StoreConfig{Type: "memory"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Create(StoreConfig{Type: "redis"}, nil)
	require.Error(t, err)

	_, err = Create(StoreConfig{Type: "etcd"}, nil)
	require.Error(t, err)

	_, err = Create(StoreConfig{}, nil)
	require.Error(t, err)

	assert.Panics(t, func() { RegisterFactory(memoryFactory{}) })
}
