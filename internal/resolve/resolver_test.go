package resolve

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/directory"
	"github.com/rzpsarthak13/hive/internal/kvstore"
	"github.com/rzpsarthak13/hive/internal/kvstore/storetest"
)

var _ directory.Hook = (*Resolver)(nil)

// countingReader counts primary key lookups that reach the store.
type countingReader struct {
	core.DirectoryReader
	lookups atomic.Int64
}

func (c *countingReader) NodesOfPrimaryKey(ctx context.Context, dimension string, key core.Key) ([]core.NodeID, error) {
	c.lookups.Add(1)
	return c.DirectoryReader.NodesOfPrimaryKey(ctx, dimension, key)
}

type fixture struct {
	dir    *directory.Directory
	snap   *core.Snapshot
	reader *countingReader
	res    *Resolver
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	snap, err := store.CreateDimension(context.Background(), storetest.Dimension("members", 100, 100))
	require.NoError(t, err)

	reader := &countingReader{DirectoryReader: store}
	res, err := New(reader, "members")
	require.NoError(t, err)

	dir := directory.New(store, "members")
	return &fixture{dir: dir, snap: snap, reader: reader, res: res}
}

func TestResolveCachesPlacements(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	nodes, _, err := f.dir.InsertPrimaryIndexKey(ctx, f.snap.Revision(), f.snap, "7")
	require.NoError(t, err)

	for range 3 {
		got, err := f.res.Resolve(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, nodes, got)
	}
	assert.EqualValues(t, 1, f.reader.lookups.Load())

	hits, misses := f.res.Stats()
	assert.EqualValues(t, 2, hits)
	assert.EqualValues(t, 1, misses)
}

func TestResolveDoesNotCacheUnknownKeys(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.res.Resolve(ctx, "404")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.res.Resolve(ctx, "404")
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.EqualValues(t, 2, f.reader.lookups.Load())
}

func TestHooksKeepCacheCurrent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.dir.Hooks().Register(f.res)

	nodes, rev, err := f.dir.InsertPrimaryIndexKey(ctx, f.snap.Revision(), f.snap, "9")
	require.NoError(t, err)

	got, err := f.res.Resolve(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, nodes, got)
	assert.Zero(t, f.reader.lookups.Load(), "insert hook primes the cache")

	other := f.snap.Dimension.Nodes[0].ID
	if other == nodes[0] {
		other = f.snap.Dimension.Nodes[1].ID
	}
	rev, err = f.dir.UpdateNodeOfPrimaryIndexKey(ctx, rev, "9", []core.NodeID{other})
	require.NoError(t, err)

	got, err = f.res.Resolve(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{other}, got)

	_, err = f.dir.DeletePrimaryIndexKey(ctx, rev, "9")
	require.NoError(t, err)
	_, err = f.res.Resolve(ctx, "9")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestObserveSnapshotPurgesOnRevisionChange(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, _, err := f.dir.InsertPrimaryIndexKey(ctx, f.snap.Revision(), f.snap, "1")
	require.NoError(t, err)

	f.res.ObserveSnapshot(f.snap)
	_, err = f.res.Resolve(ctx, "1")
	require.NoError(t, err)

	f.res.ObserveSnapshot(f.snap)
	_, err = f.res.Resolve(ctx, "1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.reader.lookups.Load(), "same revision keeps the cache")

	next := &core.Snapshot{Dimension: f.snap.Dimension, Semaphore: core.Semaphore{
		Status: core.StatusWritable, Revision: f.snap.Revision() + 1,
	}}
	f.res.ObserveSnapshot(next)
	_, err = f.res.Resolve(ctx, "1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.reader.lookups.Load())
}

func TestConcurrentMissesShareOneRead(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, _, err := f.dir.InsertPrimaryIndexKey(ctx, f.snap.Revision(), f.snap, "3")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.res.Resolve(ctx, "3")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, f.reader.lookups.Load(), int64(16))
	assert.GreaterOrEqual(t, f.reader.lookups.Load(), int64(1))
}

func TestLRUCacheEvictsAndCopies(t *testing.T) {
	ctx := context.Background()
	c, err := NewLRUCache(2)
	require.NoError(t, err)

	nodes := []core.NodeID{1}
	c.Set(ctx, "d", "a", nodes)
	nodes[0] = 99
	got, ok := c.Get(ctx, "d", "a")
	require.True(t, ok)
	assert.Equal(t, []core.NodeID{1}, got)

	c.Set(ctx, "d", "b", []core.NodeID{2})
	c.Set(ctx, "d", "c", []core.NodeID{3})
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(ctx, "d", "a")
	assert.False(t, ok)

	_, ok = c.Get(ctx, "other", "c")
	assert.False(t, ok, "dimensions do not share entries")

	c.Purge(ctx)
	assert.Zero(t, c.Len())
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("HIVE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HIVE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCache(client, "hive:test:"+t.Name(), time.Minute, nil)
	c.Purge(ctx)

	c.Set(ctx, "members", "5", []core.NodeID{4, 6})
	got, ok := c.Get(ctx, "members", "5")
	require.True(t, ok)
	assert.Equal(t, []core.NodeID{4, 6}, got)

	c.Invalidate(ctx, "members", "5")
	_, ok = c.Get(ctx, "members", "5")
	assert.False(t, ok)

	c.Set(ctx, "members", "6", []core.NodeID{1})
	c.Purge(ctx)
	_, ok = c.Get(ctx, "members", "6")
	assert.False(t, ok)
}

func TestRedisCacheKeyFormat(t *testing.T) {
	c := NewRedisCache(nil, "", 0, nil)
	assert.Equal(t, "hive:placement:members:42", c.BuildKey("members", "42"))
}
