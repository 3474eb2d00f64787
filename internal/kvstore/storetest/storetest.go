// Package storetest holds the behaviour every core.Store implementation must
// share. Backends run it from their own tests.
package storetest

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Factory returns a fresh store for one subtest.
type Factory func(t *testing.T) core.Store

// UniqueName returns a dimension name that does not collide across test runs
// sharing one backend.
func UniqueName(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Dimension returns a dimension with one partitioning resource carrying an
// email index, and the given node capacities.
func Dimension(name string, capacities ...float64) *core.PartitionDimension {
	d := &core.PartitionDimension{
		Name:    name,
		KeyType: core.ColumnInt,
		Resources: []core.Resource{
			{
				Name:                   "user",
				ColumnType:             core.ColumnInt,
				IsPartitioningResource: true,
				Indexes:                []core.SecondaryIndex{{Name: "email", ColumnType: core.ColumnString}},
			},
			{Name: "order", ColumnType: core.ColumnInt},
		},
	}
	for i, c := range capacities {
		d.Nodes = append(d.Nodes, core.Node{
			Name:     "node" + string(rune('a'+i)),
			URI:      "mysql://db" + string(rune('a'+i)) + "/shard",
			Dialect:  "mysql",
			Capacity: c,
		})
	}
	return d
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, newStore(t)) })
	t.Run("InsertedKeysResolve", func(t *testing.T) { testInsertedKeysResolve(t, newStore(t)) })
	t.Run("RevisionAdvances", func(t *testing.T) { testRevisionAdvances(t, newStore(t)) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, newStore(t)) })
	t.Run("OrphanKeys", func(t *testing.T) { testOrphanKeys(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("Statistics", func(t *testing.T) { testStatistics(t, newStore(t)) })
	t.Run("FloorKeepsConcurrentIncrements", func(t *testing.T) { testFloorKeepsConcurrentIncrements(t, newStore(t)) })
	t.Run("ConcurrentCommits", func(t *testing.T) { testConcurrentCommits(t, newStore(t)) })
	t.Run("TopologyRemoval", func(t *testing.T) { testTopologyRemoval(t, newStore(t)) })
}

func create(t *testing.T, s core.Store, capacities ...float64) *core.Snapshot {
	t.Helper()
	snap, err := s.CreateDimension(context.Background(), Dimension(UniqueName("dim"), capacities...))
	require.NoError(t, err)
	return snap
}

func testCreateAndLoad(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100, 50)

	assert.Equal(t, core.Revision(1), snap.Revision())
	assert.Equal(t, core.StatusWritable, snap.Semaphore.Status)
	require.Len(t, snap.Dimension.Nodes, 2)
	assert.NotZero(t, snap.Dimension.ID)
	assert.NotZero(t, snap.Dimension.Nodes[0].ID)
	assert.NotEqual(t, snap.Dimension.Nodes[0].ID, snap.Dimension.Nodes[1].ID)

	loaded, err := s.LoadSnapshot(ctx, snap.Dimension.Name)
	require.NoError(t, err)
	assert.Equal(t, snap.Semaphore, loaded.Semaphore)
	assert.Equal(t, snap.Dimension.Name, loaded.Dimension.Name)
	assert.Len(t, loaded.Dimension.Resources, 2)

	_, err = s.CreateDimension(ctx, Dimension(snap.Dimension.Name, 1))
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = s.LoadSnapshot(ctx, UniqueName("missing"))
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.ReadSemaphore(ctx, UniqueName("missing"))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func testInsertedKeysResolve(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100)
	dim := snap.Dimension.Name
	node := snap.Dimension.Nodes[0].ID
	rev := snap.Revision()

	keys := map[core.Key]bool{}
	for len(keys) < 5 {
		keys[core.KeyOfInt(rand.Int64N(1_000_000))] = true
	}
	for k := range keys {
		next, err := s.Commit(ctx, dim, rev, core.InsertPrimaryKey(k, []core.NodeID{node}))
		require.NoError(t, err)
		require.Greater(t, next, rev)
		rev = next
	}

	for k := range keys {
		nodes, err := s.NodesOfPrimaryKey(ctx, dim, k)
		require.NoError(t, err)
		assert.Equal(t, []core.NodeID{node}, nodes)

		st, err := s.KeyStatistics(ctx, dim, k)
		require.NoError(t, err)
		assert.Zero(t, st.ChildRecordCount)
		assert.Equal(t, node, st.NodeID)
	}

	rows, err := s.KeyStatisticsOfNode(ctx, dim, node)
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	_, err = s.NodesOfPrimaryKey(ctx, dim, "424242424242")
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.Commit(ctx, dim, rev, core.InsertPrimaryKey("x", []core.NodeID{node}))
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = s.Commit(ctx, dim, rev, core.InsertPrimaryKey("7", nil))
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = s.Commit(ctx, dim, rev, core.InsertPrimaryKey("7", []core.NodeID{9999}))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func testRevisionAdvances(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100)
	dim := snap.Dimension.Name

	rev, err := s.Commit(ctx, dim, snap.Revision(), core.AddNode(core.Node{Name: "extra", URI: "mysql://extra", Capacity: 10}))
	require.NoError(t, err)
	assert.Equal(t, snap.Revision()+1, rev)

	_, err = s.Commit(ctx, dim, snap.Revision(), core.AddNode(core.Node{Name: "late", URI: "mysql://late", Capacity: 10}))
	require.ErrorIs(t, err, core.ErrStaleMetadata)

	sem, err := s.ReadSemaphore(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, rev, sem.Revision)

	loaded, err := s.LoadSnapshot(ctx, dim)
	require.NoError(t, err)
	_, ok := loaded.Dimension.NodeByName("extra")
	assert.True(t, ok)
	_, ok = loaded.Dimension.NodeByName("late")
	assert.False(t, ok)
}

func testReadOnly(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100, 100)
	dim := snap.Dimension.Name
	a, b := snap.Dimension.Nodes[0].ID, snap.Dimension.Nodes[1].ID

	rev, err := s.Commit(ctx, dim, snap.Revision(), core.InsertPrimaryKey("1", []core.NodeID{a}))
	require.NoError(t, err)
	rev, err = s.Commit(ctx, dim, rev, core.SetStatus(core.StatusReadOnly))
	require.NoError(t, err)

	_, err = s.Commit(ctx, dim, rev, core.InsertPrimaryKey("2", []core.NodeID{a}))
	require.ErrorIs(t, err, core.ErrReadOnly)
	_, err = s.Commit(ctx, dim, rev, core.AddNode(core.Node{Name: "c", URI: "mysql://c", Capacity: 1}))
	require.ErrorIs(t, err, core.ErrReadOnly)

	sem, err := s.ReadSemaphore(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, rev, sem.Revision)
	assert.True(t, sem.ReadOnly())

	rev, err = s.Commit(ctx, dim, rev, core.UpdateNodesOfPrimaryKey("1", []core.NodeID{b}))
	require.NoError(t, err)
	nodes, err := s.NodesOfPrimaryKey(ctx, dim, "1")
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{b}, nodes)

	st, err := s.KeyStatistics(ctx, dim, "1")
	require.NoError(t, err)
	assert.Equal(t, b, st.NodeID)

	rows, err := s.KeyStatisticsOfNode(ctx, dim, a)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rev, err = s.Commit(ctx, dim, rev, core.SetStatus(core.StatusWritable))
	require.NoError(t, err)
	_, err = s.Commit(ctx, dim, rev, core.InsertPrimaryKey("2", []core.NodeID{a}))
	require.NoError(t, err)
}

func testOrphanKeys(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100)
	dim := snap.Dimension.Name
	user, _ := snap.Dimension.ResourceByName("user")
	email, _ := snap.Dimension.IndexByName("user", "email")
	rev := snap.Revision()

	_, err := s.Commit(ctx, dim, rev, core.InsertResourceID(user.ID, "10", "1"))
	require.ErrorIs(t, err, core.ErrOrphanKey)
	_, err = s.Commit(ctx, dim, rev, core.InsertSecondaryIndexKey(email.ID, "a@x.io", "10"))
	require.ErrorIs(t, err, core.ErrOrphanKey)

	sem, err := s.ReadSemaphore(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, rev, sem.Revision, "rejected writes must not advance the revision")

	rev, err = s.Commit(ctx, dim, rev, core.InsertPrimaryKey("1", []core.NodeID{snap.Dimension.Nodes[0].ID}))
	require.NoError(t, err)
	rev, err = s.Commit(ctx, dim, rev, core.InsertResourceID(user.ID, "10", "1"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, dim, rev, core.InsertSecondaryIndexKey(email.ID, "a@x.io", "10"))
	require.NoError(t, err)

	pk, err := s.PrimaryKeyOfResource(ctx, dim, user.ID, "10")
	require.NoError(t, err)
	assert.Equal(t, core.Key("1"), pk)

	rkeys, err := s.ResourceKeysOfSecondaryKey(ctx, dim, email.ID, "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, []core.Key{"10"}, rkeys)

	_, err = s.ResourceKeysOfSecondaryKey(ctx, dim, email.ID, "b@x.io")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func testDeleteCascades(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100)
	dim := snap.Dimension.Name
	user, _ := snap.Dimension.ResourceByName("user")
	email, _ := snap.Dimension.IndexByName("user", "email")
	node := snap.Dimension.Nodes[0].ID

	rev := snap.Revision()
	for _, m := range []core.Mutation{
		core.InsertPrimaryKey("1", []core.NodeID{node}),
		core.InsertResourceID(user.ID, "10", "1"),
		core.InsertResourceID(user.ID, "11", "1"),
		core.InsertSecondaryIndexKey(email.ID, "a@x.io", "10"),
		core.InsertSecondaryIndexKey(email.ID, "a@x.io", "11"),
	} {
		var err error
		rev, err = s.Commit(ctx, dim, rev, m)
		require.NoError(t, err)
	}

	rev, err := s.Commit(ctx, dim, rev, core.DeleteSecondaryIndexKey(email.ID, "a@x.io", "11"))
	require.NoError(t, err)
	rkeys, err := s.ResourceKeysOfSecondaryKey(ctx, dim, email.ID, "a@x.io")
	require.NoError(t, err)
	assert.Equal(t, []core.Key{"10"}, rkeys)

	rev, err = s.Commit(ctx, dim, rev, core.DeletePrimaryKey("1"))
	require.NoError(t, err)

	_, err = s.NodesOfPrimaryKey(ctx, dim, "1")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.PrimaryKeyOfResource(ctx, dim, user.ID, "10")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.PrimaryKeyOfResource(ctx, dim, user.ID, "11")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.ResourceKeysOfSecondaryKey(ctx, dim, email.ID, "a@x.io")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.KeyStatistics(ctx, dim, "1")
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.Commit(ctx, dim, rev, core.DeletePrimaryKey("1"))
	require.ErrorIs(t, err, core.ErrNotFound)
}

func testStatistics(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100)
	dim := snap.Dimension.Name

	_, err := s.Commit(ctx, dim, snap.Revision(), core.InsertPrimaryKey("1", []core.NodeID{snap.Dimension.Nodes[0].ID}))
	require.NoError(t, err)

	t1 := time.Unix(1_700_000_000, 0).UTC()
	st, err := s.AdjustChildRecordCount(ctx, dim, "1", 3, t1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.ChildRecordCount)
	assert.True(t, t1.Equal(st.LastUpdated))

	t2 := t1.Add(time.Minute)
	st, err = s.AdjustChildRecordCount(ctx, dim, "1", -1, t2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ChildRecordCount)
	assert.True(t, t2.Equal(st.LastUpdated))

	st, err = s.AdjustChildRecordCount(ctx, dim, "1", -10, t2)
	require.NoError(t, err)
	assert.Zero(t, st.ChildRecordCount, "counts floor at zero")

	_, err = s.AdjustChildRecordCount(ctx, dim, "2", 1, t2)
	require.ErrorIs(t, err, core.ErrNotFound)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AdjustChildRecordCount(ctx, dim, "1", 1, time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err = s.KeyStatistics(ctx, dim, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), st.ChildRecordCount)
}

// testFloorKeepsConcurrentIncrements races a decrement that floors at zero
// against an increment. Either order is allowed, but the increment must
// survive: the result is 10 when the decrement ran first and 6 otherwise.
func testFloorKeepsConcurrentIncrements(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100)
	dim := snap.Dimension.Name

	_, err := s.Commit(ctx, dim, snap.Revision(), core.InsertPrimaryKey("1", []core.NodeID{snap.Dimension.Nodes[0].ID}))
	require.NoError(t, err)

	for round := range 25 {
		st, err := s.KeyStatistics(ctx, dim, "1")
		require.NoError(t, err)
		seen := st.ChildRecordCount

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.AdjustChildRecordCount(ctx, dim, "1", -(seen + 4), time.Now())
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.AdjustChildRecordCount(ctx, dim, "1", 10, time.Now())
			assert.NoError(t, err)
		}()
		wg.Wait()

		st, err = s.KeyStatistics(ctx, dim, "1")
		require.NoError(t, err)
		assert.Contains(t, []int64{6, 10}, st.ChildRecordCount, "round %d", round)
	}
}

func testConcurrentCommits(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100)
	dim := snap.Dimension.Name
	node := snap.Dimension.Nodes[0].ID

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []core.Revision
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rev, err := s.Commit(ctx, dim, snap.Revision(), core.InsertPrimaryKey(core.KeyOfInt(int64(i)), []core.NodeID{node}))
			if err != nil {
				assert.ErrorIs(t, err, core.ErrStaleMetadata)
				return
			}
			mu.Lock()
			succeeded = append(succeeded, rev)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, succeeded, 1)
	assert.Equal(t, snap.Revision()+1, succeeded[0])
}

func testTopologyRemoval(t *testing.T, s core.Store) {
	ctx := context.Background()
	snap := create(t, s, 100, 100)
	dim := snap.Dimension.Name
	a, b := snap.Dimension.Nodes[0].ID, snap.Dimension.Nodes[1].ID
	order, _ := snap.Dimension.ResourceByName("order")
	user, _ := snap.Dimension.ResourceByName("user")
	email, _ := snap.Dimension.IndexByName("user", "email")

	rev := snap.Revision()
	for _, m := range []core.Mutation{
		core.InsertPrimaryKey("1", []core.NodeID{a}),
		core.InsertResourceID(order.ID, "500", "1"),
		core.InsertResourceID(user.ID, "10", "1"),
		core.InsertSecondaryIndexKey(email.ID, "a@x.io", "10"),
	} {
		var err error
		rev, err = s.Commit(ctx, dim, rev, m)
		require.NoError(t, err)
	}

	_, err := s.Commit(ctx, dim, rev, core.RemoveNode(a))
	require.ErrorIs(t, err, core.ErrValidation)

	rev, err = s.Commit(ctx, dim, rev, core.RemoveNode(b))
	require.NoError(t, err)

	rev, err = s.Commit(ctx, dim, rev, core.RemoveResource(order.ID))
	require.NoError(t, err)
	_, err = s.PrimaryKeyOfResource(ctx, dim, order.ID, "500")
	require.ErrorIs(t, err, core.ErrNotFound)

	rev, err = s.Commit(ctx, dim, rev, core.RemoveSecondaryIndex(email.ID))
	require.NoError(t, err)
	_, err = s.ResourceKeysOfSecondaryKey(ctx, dim, email.ID, "a@x.io")
	require.ErrorIs(t, err, core.ErrNotFound)

	pk, err := s.PrimaryKeyOfResource(ctx, dim, user.ID, "10")
	require.NoError(t, err)
	assert.Equal(t, core.Key("1"), pk)

	loaded, err := s.LoadSnapshot(ctx, dim)
	require.NoError(t, err)
	assert.Equal(t, rev, loaded.Revision())
	assert.Len(t, loaded.Dimension.Nodes, 1)
	assert.Len(t, loaded.Dimension.Resources, 1)
	assert.Empty(t, loaded.Dimension.Resources[0].Indexes)
}
