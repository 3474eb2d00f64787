package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/kvstore"
	"github.com/rzpsarthak13/hive/internal/kvstore/storetest"
)

func setup(t *testing.T, capacities ...float64) (*Directory, *core.Snapshot) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	snap, err := store.CreateDimension(context.Background(), storetest.Dimension("members", capacities...))
	require.NoError(t, err)
	return New(store, "members"), snap
}

func TestInsertedKeyResolvesToAssignedNode(t *testing.T) {
	ctx := context.Background()
	dir, snap := setup(t, 100, 100)

	nodes, rev, err := dir.InsertPrimaryIndexKey(ctx, snap.Revision(), snap, " 42")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, snap.Revision()+1, rev)

	got, err := dir.GetNodeIDsOfPrimaryIndexKey(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, nodes, got)

	_, err = dir.GetNodeIDsOfPrimaryIndexKey(ctx, "43")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestInsertRejectsBadKeysAndStaleTokens(t *testing.T) {
	ctx := context.Background()
	dir, snap := setup(t, 100)

	_, _, err := dir.InsertPrimaryIndexKey(ctx, snap.Revision(), snap, "forty-two")
	require.ErrorIs(t, err, core.ErrValidation)

	_, rev, err := dir.InsertPrimaryIndexKey(ctx, snap.Revision(), snap, "1")
	require.NoError(t, err)

	_, returned, err := dir.InsertPrimaryIndexKey(ctx, snap.Revision(), snap, "2")
	require.ErrorIs(t, err, core.ErrStaleMetadata)
	assert.Equal(t, snap.Revision(), returned, "a failed commit hands back the caller's token")

	_, _, err = dir.InsertPrimaryIndexKey(ctx, rev, snap, "2")
	require.NoError(t, err)
}

func TestReadOnlyNodesReceiveNoKeys(t *testing.T) {
	ctx := context.Background()
	dir, snap := setup(t, 100, 100)

	locked := snap.Dimension.Clone()
	locked.Nodes[0].ReadOnly = true
	view := &core.Snapshot{Dimension: locked, Semaphore: snap.Semaphore}

	rev := snap.Revision()
	for i := range 6 {
		nodes, next, err := dir.InsertPrimaryIndexKey(ctx, rev, view, core.KeyOfInt(int64(i)))
		require.NoError(t, err)
		assert.Equal(t, []core.NodeID{locked.Nodes[1].ID}, nodes)
		rev = next
	}

	locked.Nodes[1].ReadOnly = true
	_, _, err := dir.InsertPrimaryIndexKey(ctx, rev, view, "100")
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestLockedDimensionOnlyAcceptsRepoints(t *testing.T) {
	ctx := context.Background()
	dir, snap := setup(t, 100, 100)
	a, b := snap.Dimension.Nodes[0].ID, snap.Dimension.Nodes[1].ID

	rev, err := dir.InsertPrimaryIndexKeyAt(ctx, snap.Revision(), "1", []core.NodeID{a})
	require.NoError(t, err)
	rev, err = dir.Lock(ctx, rev)
	require.NoError(t, err)

	lockedView := &core.Snapshot{Dimension: snap.Dimension, Semaphore: core.Semaphore{Status: core.StatusReadOnly, Revision: rev}}
	_, _, err = dir.InsertPrimaryIndexKey(ctx, rev, lockedView, "2")
	require.ErrorIs(t, err, core.ErrReadOnly)
	_, err = dir.DeletePrimaryIndexKey(ctx, rev, "1")
	require.ErrorIs(t, err, core.ErrReadOnly)

	rev, err = dir.UpdateNodeOfPrimaryIndexKey(ctx, rev, "1", []core.NodeID{b})
	require.NoError(t, err)
	nodes, err := dir.GetNodeIDsOfPrimaryIndexKey(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{b}, nodes)

	_, err = dir.Unlock(ctx, rev)
	require.NoError(t, err)
}

func TestStoreDecidesWhetherDimensionIsLocked(t *testing.T) {
	ctx := context.Background()
	dir, snap := setup(t, 100)

	rev, err := dir.Lock(ctx, snap.Revision())
	require.NoError(t, err)
	rev, err = dir.Unlock(ctx, rev)
	require.NoError(t, err)

	outdated := &core.Snapshot{Dimension: snap.Dimension, Semaphore: core.Semaphore{Status: core.StatusReadOnly, Revision: rev - 1}}
	_, _, err = dir.InsertPrimaryIndexKey(ctx, rev-1, outdated, "2")
	require.ErrorIs(t, err, core.ErrStaleMetadata)

	_, _, err = dir.InsertPrimaryIndexKey(ctx, rev, outdated, "2")
	require.NoError(t, err)
}

func TestSecondaryIndexResolvesToPrimaryKeys(t *testing.T) {
	ctx := context.Background()
	dir, snap := setup(t, 100)
	node := snap.Dimension.Nodes[0].ID
	user, _ := snap.Dimension.ResourceByName("user")
	email, _ := snap.Dimension.IndexByName("user", "email")

	rev := snap.Revision()
	steps := []func(core.Revision) (core.Revision, error){
		func(r core.Revision) (core.Revision, error) {
			return dir.InsertPrimaryIndexKeyAt(ctx, r, "1", []core.NodeID{node})
		},
		func(r core.Revision) (core.Revision, error) {
			return dir.InsertPrimaryIndexKeyAt(ctx, r, "2", []core.NodeID{node})
		},
		func(r core.Revision) (core.Revision, error) { return dir.InsertResourceID(ctx, r, user.ID, "10", "1") },
		func(r core.Revision) (core.Revision, error) { return dir.InsertResourceID(ctx, r, user.ID, "11", "1") },
		func(r core.Revision) (core.Revision, error) { return dir.InsertResourceID(ctx, r, user.ID, "20", "2") },
		func(r core.Revision) (core.Revision, error) {
			return dir.InsertSecondaryIndexKey(ctx, r, email.ID, "team@x.io", "10")
		},
		func(r core.Revision) (core.Revision, error) {
			return dir.InsertSecondaryIndexKey(ctx, r, email.ID, "team@x.io", "11")
		},
		func(r core.Revision) (core.Revision, error) {
			return dir.InsertSecondaryIndexKey(ctx, r, email.ID, "team@x.io", "20")
		},
	}
	for _, step := range steps {
		var err error
		rev, err = step(rev)
		require.NoError(t, err)
	}

	pks, err := dir.GetPrimaryIndexKeysOfSecondaryIndexKey(ctx, email, "team@x.io")
	require.NoError(t, err)
	assert.Equal(t, []core.Key{"1", "2"}, pks)

	_, err = dir.InsertResourceID(ctx, rev, user.ID, "99", "3")
	require.ErrorIs(t, err, core.ErrOrphanKey)
	_, err = dir.InsertSecondaryIndexKey(ctx, rev, email.ID, "x@x.io", "99")
	require.ErrorIs(t, err, core.ErrOrphanKey)

	rev, err = dir.DeleteResourceID(ctx, rev, user.ID, "20")
	require.NoError(t, err)
	pks, err = dir.GetPrimaryIndexKeysOfSecondaryIndexKey(ctx, email, "team@x.io")
	require.NoError(t, err)
	assert.Equal(t, []core.Key{"1"}, pks)

	_, err = dir.DeleteSecondaryIndexKey(ctx, rev, email.ID, "team@x.io", "20")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestHooksObserveCommittedChanges(t *testing.T) {
	ctx := context.Background()
	dir, snap := setup(t, 100, 100)
	a, b := snap.Dimension.Nodes[0].ID, snap.Dimension.Nodes[1].ID

	var events []string
	unregister := dir.Hooks().Register(HookFuncs{
		OnInsertFunc: func(_ context.Context, dim string, key core.Key, nodes []core.NodeID) error {
			events = append(events, "insert:"+string(key))
			return nil
		},
		OnRepointFunc: func(_ context.Context, _ string, key core.Key, _ []core.NodeID) error {
			events = append(events, "repoint:"+string(key))
			return errors.New("hook failure is logged only")
		},
		OnDeleteFunc: func(_ context.Context, _ string, key core.Key) error {
			events = append(events, "delete:"+string(key))
			return nil
		},
	})
	dir.Hooks().Register(HookFuncs{})
	assert.Equal(t, 2, dir.Hooks().Count())

	rev, err := dir.InsertPrimaryIndexKeyAt(ctx, snap.Revision(), "5", []core.NodeID{a})
	require.NoError(t, err)
	_, err = dir.InsertPrimaryIndexKeyAt(ctx, snap.Revision(), "6", []core.NodeID{a})
	require.ErrorIs(t, err, core.ErrStaleMetadata)

	rev, err = dir.UpdateNodeOfPrimaryIndexKey(ctx, rev, "5", []core.NodeID{b})
	require.NoError(t, err)
	_, err = dir.DeletePrimaryIndexKey(ctx, rev, "5")
	require.NoError(t, err)

	assert.Equal(t, []string{"insert:5", "repoint:5", "delete:5"}, events)

	unregister()
	assert.Equal(t, 1, dir.Hooks().Count())
}
