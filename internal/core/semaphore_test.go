package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCommit(t *testing.T) {
	writable := Semaphore{Status: StatusWritable, Revision: 5}
	locked := Semaphore{Status: StatusReadOnly, Revision: 5}

	require.NoError(t, CheckCommit(writable, 5, InsertPrimaryKey("1", []NodeID{1})))
	require.ErrorIs(t, CheckCommit(writable, 4, InsertPrimaryKey("1", []NodeID{1})), ErrStaleMetadata)

	require.ErrorIs(t, CheckCommit(locked, 5, InsertPrimaryKey("1", []NodeID{1})), ErrReadOnly)
	require.ErrorIs(t, CheckCommit(locked, 5, AddNode(Node{Name: "n"})), ErrReadOnly)
	require.NoError(t, CheckCommit(locked, 5, UpdateNodesOfPrimaryKey("1", []NodeID{2})))
	require.NoError(t, CheckCommit(locked, 5, SetStatus(StatusWritable)))
	require.ErrorIs(t, CheckCommit(locked, 3, UpdateNodesOfPrimaryKey("1", []NodeID{2})), ErrStaleMetadata)
}

func TestNextAdvancesRevision(t *testing.T) {
	cur := Semaphore{Status: StatusWritable, Revision: 9}

	next := Next(cur, DeletePrimaryKey("1"))
	assert.Equal(t, Revision(10), next.Revision)
	assert.Equal(t, StatusWritable, next.Status)

	next = Next(cur, SetStatus(StatusReadOnly))
	assert.Equal(t, Revision(10), next.Revision)
	assert.True(t, next.ReadOnly())
}

func TestMutationKindClassification(t *testing.T) {
	assert.True(t, MutationAddNode.IsTopology())
	assert.True(t, MutationRemoveSecondaryIndex.IsTopology())
	assert.False(t, MutationSetStatus.IsTopology())
	assert.False(t, MutationInsertPrimaryKey.IsTopology())
	assert.Equal(t, "update-nodes-of-primary-key", MutationUpdateNodesOfPrimaryKey.String())
	assert.Equal(t, "unknown", MutationKind(99).String())
}
