package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
)

func newDimension() *core.PartitionDimension {
	return &core.PartitionDimension{
		ID:      1,
		Name:    "users",
		KeyType: core.ColumnInt,
		Nodes: []core.Node{
			{Name: "a", URI: "mysql://a/users", Dialect: "mysql", Capacity: 100},
		},
		Resources: []core.Resource{
			{
				Name:                   "user",
				ColumnType:             core.ColumnInt,
				IsPartitioningResource: true,
				Indexes:                []core.SecondaryIndex{{Name: "email", ColumnType: core.ColumnString}},
			},
		},
	}
}

func TestPrepareAssignsIDs(t *testing.T) {
	d, err := Prepare(newDimension())
	require.NoError(t, err)

	assert.Equal(t, core.NodeID(1), d.Nodes[0].ID)
	assert.Equal(t, core.DimensionID(1), d.Nodes[0].DimensionID)
	assert.Equal(t, core.ResourceID(1), d.Resources[0].ID)
	assert.Equal(t, core.IndexID(1), d.Resources[0].Indexes[0].ID)
	assert.Equal(t, core.ResourceID(1), d.Resources[0].Indexes[0].ResourceID)
}

func TestPrepareRejectsMalformedTopology(t *testing.T) {
	d := newDimension()
	d.Nodes[0].Capacity = -1
	_, err := Prepare(d)
	require.ErrorIs(t, err, core.ErrValidation)

	d = newDimension()
	d.Nodes = append(d.Nodes, core.Node{Name: "a", URI: "mysql://b", Capacity: 1})
	_, err = Prepare(d)
	require.ErrorIs(t, err, core.ErrValidation)

	d = newDimension()
	d.Resources = append(d.Resources, core.Resource{Name: "order", ColumnType: core.ColumnInt, IsPartitioningResource: true})
	_, err = Prepare(d)
	require.ErrorIs(t, err, core.ErrValidation)

	d = newDimension()
	d.Resources[0].Indexes = append(d.Resources[0].Indexes, core.SecondaryIndex{Name: "email", ColumnType: core.ColumnString})
	_, err = Prepare(d)
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestApplyTopologyMutations(t *testing.T) {
	d, err := Prepare(newDimension())
	require.NoError(t, err)

	d2, err := Apply(d, core.AddNode(core.Node{Name: "b", URI: "mysql://b/users", Capacity: 50}))
	require.NoError(t, err)
	require.Len(t, d2.Nodes, 2)
	assert.Equal(t, core.NodeID(2), d2.Nodes[1].ID)
	assert.Len(t, d.Nodes, 1, "input must not be modified")

	_, err = Apply(d2, core.AddNode(core.Node{Name: "b", URI: "mysql://c", Capacity: 1}))
	require.ErrorIs(t, err, core.ErrValidation)

	d3, err := Apply(d2, core.AddResource(core.Resource{
		Name:       "order",
		ColumnType: core.ColumnInt,
		Indexes:    []core.SecondaryIndex{{Name: "sku", ColumnType: core.ColumnString}},
	}))
	require.NoError(t, err)
	order, ok := d3.ResourceByName("order")
	require.True(t, ok)
	assert.Equal(t, core.ResourceID(2), order.ID)
	assert.Equal(t, core.IndexID(2), order.Indexes[0].ID)

	_, err = Apply(d3, core.AddResource(core.Resource{Name: "x", ColumnType: core.ColumnInt, IsPartitioningResource: true}))
	require.ErrorIs(t, err, core.ErrValidation)

	d4, err := Apply(d3, core.AddSecondaryIndex(core.SecondaryIndex{ResourceID: order.ID, Name: "status", ColumnType: core.ColumnString}))
	require.NoError(t, err)
	idx, ok := d4.IndexByName("order", "status")
	require.True(t, ok)
	assert.Equal(t, core.IndexID(3), idx.ID)

	_, err = Apply(d4, core.AddSecondaryIndex(core.SecondaryIndex{ResourceID: order.ID, Name: "status", ColumnType: core.ColumnString}))
	require.ErrorIs(t, err, core.ErrValidation)

	d5, err := Apply(d4, core.RemoveSecondaryIndex(idx.ID))
	require.NoError(t, err)
	_, ok = d5.IndexByName("order", "status")
	assert.False(t, ok)

	d6, err := Apply(d5, core.UpdateNode(core.Node{ID: 2, Name: "b", URI: "mysql://b/users", Capacity: 75, ReadOnly: true}))
	require.NoError(t, err)
	n, _ := d6.Node(2)
	assert.Equal(t, 75.0, n.Capacity)
	assert.True(t, n.ReadOnly)

	d7, err := Apply(d6, core.RemoveNode(2))
	require.NoError(t, err)
	assert.Len(t, d7.Nodes, 1)

	_, err = Apply(d7, core.RemoveNode(2))
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = Apply(d7, core.InsertPrimaryKey("1", nil))
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestColumnTypeOf(t *testing.T) {
	tm := NewTypeMapper()
	for in, want := range map[string]core.ColumnType{
		"BIGINT":       core.ColumnInt,
		"int(11)":      core.ColumnInt,
		"varchar(255)": core.ColumnString,
		"uuid":         core.ColumnUUID,
		"BINARY(16)":   core.ColumnUUID,
		"string":       core.ColumnString,
	} {
		got, err := tm.ColumnTypeOf(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := tm.ColumnTypeOf("DOUBLE")
	require.ErrorIs(t, err, core.ErrValidation)
}
