package core

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeStatisticsOrdering(t *testing.T) {
	a := NewNodeStatistics(Node{ID: 2, Capacity: 100}, []PartitionKeyStatistics{{Key: "1", ChildRecordCount: 30}})
	b := NewNodeStatistics(Node{ID: 1, Capacity: 100}, []PartitionKeyStatistics{{Key: "2", ChildRecordCount: 30}})
	c := NewNodeStatistics(Node{ID: 3, Capacity: 10}, []PartitionKeyStatistics{{Key: "3", ChildRecordCount: 5}})
	empty := NewNodeStatistics(Node{ID: 4, Capacity: 0}, nil)

	nodes := []NodeStatistics{c, a, b, empty}
	slices.SortFunc(nodes, CompareNodeStatistics)

	var ids []NodeID
	for _, n := range nodes {
		ids = append(ids, n.Node.ID)
	}
	// equal ratios tie-break on node id
	assert.Equal(t, []NodeID{4, 1, 2, 3}, ids)
	assert.InDelta(t, 0.5, c.FillRatio(), 1e-9)
}

func TestFillRatioWithoutCapacity(t *testing.T) {
	full := NewNodeStatistics(Node{ID: 1}, []PartitionKeyStatistics{{ChildRecordCount: 1}})
	assert.True(t, math.IsInf(full.FillRatio(), 1))
	assert.Zero(t, NewNodeStatistics(Node{ID: 2}, nil).FillRatio())
}

func TestComparePartitionKeyStatistics(t *testing.T) {
	keys := []PartitionKeyStatistics{
		{Key: "5", ChildRecordCount: 10},
		{Key: "12", ChildRecordCount: 40},
		{Key: "3", ChildRecordCount: 10},
	}
	slices.SortFunc(keys, ComparePartitionKeyStatistics)
	assert.Equal(t, Key("12"), keys[0].Key)
	assert.Equal(t, Key("3"), keys[1].Key)
	assert.Equal(t, Key("5"), keys[2].Key)
}

func TestDimensionCloneIsDeep(t *testing.T) {
	d := &PartitionDimension{
		Name:      "users",
		Nodes:     []Node{{ID: 1, Name: "a"}},
		Resources: []Resource{{ID: 1, Name: "user", Indexes: []SecondaryIndex{{ID: 1, Name: "email"}}}},
	}
	c := d.Clone()
	c.Nodes[0].Name = "changed"
	c.Resources[0].Indexes[0].Name = "changed"

	assert.Equal(t, "a", d.Nodes[0].Name)
	assert.Equal(t, "email", d.Resources[0].Indexes[0].Name)
}
