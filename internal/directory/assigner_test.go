package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
)

func testNodes(capacities ...float64) []core.Node {
	nodes := make([]core.Node, len(capacities))
	for i, c := range capacities {
		nodes[i] = core.Node{ID: core.NodeID(i + 1), Name: "node" + string(rune('a'+i)), Capacity: c}
	}
	return nodes
}

func TestRoundRobinCycles(t *testing.T) {
	rr := &RoundRobin{}
	nodes := testNodes(1, 1, 1)

	var got []core.NodeID
	for range 4 {
		got = append(got, rr.Assign("k", nodes, 1)...)
	}
	assert.Equal(t, []core.NodeID{1, 2, 3, 1}, got)

	assert.Equal(t, []core.NodeID{2, 3}, rr.Assign("k", nodes, 2))
}

func TestHashIsStable(t *testing.T) {
	nodes := testNodes(1, 1, 1, 1)
	first := Hash{}.Assign("12345", nodes, 2)
	require.Len(t, first, 2)
	assert.NotEqual(t, first[0], first[1])
	for range 10 {
		assert.Equal(t, first, Hash{}.Assign("12345", nodes, 2))
	}
}

func TestCapacityWeightedFavoursLargeNodes(t *testing.T) {
	nodes := testNodes(10, 90)
	counts := map[core.NodeID]int{}
	for i := range 2000 {
		ids := CapacityWeighted{}.Assign(core.KeyOfInt(int64(i)), nodes, 1)
		require.Len(t, ids, 1)
		counts[ids[0]]++
	}
	assert.Greater(t, counts[2], counts[1]*4)
	assert.Positive(t, counts[1])
}

func TestCapacityWeightedSplitsBetweenSimilarNames(t *testing.T) {
	for _, names := range [][2]string{{"nodea", "nodeb"}, {"shard-1", "shard-2"}, {"alpha", "omega"}} {
		nodes := []core.Node{
			{ID: 1, Name: names[0], Capacity: 10},
			{ID: 2, Name: names[1], Capacity: 90},
		}
		small := 0
		for i := range 2000 {
			if (CapacityWeighted{}).Assign(core.KeyOfInt(int64(i)), nodes, 1)[0] == 1 {
				small++
			}
		}
		assert.InDelta(t, 200, small, 60, "%v", names)
	}
}

func TestCapacityWeightedSkipsEmptyNodesUnlessNeeded(t *testing.T) {
	nodes := testNodes(0, 5)
	for i := range 50 {
		assert.Equal(t, []core.NodeID{2}, CapacityWeighted{}.Assign(core.KeyOfInt(int64(i)), nodes, 1))
	}
	assert.ElementsMatch(t, []core.NodeID{1, 2}, CapacityWeighted{}.Assign("7", nodes, 2))
}

func TestAssignerByName(t *testing.T) {
	for _, name := range []string{"", "round-robin", "hash", "capacity"} {
		a, ok := AssignerByName(name)
		assert.True(t, ok, name)
		assert.NotNil(t, a, name)
	}
	_, ok := AssignerByName("random")
	assert.False(t, ok)
}
