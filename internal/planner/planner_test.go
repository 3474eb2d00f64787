package planner

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
)

func node(id core.NodeID, capacity float64, counts ...int64) core.NodeStatistics {
	var keys []core.PartitionKeyStatistics
	for i, c := range counts {
		keys = append(keys, core.PartitionKeyStatistics{
			Dimension:        "users",
			Key:              core.KeyOfInt(int64(id)*1000 + int64(i)),
			NodeID:           id,
			ChildRecordCount: c,
		})
	}
	return core.NewNodeStatistics(core.Node{
		ID:       id,
		Name:     fmt.Sprintf("node%d", id),
		URI:      fmt.Sprintf("mysql://db%d/users", id),
		Capacity: capacity,
	}, keys)
}

func fills(nodes []core.NodeStatistics) map[core.NodeID]float64 {
	out := map[core.NodeID]float64{}
	for _, n := range nodes {
		out[n.Node.ID] = n.FillLevel
	}
	return out
}

func TestHalfFullEstimator(t *testing.T) {
	e := HalfFullEstimator{PerRecordMoveTime: 2 * time.Millisecond}
	key := core.PartitionKeyStatistics{ChildRecordCount: 30}

	assert.Equal(t, float64(30), e.EstimateSize(key))
	assert.Equal(t, 60*time.Millisecond, e.EstimateMoveTime(key))
	assert.Equal(t, float64(20), e.HowMuchDoINeedToMove(node(1, 100, 70)))
	assert.Zero(t, e.HowMuchDoINeedToMove(node(1, 100, 50)))
	assert.Zero(t, e.HowMuchDoINeedToMove(node(1, 100, 10)))
}

func TestIsBalancedIffNoNodeAboveHalfCapacity(t *testing.T) {
	v := NewValidator(NewHalfFullEstimator())
	r := rand.New(rand.NewPCG(1, 2))

	for range 500 {
		var (
			nodes []core.NodeStatistics
			over  bool
		)
		for i := range 1 + r.IntN(5) {
			capacity := float64(r.IntN(200))
			fill := int64(r.IntN(150))
			n := node(core.NodeID(i+1), capacity, fill)
			over = over || n.FillLevel > capacity/2
			nodes = append(nodes, n)
		}
		assert.Equal(t, !over, v.IsBalanced(nodes))
	}
}

func TestComputeResultingStateMovesWeight(t *testing.T) {
	v := NewValidator(NewHalfFullEstimator())
	a, b := node(1, 100, 60, 40), node(2, 100)
	start := []core.NodeStatistics{a, b}

	plan := []core.Migration{{Key: a.Keys[1].Key, OriginNodeID: 1, DestinationNodeID: 2}}
	out, err := v.ComputeResultingState(start, plan)
	require.NoError(t, err)
	assert.Equal(t, map[core.NodeID]float64{1: 60, 2: 40}, fills(out))
	assert.Len(t, out[1].Keys, 1)
	assert.Equal(t, core.NodeID(2), out[1].Keys[0].NodeID)

	assert.Equal(t, float64(100), start[0].FillLevel, "the starting state is left alone")
	assert.Len(t, start[0].Keys, 2)

	_, err = v.ComputeResultingState(start, []core.Migration{{Key: "1", OriginNodeID: 9, DestinationNodeID: 2}})
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = v.ComputeResultingState(start, []core.Migration{{Key: "424242", OriginNodeID: 1, DestinationNodeID: 2}})
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = v.ComputeResultingState(start, []core.Migration{{Key: a.Keys[0].Key, OriginNodeID: 1, DestinationNodeID: 1}})
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestPlanBalancesTwoNodes(t *testing.T) {
	p := New(NewHalfFullEstimator())
	start := []core.NodeStatistics{node(1, 100, 50, 50), node(2, 100)}
	require.False(t, p.Validator().IsBalanced(start))

	plan := p.Plan("users", "mysql://hive/meta", start)
	require.Len(t, plan.Migrations, 1)
	m := plan.Migrations[0]
	assert.Equal(t, core.Key("1000"), m.Key, "equal sizes move the lowest key first")
	assert.Equal(t, "users", m.Dimension)
	assert.Equal(t, "mysql://db1/users", m.OriginURI)
	assert.Equal(t, "mysql://db2/users", m.DestinationURI)
	assert.Equal(t, "mysql://hive/meta", m.TopologyURI)
	assert.True(t, plan.Balanced)
	assert.Equal(t, 50*time.Millisecond, plan.EstimatedDuration)

	out, err := p.Validator().ComputeResultingState(start, plan.Migrations)
	require.NoError(t, err)
	assert.Equal(t, map[core.NodeID]float64{1: 50, 2: 50}, fills(out))
	assert.True(t, p.Validator().IsBalanced(out))
}

func TestPlanBalancesManySmallKeys(t *testing.T) {
	counts := make([]int64, 100)
	for i := range counts {
		counts[i] = 1
	}
	p := New(NewHalfFullEstimator())
	start := []core.NodeStatistics{node(1, 100, counts...), node(2, 100)}

	plan := p.Plan("users", "", start)
	assert.Len(t, plan.Migrations, 50)
	assert.True(t, plan.Balanced)

	out, err := p.Validator().ComputeResultingState(start, plan.Migrations)
	require.NoError(t, err)
	assert.Equal(t, map[core.NodeID]float64{1: 50, 2: 50}, fills(out))
}

func TestPlanLeavesIndivisibleKeyInPlace(t *testing.T) {
	p := New(NewHalfFullEstimator())
	start := []core.NodeStatistics{node(1, 100, 100), node(2, 100)}

	plan := p.Plan("users", "", start)
	assert.Empty(t, plan.Migrations, "moving the only key would overload the destination")
	assert.False(t, plan.Balanced)
	assert.False(t, p.Validator().IsBalanced(plan.Resulting))
}

func TestPlanSkipsReadOnlyDestinations(t *testing.T) {
	p := New(NewHalfFullEstimator())
	locked := node(2, 100)
	locked.Node.ReadOnly = true
	start := []core.NodeStatistics{node(1, 100, 30, 30), locked, node(3, 100, 10)}

	plan := p.Plan("users", "", start)
	require.Len(t, plan.Migrations, 1)
	assert.Equal(t, core.NodeID(3), plan.Migrations[0].DestinationNodeID)
	assert.True(t, plan.Balanced)
}

func TestPlanSpreadsAcrossSeveralNodes(t *testing.T) {
	p := New(NewHalfFullEstimator())
	start := []core.NodeStatistics{
		node(1, 100, 40, 30, 20, 10, 5, 5),
		node(2, 60, 10),
		node(3, 80),
		node(4, 40, 15, 10),
		node(5, 100),
	}

	plan := p.Plan("users", "", start)
	assert.True(t, plan.Balanced)

	seen := map[core.Key]bool{}
	for _, m := range plan.Migrations {
		assert.False(t, seen[m.Key], "key %s moved twice", m.Key)
		seen[m.Key] = true
	}

	out, err := p.Validator().ComputeResultingState(start, plan.Migrations)
	require.NoError(t, err)
	assert.Equal(t, fills(plan.Resulting), fills(out))
	var total float64
	for _, f := range fills(out) {
		total += f
	}
	assert.Equal(t, float64(145), total, "weight is conserved")
}

func TestPlanTerminatesWithoutDestinations(t *testing.T) {
	p := New(NewHalfFullEstimator(), WithMaxIterations(3))
	plan := p.Plan("users", "", []core.NodeStatistics{node(1, 10, 5, 5, 5)})
	assert.Empty(t, plan.Migrations)
	assert.False(t, plan.Balanced)

	plan = p.Plan("users", "", nil)
	assert.Empty(t, plan.Migrations)
	assert.True(t, plan.Balanced)
}
