package planner

import (
	"fmt"
	"slices"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Validator checks node states and simulates plans against them.
type Validator struct {
	estimator Estimator
}

// NewValidator creates a validator using e.
func NewValidator(e Estimator) *Validator {
	return &Validator{estimator: e}
}

// IsBalanced reports whether no node needs to shed anything.
func (v *Validator) IsBalanced(nodes []core.NodeStatistics) bool {
	for _, n := range nodes {
		if v.estimator.HowMuchDoINeedToMove(n) > 0 {
			return false
		}
	}
	return true
}

// ComputeResultingState applies plan to a copy of start, in migration order,
// and returns the resulting node states. start is not modified.
func (v *Validator) ComputeResultingState(start []core.NodeStatistics, plan []core.Migration) ([]core.NodeStatistics, error) {
	state := make([]core.NodeStatistics, len(start))
	index := make(map[core.NodeID]int, len(start))
	for i, n := range start {
		state[i] = n.Clone()
		index[n.Node.ID] = i
	}

	ordered := slices.Clone(plan)
	slices.SortFunc(ordered, core.CompareMigrations)

	for _, m := range ordered {
		oi, ok := index[m.OriginNodeID]
		if !ok {
			return nil, fmt.Errorf("%w: origin node %d of key %s", core.ErrNotFound, m.OriginNodeID, m.Key)
		}
		di, ok := index[m.DestinationNodeID]
		if !ok {
			return nil, fmt.Errorf("%w: destination node %d of key %s", core.ErrNotFound, m.DestinationNodeID, m.Key)
		}
		if err := v.move(&state[oi], &state[di], m.Key); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// move transfers key from origin to destination, adjusting both fill levels.
func (v *Validator) move(origin, destination *core.NodeStatistics, key core.Key) error {
	if origin.Node.ID == destination.Node.ID {
		return fmt.Errorf("%w: key %s moves onto its own node", core.ErrValidation, key)
	}
	i := slices.IndexFunc(origin.Keys, func(k core.PartitionKeyStatistics) bool { return k.Key == key })
	if i < 0 {
		return fmt.Errorf("%w: key %s is not on node %d", core.ErrNotFound, key, origin.Node.ID)
	}
	row := origin.Keys[i]
	size := v.estimator.EstimateSize(row)

	origin.Keys = slices.Delete(origin.Keys, i, i+1)
	origin.FillLevel -= size

	row.NodeID = destination.Node.ID
	destination.Keys = append(destination.Keys, row)
	destination.FillLevel += size
	return nil
}
