// Package planner computes key migrations that bring every node of a
// dimension to at most half of its capacity.
package planner

import (
	"time"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Estimator prices key moves and node excess.
type Estimator interface {
	// EstimateSize returns the weight a key adds to the node holding it.
	EstimateSize(key core.PartitionKeyStatistics) float64

	// EstimateMoveTime returns how long relocating the key is expected to take.
	EstimateMoveTime(key core.PartitionKeyStatistics) time.Duration

	// HowMuchDoINeedToMove returns the weight node must shed, never negative.
	HowMuchDoINeedToMove(node core.NodeStatistics) float64
}

// DefaultPerRecordMoveTime is the move cost of one child record.
const DefaultPerRecordMoveTime = time.Millisecond

// HalfFullEstimator weighs keys by their child record count and targets each
// node at half of its own capacity.
type HalfFullEstimator struct {
	PerRecordMoveTime time.Duration
}

// NewHalfFullEstimator returns an estimator with the default move cost.
func NewHalfFullEstimator() HalfFullEstimator {
	return HalfFullEstimator{PerRecordMoveTime: DefaultPerRecordMoveTime}
}

func (e HalfFullEstimator) EstimateSize(key core.PartitionKeyStatistics) float64 {
	return float64(key.ChildRecordCount)
}

func (e HalfFullEstimator) EstimateMoveTime(key core.PartitionKeyStatistics) time.Duration {
	return time.Duration(key.ChildRecordCount) * e.PerRecordMoveTime
}

func (e HalfFullEstimator) HowMuchDoINeedToMove(node core.NodeStatistics) float64 {
	return max(0, node.FillLevel-node.Capacity/2)
}
