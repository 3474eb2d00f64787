package core

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// PartitionKeyStatistics is the load counter of one primary key.
type PartitionKeyStatistics struct {
	Dimension        string    `json:"dimension"`
	Key              Key       `json:"key"`
	NodeID           NodeID    `json:"node_id"`
	ChildRecordCount int64     `json:"child_record_count"`
	LastUpdated      time.Time `json:"last_updated"`
}

// NodeStatistics is the aggregated load of one node.
type NodeStatistics struct {
	Node               Node                     `json:"node"`
	Capacity           float64                  `json:"capacity"`
	FillLevel          float64                  `json:"fill_level"`
	Keys               []PartitionKeyStatistics `json:"keys"`
	ConnectionFailures int64                    `json:"connection_failures"`
}

// NewNodeStatistics aggregates the key rows of a node.
func NewNodeStatistics(n Node, keys []PartitionKeyStatistics) NodeStatistics {
	ns := NodeStatistics{Node: n, Capacity: n.Capacity, Keys: keys}
	for _, k := range keys {
		ns.FillLevel += float64(k.ChildRecordCount)
	}
	return ns
}

// FillRatio is FillLevel relative to Capacity. A node without capacity is
// infinitely full as soon as it holds anything.
func (ns NodeStatistics) FillRatio() float64 {
	if ns.Capacity <= 0 {
		if ns.FillLevel > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return ns.FillLevel / ns.Capacity
}

// Clone returns a copy that does not share the Keys slice.
func (ns NodeStatistics) Clone() NodeStatistics {
	ns.Keys = slices.Clone(ns.Keys)
	return ns
}

// CompareNodeStatistics orders nodes by fill ratio, then node id ascending.
func CompareNodeStatistics(a, b NodeStatistics) int {
	if c := cmp.Compare(a.FillRatio(), b.FillRatio()); c != 0 {
		return c
	}
	return cmp.Compare(a.Node.ID, b.Node.ID)
}

// ComparePartitionKeyStatistics orders keys by child record count
// descending, then key ascending.
func ComparePartitionKeyStatistics(a, b PartitionKeyStatistics) int {
	if c := cmp.Compare(b.ChildRecordCount, a.ChildRecordCount); c != 0 {
		return c
	}
	return CompareKeys(a.Key, b.Key)
}
