package directory

import (
	"cmp"
	"hash/fnv"
	"math"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Assigner picks the nodes a new primary key is placed on. nodes is never
// empty and replicas is between 1 and len(nodes).
type Assigner interface {
	Assign(key core.Key, nodes []core.Node, replicas int) []core.NodeID
}

// RoundRobin cycles through the writable nodes.
type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Assign(_ core.Key, nodes []core.Node, replicas int) []core.NodeID {
	start := int((r.next.Add(1) - 1) % uint64(len(nodes)))
	return consecutive(nodes, start, replicas)
}

// Hash places a key by the FNV-1a hash of its canonical form. The same key
// lands on the same node as long as the node list is unchanged.
type Hash struct{}

func (Hash) Assign(key core.Key, nodes []core.Node, replicas int) []core.NodeID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return consecutive(nodes, int(h.Sum64()%uint64(len(nodes))), replicas)
}

func consecutive(nodes []core.Node, start, n int) []core.NodeID {
	out := make([]core.NodeID, 0, n)
	for i := range n {
		out = append(out, nodes[(start+i)%len(nodes)].ID)
	}
	return out
}

// CapacityWeighted uses weighted rendezvous hashing: each node scores the
// key in proportion to its capacity and the highest scores win. Adding a
// node only moves the keys that now score highest on it.
type CapacityWeighted struct{}

func (CapacityWeighted) Assign(key core.Key, nodes []core.Node, replicas int) []core.NodeID {
	type scored struct {
		id    core.NodeID
		score float64
	}
	scores := make([]scored, len(nodes))
	for i, n := range nodes {
		scores[i] = scored{id: n.ID, score: rendezvousScore(key, n)}
	}
	slices.SortFunc(scores, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	out := make([]core.NodeID, replicas)
	for i := range out {
		out[i] = scores[i].id
	}
	return out
}

func rendezvousScore(key core.Key, n core.Node) float64 {
	if n.Capacity <= 0 {
		return 0
	}
	h := xxhash.New()
	_, _ = h.WriteString(n.Name)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(key))
	// Map the hash into (0, 1) so the logarithm is finite and negative.
	u := (float64(h.Sum64()>>11) + 0.5) / (1 << 53)
	return -n.Capacity / math.Log(u)
}

// AssignerByName returns the assigner registered under name: "round-robin",
// "hash" or "capacity".
func AssignerByName(name string) (Assigner, bool) {
	switch name {
	case "round-robin", "":
		return &RoundRobin{}, true
	case "hash":
		return Hash{}, true
	case "capacity":
		return CapacityWeighted{}, true
	}
	return nil, false
}
