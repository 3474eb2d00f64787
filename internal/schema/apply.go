package schema

import (
	"fmt"
	"slices"

	"github.com/rzpsarthak13/hive/internal/core"
)

var validator = NewTopologyValidator()

// Prepare returns a validated copy of d with missing ids assigned and
// parent references filled in. Stores call it when a dimension is created.
func Prepare(d *core.PartitionDimension) (*core.PartitionDimension, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: dimension cannot be nil", core.ErrValidation)
	}
	out := d.Clone()

	var nextNode core.NodeID
	var nextResource core.ResourceID
	var nextIndex core.IndexID
	for _, n := range out.Nodes {
		nextNode = max(nextNode, n.ID)
	}
	for _, r := range out.Resources {
		nextResource = max(nextResource, r.ID)
		for _, idx := range r.Indexes {
			nextIndex = max(nextIndex, idx.ID)
		}
	}

	for i := range out.Nodes {
		if out.Nodes[i].ID == 0 {
			nextNode++
			out.Nodes[i].ID = nextNode
		}
		out.Nodes[i].DimensionID = out.ID
	}
	for i := range out.Resources {
		r := &out.Resources[i]
		if r.ID == 0 {
			nextResource++
			r.ID = nextResource
		}
		r.DimensionID = out.ID
		for j := range r.Indexes {
			if r.Indexes[j].ID == 0 {
				nextIndex++
				r.Indexes[j].ID = nextIndex
			}
			r.Indexes[j].ResourceID = r.ID
		}
	}

	if err := validator.ValidateDimension(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Apply returns a copy of d with the topology mutation m applied. New
// entities get the next free id. Directory side effects (such as refusing to
// remove a node that still owns keys) are the caller's responsibility.
func Apply(d *core.PartitionDimension, m core.Mutation) (*core.PartitionDimension, error) {
	out := d.Clone()

	switch m.Kind {
	case core.MutationAddNode:
		n := m.Node
		n.ID = nextNodeID(out)
		n.DimensionID = out.ID
		if err := validator.ValidateNode(n); err != nil {
			return nil, err
		}
		if _, dup := out.NodeByName(n.Name); dup {
			return nil, fmt.Errorf("%w: duplicate node name %q", core.ErrValidation, n.Name)
		}
		out.Nodes = append(out.Nodes, n)

	case core.MutationUpdateNode:
		i := nodeIndex(out, m.Node.ID)
		if i < 0 {
			return nil, fmt.Errorf("%w: node %d", core.ErrNotFound, m.Node.ID)
		}
		n := m.Node
		n.DimensionID = out.ID
		if err := validator.ValidateNode(n); err != nil {
			return nil, err
		}
		if other, dup := out.NodeByName(n.Name); dup && other.ID != n.ID {
			return nil, fmt.Errorf("%w: duplicate node name %q", core.ErrValidation, n.Name)
		}
		out.Nodes[i] = n

	case core.MutationRemoveNode:
		i := nodeIndex(out, m.NodeID)
		if i < 0 {
			return nil, fmt.Errorf("%w: node %d", core.ErrNotFound, m.NodeID)
		}
		out.Nodes = append(out.Nodes[:i], out.Nodes[i+1:]...)

	case core.MutationAddResource:
		r := m.Resource
		r.Indexes = slices.Clone(r.Indexes)
		r.ID = nextResourceID(out)
		r.DimensionID = out.ID
		next := nextIndexID(out)
		for j := range r.Indexes {
			r.Indexes[j].ID = next
			r.Indexes[j].ResourceID = r.ID
			next++
		}
		if _, dup := out.ResourceByName(r.Name); dup {
			return nil, fmt.Errorf("%w: duplicate resource name %q", core.ErrValidation, r.Name)
		}
		if _, has := out.PartitioningResource(); has && r.IsPartitioningResource {
			return nil, fmt.Errorf("%w: dimension %s already has a partitioning resource", core.ErrValidation, out.Name)
		}
		if err := validator.ValidateResource(r); err != nil {
			return nil, err
		}
		out.Resources = append(out.Resources, r)

	case core.MutationRemoveResource:
		i := resourceIndex(out, m.ResourceID)
		if i < 0 {
			return nil, fmt.Errorf("%w: resource %d", core.ErrNotFound, m.ResourceID)
		}
		out.Resources = append(out.Resources[:i], out.Resources[i+1:]...)

	case core.MutationAddSecondaryIndex:
		i := resourceIndex(out, m.ResourceID)
		if i < 0 {
			return nil, fmt.Errorf("%w: resource %d", core.ErrNotFound, m.ResourceID)
		}
		idx := m.Index
		idx.ID = nextIndexID(out)
		idx.ResourceID = m.ResourceID
		r := &out.Resources[i]
		r.Indexes = append(r.Indexes, idx)
		if err := validator.ValidateResource(*r); err != nil {
			return nil, err
		}

	case core.MutationRemoveSecondaryIndex:
		_, owner, ok := out.Index(m.IndexID)
		if !ok {
			return nil, fmt.Errorf("%w: index %d", core.ErrNotFound, m.IndexID)
		}
		r := &out.Resources[resourceIndex(out, owner.ID)]
		for j, idx := range r.Indexes {
			if idx.ID == m.IndexID {
				r.Indexes = append(r.Indexes[:j], r.Indexes[j+1:]...)
				break
			}
		}

	default:
		return nil, fmt.Errorf("%w: %s is not a topology mutation", core.ErrValidation, m.Kind)
	}

	return out, nil
}

func nodeIndex(d *core.PartitionDimension, id core.NodeID) int {
	for i, n := range d.Nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func resourceIndex(d *core.PartitionDimension, id core.ResourceID) int {
	for i, r := range d.Resources {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func nextNodeID(d *core.PartitionDimension) core.NodeID {
	var id core.NodeID
	for _, n := range d.Nodes {
		id = max(id, n.ID)
	}
	return id + 1
}

func nextResourceID(d *core.PartitionDimension) core.ResourceID {
	var id core.ResourceID
	for _, r := range d.Resources {
		id = max(id, r.ID)
	}
	return id + 1
}

func nextIndexID(d *core.PartitionDimension) core.IndexID {
	var id core.IndexID
	for _, r := range d.Resources {
		for _, idx := range r.Indexes {
			id = max(id, idx.ID)
		}
	}
	return id + 1
}

// CheckKey requires key to be in the canonical form of t.
func CheckKey(key core.Key, t core.ColumnType) error {
	canonical, err := core.ParseKey(string(key), t)
	if err != nil {
		return err
	}
	if canonical != key {
		return fmt.Errorf("%w: key %q is not in canonical %s form", core.ErrValidation, key, t)
	}
	return nil
}

// CheckNodes requires a non-empty list of distinct nodes that exist in d.
func CheckNodes(d *core.PartitionDimension, nodes []core.NodeID) error {
	if len(nodes) == 0 {
		return fmt.Errorf("%w: a key needs at least one node", core.ErrValidation)
	}
	for i, id := range nodes {
		if slices.Contains(nodes[:i], id) {
			return fmt.Errorf("%w: node %d listed twice", core.ErrValidation, id)
		}
		if _, ok := d.Node(id); !ok {
			return fmt.Errorf("%w: node %d", core.ErrNotFound, id)
		}
	}
	return nil
}
