package core

import (
	"cmp"
	"slices"
)

// DimensionID identifies a partition dimension.
type DimensionID int64

// NodeID identifies a node within its dimension.
type NodeID int64

// ResourceID identifies a resource within its dimension.
type ResourceID int64

// IndexID identifies a secondary index within its dimension.
type IndexID int64

// ColumnType is the logical type of a key column.
type ColumnType string

const (
	ColumnInt    ColumnType = "int"
	ColumnString ColumnType = "string"
	ColumnUUID   ColumnType = "uuid"
)

// Valid reports whether t is a supported key column type.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnInt, ColumnString, ColumnUUID:
		return true
	}
	return false
}

// Node is a physical storage endpoint.
type Node struct {
	ID          NodeID      `json:"id" yaml:"id"`
	DimensionID DimensionID `json:"dimension_id" yaml:"-"`
	Name        string      `json:"name" yaml:"name"`
	URI         string      `json:"uri" yaml:"uri"`
	Dialect     string      `json:"dialect" yaml:"dialect"`
	Capacity    float64     `json:"capacity" yaml:"capacity"`
	ReadOnly    bool        `json:"read_only" yaml:"read_only"`
}

// SecondaryIndex is an alternate lookup key on a resource.
type SecondaryIndex struct {
	ID         IndexID    `json:"id" yaml:"id"`
	ResourceID ResourceID `json:"resource_id" yaml:"-"`
	Name       string     `json:"name" yaml:"name"`
	ColumnType ColumnType `json:"column_type" yaml:"column_type"`
}

// Resource is an entity type partitioned within a dimension.
type Resource struct {
	ID                     ResourceID       `json:"id" yaml:"id"`
	DimensionID            DimensionID      `json:"dimension_id" yaml:"-"`
	Name                   string           `json:"name" yaml:"name"`
	ColumnType             ColumnType       `json:"column_type" yaml:"column_type"`
	IsPartitioningResource bool             `json:"is_partitioning_resource" yaml:"partitioning"`
	Indexes                []SecondaryIndex `json:"indexes" yaml:"indexes"`
}

// PartitionDimension is a named shard cluster keyed by one logical key type.
type PartitionDimension struct {
	ID        DimensionID `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name"`
	KeyType   ColumnType  `json:"key_type" yaml:"key_type"`
	Resources []Resource  `json:"resources" yaml:"resources"`
	Nodes     []Node      `json:"nodes" yaml:"nodes"`
}

// Clone returns a deep copy of the dimension.
func (d *PartitionDimension) Clone() *PartitionDimension {
	if d == nil {
		return nil
	}
	out := *d
	out.Nodes = slices.Clone(d.Nodes)
	out.Resources = make([]Resource, len(d.Resources))
	for i, r := range d.Resources {
		r.Indexes = slices.Clone(r.Indexes)
		out.Resources[i] = r
	}
	return &out
}

// Node returns the node with the given id.
func (d *PartitionDimension) Node(id NodeID) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodeByName returns the node with the given name.
func (d *PartitionDimension) NodeByName(name string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// WritableNodes returns the nodes that may receive new keys, in id order.
func (d *PartitionDimension) WritableNodes() []Node {
	out := make([]Node, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if !n.ReadOnly {
			out = append(out, n)
		}
	}
	slices.SortFunc(out, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Resource returns the resource with the given id.
func (d *PartitionDimension) Resource(id ResourceID) (Resource, bool) {
	for _, r := range d.Resources {
		if r.ID == id {
			return r, true
		}
	}
	return Resource{}, false
}

// ResourceByName returns the resource with the given name.
func (d *PartitionDimension) ResourceByName(name string) (Resource, bool) {
	for _, r := range d.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// PartitioningResource returns the resource that holds the primary key.
func (d *PartitionDimension) PartitioningResource() (Resource, bool) {
	for _, r := range d.Resources {
		if r.IsPartitioningResource {
			return r, true
		}
	}
	return Resource{}, false
}

// Index returns the secondary index with the given id and its owning resource.
func (d *PartitionDimension) Index(id IndexID) (SecondaryIndex, Resource, bool) {
	for _, r := range d.Resources {
		for _, idx := range r.Indexes {
			if idx.ID == id {
				return idx, r, true
			}
		}
	}
	return SecondaryIndex{}, Resource{}, false
}

// IndexByName returns the named index of the named resource.
func (d *PartitionDimension) IndexByName(resource, index string) (SecondaryIndex, bool) {
	r, ok := d.ResourceByName(resource)
	if !ok {
		return SecondaryIndex{}, false
	}
	for _, idx := range r.Indexes {
		if idx.Name == index {
			return idx, true
		}
	}
	return SecondaryIndex{}, false
}

// Snapshot is an immutable view of one dimension's topology at one revision.
// Holders must not modify it; use Dimension.Clone to derive a mutable copy.
type Snapshot struct {
	Dimension *PartitionDimension
	Semaphore Semaphore
}

// Revision returns the revision the snapshot was read at.
func (s *Snapshot) Revision() Revision {
	if s == nil {
		return 0
	}
	return s.Semaphore.Revision
}
