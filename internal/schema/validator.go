package schema

import (
	"fmt"
	"math"
	"regexp"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Dimension names become part of store keys.
var dimensionName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// TopologyValidator checks a dimension object graph for structural errors.
type TopologyValidator struct{}

// NewTopologyValidator creates a new topology validator.
func NewTopologyValidator() *TopologyValidator {
	return &TopologyValidator{}
}

// ValidateDimension validates a whole dimension. Every failure wraps
// core.ErrValidation.
func (tv *TopologyValidator) ValidateDimension(d *core.PartitionDimension) error {
	if d == nil {
		return fmt.Errorf("%w: dimension cannot be nil", core.ErrValidation)
	}
	if !dimensionName.MatchString(d.Name) {
		return fmt.Errorf("%w: invalid dimension name %q", core.ErrValidation, d.Name)
	}
	if !d.KeyType.Valid() {
		return fmt.Errorf("%w: dimension %s has unsupported key type %q", core.ErrValidation, d.Name, d.KeyType)
	}

	nodeIDs := make(map[core.NodeID]bool, len(d.Nodes))
	nodeNames := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if err := tv.ValidateNode(n); err != nil {
			return err
		}
		if nodeIDs[n.ID] {
			return fmt.Errorf("%w: duplicate node id %d", core.ErrValidation, n.ID)
		}
		if nodeNames[n.Name] {
			return fmt.Errorf("%w: duplicate node name %q", core.ErrValidation, n.Name)
		}
		nodeIDs[n.ID] = true
		nodeNames[n.Name] = true
	}

	resourceNames := make(map[string]bool, len(d.Resources))
	resourceIDs := make(map[core.ResourceID]bool, len(d.Resources))
	indexIDs := make(map[core.IndexID]bool)
	partitioning := 0
	for _, r := range d.Resources {
		if err := tv.ValidateResource(r); err != nil {
			return err
		}
		if resourceNames[r.Name] {
			return fmt.Errorf("%w: duplicate resource name %q", core.ErrValidation, r.Name)
		}
		if resourceIDs[r.ID] {
			return fmt.Errorf("%w: duplicate resource id %d", core.ErrValidation, r.ID)
		}
		resourceNames[r.Name] = true
		resourceIDs[r.ID] = true
		if r.IsPartitioningResource {
			partitioning++
		}
		for _, idx := range r.Indexes {
			if indexIDs[idx.ID] {
				return fmt.Errorf("%w: duplicate index id %d", core.ErrValidation, idx.ID)
			}
			indexIDs[idx.ID] = true
		}
	}
	if partitioning > 1 {
		return fmt.Errorf("%w: dimension %s has %d partitioning resources", core.ErrValidation, d.Name, partitioning)
	}
	return nil
}

// ValidateNode validates a single node definition.
func (tv *TopologyValidator) ValidateNode(n core.Node) error {
	if n.Name == "" {
		return fmt.Errorf("%w: node name is required", core.ErrValidation)
	}
	if n.URI == "" {
		return fmt.Errorf("%w: node %s has no uri", core.ErrValidation, n.Name)
	}
	if n.Capacity < 0 || math.IsNaN(n.Capacity) || math.IsInf(n.Capacity, 0) {
		return fmt.Errorf("%w: node %s has invalid capacity %v", core.ErrValidation, n.Name, n.Capacity)
	}
	return nil
}

// ValidateResource validates a resource and the uniqueness of its index names.
func (tv *TopologyValidator) ValidateResource(r core.Resource) error {
	if r.Name == "" {
		return fmt.Errorf("%w: resource name is required", core.ErrValidation)
	}
	if !r.ColumnType.Valid() {
		return fmt.Errorf("%w: resource %s has unsupported column type %q", core.ErrValidation, r.Name, r.ColumnType)
	}
	names := make(map[string]bool, len(r.Indexes))
	for _, idx := range r.Indexes {
		if err := tv.ValidateIndex(idx); err != nil {
			return fmt.Errorf("resource %s: %w", r.Name, err)
		}
		if names[idx.Name] {
			return fmt.Errorf("%w: duplicate index name %q on resource %s", core.ErrValidation, idx.Name, r.Name)
		}
		names[idx.Name] = true
	}
	return nil
}

// ValidateIndex validates a secondary index definition.
func (tv *TopologyValidator) ValidateIndex(idx core.SecondaryIndex) error {
	if idx.Name == "" {
		return fmt.Errorf("%w: index name is required", core.ErrValidation)
	}
	if !idx.ColumnType.Valid() {
		return fmt.Errorf("%w: index %s has unsupported column type %q", core.ErrValidation, idx.Name, idx.ColumnType)
	}
	return nil
}
