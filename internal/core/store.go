package core

import (
	"context"
	"time"
)

// TopologyStore persists dimensions and their semaphores.
type TopologyStore interface {
	// CreateDimension installs a new dimension at revision 1. The returned
	// snapshot carries the ids the store assigned.
	CreateDimension(ctx context.Context, d *PartitionDimension) (*Snapshot, error)

	// LoadSnapshot reads the topology and semaphore of a dimension atomically.
	LoadSnapshot(ctx context.Context, dimension string) (*Snapshot, error)

	// ReadSemaphore reads only the semaphore of a dimension.
	ReadSemaphore(ctx context.Context, dimension string) (Semaphore, error)

	// Commit applies m if the persisted revision equals expected and the
	// semaphore permits it, advancing the revision by one. It returns the new
	// revision. It fails with ErrStaleMetadata or ErrReadOnly without writing.
	Commit(ctx context.Context, dimension string, expected Revision, m Mutation) (Revision, error)
}

// DirectoryReader answers key lookups.
type DirectoryReader interface {
	NodesOfPrimaryKey(ctx context.Context, dimension string, key Key) ([]NodeID, error)
	PrimaryKeyOfResource(ctx context.Context, dimension string, resource ResourceID, resourceKey Key) (Key, error)
	ResourceKeysOfSecondaryKey(ctx context.Context, dimension string, index IndexID, indexKey Key) ([]Key, error)
}

// StatisticsStore persists per-key load counters.
type StatisticsStore interface {
	// AdjustChildRecordCount atomically adds delta to the key's counter,
	// flooring at zero, and stamps now as the last update.
	AdjustChildRecordCount(ctx context.Context, dimension string, key Key, delta int64, now time.Time) (PartitionKeyStatistics, error)

	KeyStatistics(ctx context.Context, dimension string, key Key) (PartitionKeyStatistics, error)

	// KeyStatisticsOfNode returns the counters of every key currently
	// assigned to the node.
	KeyStatisticsOfNode(ctx context.Context, dimension string, node NodeID) ([]PartitionKeyStatistics, error)
}

// Store is the persisted topology, directory and statistics store shared by
// every process that coordinates one set of dimensions.
type Store interface {
	TopologyStore
	DirectoryReader
	StatisticsStore
	Close() error
}
