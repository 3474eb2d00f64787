package hive

import (
	"errors"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Errors returned by hive. Test them with errors.Is.
var (
	ErrNotFound          = core.ErrNotFound
	ErrReadOnly          = core.ErrReadOnly
	ErrStaleMetadata     = core.ErrStaleMetadata
	ErrOrphanKey         = core.ErrOrphanKey
	ErrValidation        = core.ErrValidation
	ErrConnectionFailure = core.ErrConnectionFailure

	// ErrRebalanceInProgress is returned by RebalanceJob.Run while migrations
	// of an earlier run are still queued or being applied.
	ErrRebalanceInProgress = errors.New("rebalance already in progress")

	// ErrClosed is returned by a closed Client.
	ErrClosed = errors.New("hive client is closed")
)

// Aliases of the model types so callers need not import internal packages.
type (
	Key                    = core.Key
	NodeID                 = core.NodeID
	ResourceID             = core.ResourceID
	IndexID                = core.IndexID
	Revision               = core.Revision
	ColumnType             = core.ColumnType
	Node                   = core.Node
	Resource               = core.Resource
	SecondaryIndex         = core.SecondaryIndex
	PartitionDimension     = core.PartitionDimension
	Snapshot               = core.Snapshot
	Semaphore              = core.Semaphore
	Migration              = core.Migration
	NodeStatistics         = core.NodeStatistics
	PartitionKeyStatistics = core.PartitionKeyStatistics
)
