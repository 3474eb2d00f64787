package core

import (
	"cmp"
	"context"
	"time"
)

// Migration is a single proposed relocation of one key. It is a value type
// and is never modified after the planner emits it.
type Migration struct {
	Key               Key       `json:"key"`
	Dimension         string    `json:"dimension"`
	OriginURI         string    `json:"origin_uri"`
	DestinationURI    string    `json:"destination_uri"`
	TopologyURI       string    `json:"topology_uri"`
	OriginNodeID      NodeID    `json:"origin_node_id"`
	DestinationNodeID NodeID    `json:"destination_node_id"`
	CreatedAt         time.Time `json:"created_at"`
	RetryCount        int       `json:"retry_count"`
}

// CompareMigrations orders migrations by key, then origin and destination.
func CompareMigrations(a, b Migration) int {
	if c := CompareKeys(a.Key, b.Key); c != 0 {
		return c
	}
	if c := cmp.Compare(a.OriginNodeID, b.OriginNodeID); c != 0 {
		return c
	}
	return cmp.Compare(a.DestinationNodeID, b.DestinationNodeID)
}

// MigrationQueue hands planned migrations to the component that executes them.
type MigrationQueue interface {
	// Enqueue adds a migration to the tail of the queue.
	Enqueue(ctx context.Context, m *Migration) error

	// Dequeue removes up to batchSize migrations from the head of the queue.
	// It returns an empty slice when nothing is queued.
	Dequeue(ctx context.Context, batchSize int) ([]*Migration, error)

	// Size returns the number of queued migrations. Some backends approximate it.
	Size() int

	// Close releases the queue's resources.
	Close() error
}
