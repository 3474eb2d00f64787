// Package statistics tracks per-key child record counts and aggregates them
// into per-node load figures for the planner.
package statistics

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rzpsarthak13/hive/internal/core"
)

const (
	defaultMaxAttempts = 5
	nodeReadLimit      = 8
)

// Tracker maintains the statistics of one dimension.
type Tracker struct {
	store       core.Store
	dimension   string
	log         *zap.SugaredLogger
	now         func() time.Time
	maxAttempts int

	mu       sync.Mutex
	failures map[core.NodeID]int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithClock overrides the clock used for LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithMaxAttempts bounds how often NodeStatistics re-reads when the topology
// moves underneath it.
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// New creates a tracker for dimension.
func New(store core.Store, dimension string, opts ...Option) *Tracker {
	t := &Tracker{
		store:       store,
		dimension:   dimension,
		log:         zap.NewNop().Sugar(),
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		failures:    make(map[core.NodeID]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IncrementChildRecordCount adds n child records to key.
func (t *Tracker) IncrementChildRecordCount(ctx context.Context, key core.Key, n int64) (core.PartitionKeyStatistics, error) {
	if n < 0 {
		return core.PartitionKeyStatistics{}, fmt.Errorf("%w: negative increment %d", core.ErrValidation, n)
	}
	return t.store.AdjustChildRecordCount(ctx, t.dimension, key, n, t.now())
}

// DecrementChildRecordCount removes n child records from key. The count never
// drops below zero.
func (t *Tracker) DecrementChildRecordCount(ctx context.Context, key core.Key, n int64) (core.PartitionKeyStatistics, error) {
	if n < 0 {
		return core.PartitionKeyStatistics{}, fmt.Errorf("%w: negative decrement %d", core.ErrValidation, n)
	}
	return t.store.AdjustChildRecordCount(ctx, t.dimension, key, -n, t.now())
}

// KeyStatistics returns the statistics of one key.
func (t *Tracker) KeyStatistics(ctx context.Context, key core.Key) (core.PartitionKeyStatistics, error) {
	return t.store.KeyStatistics(ctx, t.dimension, key)
}

// FindAllByNodeAndDimension returns the statistics of every key on node.
func (t *Tracker) FindAllByNodeAndDimension(ctx context.Context, node core.NodeID) ([]core.PartitionKeyStatistics, error) {
	return t.store.KeyStatisticsOfNode(ctx, t.dimension, node)
}

// NodeStatistics aggregates every node of the dimension against a single
// topology revision, ordered least to most full. If the revision changes
// while reading, it starts over; after the last attempt it gives up with
// core.ErrStaleMetadata.
func (t *Tracker) NodeStatistics(ctx context.Context) ([]core.NodeStatistics, error) {
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		snap, err := t.store.LoadSnapshot(ctx, t.dimension)
		if err != nil {
			return nil, err
		}

		out, err := t.collect(ctx, snap.Dimension)
		if err != nil {
			return nil, err
		}

		sem, err := t.store.ReadSemaphore(ctx, t.dimension)
		if err != nil {
			return nil, err
		}
		if sem.Revision == snap.Revision() {
			slices.SortFunc(out, core.CompareNodeStatistics)
			return out, nil
		}

		t.log.Debugw("topology moved while reading statistics",
			zap.String("dimension", t.dimension),
			zap.Int("attempt", attempt),
			zap.Uint64("from", uint64(snap.Revision())),
			zap.Uint64("to", uint64(sem.Revision)),
		)
	}
	return nil, fmt.Errorf("%w: %s kept changing after %d attempts", core.ErrStaleMetadata, t.dimension, t.maxAttempts)
}

func (t *Tracker) collect(ctx context.Context, d *core.PartitionDimension) ([]core.NodeStatistics, error) {
	out := make([]core.NodeStatistics, len(d.Nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(nodeReadLimit)
	for i, n := range d.Nodes {
		g.Go(func() error {
			keys, err := t.store.KeyStatisticsOfNode(gctx, t.dimension, n.ID)
			if err != nil {
				return fmt.Errorf("failed to read statistics of node %s: %w", n.Name, err)
			}
			ns := core.NewNodeStatistics(n, keys)
			ns.ConnectionFailures = t.ConnectionFailures(n.ID)
			out[i] = ns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordConnectionFailure counts a failed attempt to reach node.
func (t *Tracker) RecordConnectionFailure(node core.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[node]++
}

// ResetConnectionFailures clears the failure count of node.
func (t *Tracker) ResetConnectionFailures(node core.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, node)
}

// ConnectionFailures returns the failures recorded for node.
func (t *Tracker) ConnectionFailures(node core.NodeID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[node]
}
