// Package resolve answers "which nodes hold this key" for callers on the
// data path. Lookups go through a cache that directory hooks keep current
// for local writes and that is purged whenever the dimension's revision
// moves for any other reason.
package resolve

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Resolver resolves primary keys of one dimension to node ids.
type Resolver struct {
	reader    core.DirectoryReader
	dimension string
	cache     Cache
	log       *zap.SugaredLogger
	flight    singleflight.Group

	mu       sync.Mutex
	revision core.Revision

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache replaces the default in-process LRU cache.
func WithCache(c Cache) Option {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a resolver reading from reader.
func New(reader core.DirectoryReader, dimension string, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		reader:    reader,
		dimension: dimension,
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		c, err := NewLRUCache(DefaultLRUSize)
		if err != nil {
			return nil, err
		}
		r.cache = c
	}
	return r, nil
}

// Resolve returns the nodes holding key. Concurrent misses on the same key
// share one store read. Unknown keys are not cached.
func (r *Resolver) Resolve(ctx context.Context, key core.Key) ([]core.NodeID, error) {
	if nodes, ok := r.cache.Get(ctx, r.dimension, key); ok {
		r.hits.Add(1)
		return nodes, nil
	}
	r.misses.Add(1)

	v, err, _ := r.flight.Do(string(key), func() (any, error) {
		nodes, err := r.reader.NodesOfPrimaryKey(ctx, r.dimension, key)
		if err != nil {
			return nil, err
		}
		r.cache.Set(ctx, r.dimension, key, nodes)
		return nodes, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]core.NodeID(nil), v.([]core.NodeID)...), nil
}

// Stats returns the cache hit and miss counts.
func (r *Resolver) Stats() (hits, misses uint64) {
	return r.hits.Load(), r.misses.Load()
}

// ObserveSnapshot purges the cache when snap carries a revision other than
// the last one observed. Wire it to the sync daemon's subscription.
func (r *Resolver) ObserveSnapshot(snap *core.Snapshot) {
	if snap == nil {
		return
	}
	r.mu.Lock()
	changed := r.revision != 0 && r.revision != snap.Revision()
	r.revision = snap.Revision()
	r.mu.Unlock()

	if changed {
		r.cache.Purge(context.Background())
		r.log.Debugw("placement cache purged",
			zap.String("dimension", r.dimension),
			zap.Uint64("revision", uint64(snap.Revision())))
	}
}

// OnInsert caches the placement of a freshly inserted key.
func (r *Resolver) OnInsert(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) error {
	if dimension == r.dimension {
		r.cache.Set(ctx, dimension, key, nodes)
	}
	return nil
}

// OnRepoint replaces the cached placement of a moved key.
func (r *Resolver) OnRepoint(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) error {
	if dimension == r.dimension {
		r.cache.Set(ctx, dimension, key, nodes)
	}
	return nil
}

// OnDelete drops a deleted key from the cache.
func (r *Resolver) OnDelete(ctx context.Context, dimension string, key core.Key) error {
	if dimension == r.dimension {
		r.cache.Invalidate(ctx, dimension, key)
	}
	return nil
}
