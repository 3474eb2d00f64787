// Package directory maps primary keys, resource ids and secondary index keys
// of one partition dimension to the nodes that hold them. Every mutation
// carries the caller's revision token and is rejected with
// core.ErrStaleMetadata when the token is behind the persisted semaphore.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Directory is the key directory of one dimension.
type Directory struct {
	store     core.Store
	dimension string
	assigner  Assigner
	replicas  int
	hooks     *HookManager
	log       *zap.SugaredLogger
}

// Option configures a Directory.
type Option func(*Directory)

// WithAssigner sets the placement policy for new keys. The default is round-robin.
func WithAssigner(a Assigner) Option {
	return func(d *Directory) {
		if a != nil {
			d.assigner = a
		}
	}
}

// WithReplicas sets how many nodes a new key is placed on.
func WithReplicas(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.replicas = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(d *Directory) {
		if log != nil {
			d.log = log
		}
	}
}

// New creates the directory of dimension on store.
func New(store core.Store, dimension string, opts ...Option) *Directory {
	d := &Directory{
		store:     store,
		dimension: dimension,
		assigner:  &RoundRobin{},
		replicas:  1,
		hooks:     NewHookManager(),
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dimension returns the name of the dimension.
func (d *Directory) Dimension() string { return d.dimension }

// Hooks returns the hook manager of the directory.
func (d *Directory) Hooks() *HookManager { return d.hooks }

// InsertPrimaryIndexKey places a new key on nodes chosen by the assigner among
// the writable nodes of snap. It returns the chosen nodes and the new revision.
func (d *Directory) InsertPrimaryIndexKey(ctx context.Context, token core.Revision, snap *core.Snapshot, key core.Key) ([]core.NodeID, core.Revision, error) {
	if snap == nil || snap.Dimension == nil {
		return nil, token, fmt.Errorf("%w: no topology snapshot", core.ErrValidation)
	}
	canonical, err := core.ParseKey(string(key), snap.Dimension.KeyType)
	if err != nil {
		return nil, token, err
	}

	writable := snap.Dimension.WritableNodes()
	if len(writable) == 0 {
		return nil, token, fmt.Errorf("%w: dimension %s has no writable node", core.ErrValidation, d.dimension)
	}
	nodes := d.assigner.Assign(canonical, writable, min(d.replicas, len(writable)))

	rev, err := d.InsertPrimaryIndexKeyAt(ctx, token, canonical, nodes)
	if err != nil {
		return nil, token, err
	}
	return nodes, rev, nil
}

// InsertPrimaryIndexKeyAt places a new key on the given nodes.
func (d *Directory) InsertPrimaryIndexKeyAt(ctx context.Context, token core.Revision, key core.Key, nodes []core.NodeID) (core.Revision, error) {
	rev, err := d.store.Commit(ctx, d.dimension, token, core.InsertPrimaryKey(key, nodes))
	if err != nil {
		return token, err
	}
	d.runHooks("insert", key, d.hooks.each(func(h Hook) error { return h.OnInsert(ctx, d.dimension, key, nodes) }))
	return rev, nil
}

// DeletePrimaryIndexKey removes a key together with its resource ids, their
// secondary index entries and the key's statistics.
func (d *Directory) DeletePrimaryIndexKey(ctx context.Context, token core.Revision, key core.Key) (core.Revision, error) {
	rev, err := d.store.Commit(ctx, d.dimension, token, core.DeletePrimaryKey(key))
	if err != nil {
		return token, err
	}
	d.runHooks("delete", key, d.hooks.each(func(h Hook) error { return h.OnDelete(ctx, d.dimension, key) }))
	return rev, nil
}

// GetNodeIDsOfPrimaryIndexKey returns the nodes holding key. The result is never empty.
func (d *Directory) GetNodeIDsOfPrimaryIndexKey(ctx context.Context, key core.Key) ([]core.NodeID, error) {
	return d.store.NodesOfPrimaryKey(ctx, d.dimension, key)
}

// UpdateNodeOfPrimaryIndexKey moves key to nodes. It is the only directory
// mutation accepted while the dimension is read-only.
func (d *Directory) UpdateNodeOfPrimaryIndexKey(ctx context.Context, token core.Revision, key core.Key, nodes []core.NodeID) (core.Revision, error) {
	rev, err := d.store.Commit(ctx, d.dimension, token, core.UpdateNodesOfPrimaryKey(key, nodes))
	if err != nil {
		return token, err
	}
	d.runHooks("repoint", key, d.hooks.each(func(h Hook) error { return h.OnRepoint(ctx, d.dimension, key, nodes) }))
	return rev, nil
}

// InsertResourceID registers a resource id under an existing primary key.
func (d *Directory) InsertResourceID(ctx context.Context, token core.Revision, resource core.ResourceID, id, primaryKey core.Key) (core.Revision, error) {
	return d.commit(ctx, token, core.InsertResourceID(resource, id, primaryKey))
}

// DeleteResourceID removes a resource id and its secondary index entries.
func (d *Directory) DeleteResourceID(ctx context.Context, token core.Revision, resource core.ResourceID, id core.Key) (core.Revision, error) {
	return d.commit(ctx, token, core.DeleteResourceID(resource, id))
}

// GetPrimaryIndexKeyOfResourceID returns the primary key owning a resource id.
func (d *Directory) GetPrimaryIndexKeyOfResourceID(ctx context.Context, resource core.ResourceID, id core.Key) (core.Key, error) {
	return d.store.PrimaryKeyOfResource(ctx, d.dimension, resource, id)
}

// InsertSecondaryIndexKey points an index key at an existing resource id.
func (d *Directory) InsertSecondaryIndexKey(ctx context.Context, token core.Revision, index core.IndexID, indexKey, resourceID core.Key) (core.Revision, error) {
	return d.commit(ctx, token, core.InsertSecondaryIndexKey(index, indexKey, resourceID))
}

// DeleteSecondaryIndexKey removes one index key to resource id entry.
func (d *Directory) DeleteSecondaryIndexKey(ctx context.Context, token core.Revision, index core.IndexID, indexKey, resourceID core.Key) (core.Revision, error) {
	return d.commit(ctx, token, core.DeleteSecondaryIndexKey(index, indexKey, resourceID))
}

// GetResourceIDsOfSecondaryIndexKey returns the resource ids an index key points at.
func (d *Directory) GetResourceIDsOfSecondaryIndexKey(ctx context.Context, index core.IndexID, indexKey core.Key) ([]core.Key, error) {
	return d.store.ResourceKeysOfSecondaryKey(ctx, d.dimension, index, indexKey)
}

// GetPrimaryIndexKeysOfSecondaryIndexKey resolves an index key through its
// resource ids to the distinct primary keys that own them.
func (d *Directory) GetPrimaryIndexKeysOfSecondaryIndexKey(ctx context.Context, index core.SecondaryIndex, indexKey core.Key) ([]core.Key, error) {
	rkeys, err := d.GetResourceIDsOfSecondaryIndexKey(ctx, index.ID, indexKey)
	if err != nil {
		return nil, err
	}

	var out []core.Key
	for _, rk := range rkeys {
		pk, err := d.GetPrimaryIndexKeyOfResourceID(ctx, index.ResourceID, rk)
		if errors.Is(err, core.ErrNotFound) {
			// Deleted between the two reads.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, pk) {
			out = append(out, pk)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: index key %s", core.ErrNotFound, indexKey)
	}
	slices.SortFunc(out, core.CompareKeys)
	return out, nil
}

// Lock marks the dimension read-only.
func (d *Directory) Lock(ctx context.Context, token core.Revision) (core.Revision, error) {
	return d.commit(ctx, token, core.SetStatus(core.StatusReadOnly))
}

// Unlock marks the dimension writable.
func (d *Directory) Unlock(ctx context.Context, token core.Revision) (core.Revision, error) {
	return d.commit(ctx, token, core.SetStatus(core.StatusWritable))
}

func (d *Directory) commit(ctx context.Context, token core.Revision, m core.Mutation) (core.Revision, error) {
	rev, err := d.store.Commit(ctx, d.dimension, token, m)
	if err != nil {
		return token, err
	}
	return rev, nil
}

func (d *Directory) runHooks(event string, key core.Key, errs []error) {
	for _, err := range errs {
		d.log.Warnw("directory hook failed",
			zap.String("dimension", d.dimension),
			zap.String("event", event),
			zap.String("key", string(key)),
			zap.Error(err),
		)
	}
}
