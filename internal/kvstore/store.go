package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/schema"
)

// Store implements core.Store on top of a key/value backend. The memory,
// Redis and DynamoDB stores share it and differ only in their backend.
type Store struct {
	backend kvBackend
	kind    string
	log     *zap.SugaredLogger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for commit and failure logging.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the clock used for statistics timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func newStore(kind string, backend kvBackend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		kind:    kind,
		log:     zap.NewNop().Sugar(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ core.Store = (*Store)(nil)

type catalogEntry struct {
	ID   core.DimensionID `json:"id"`
	Name string           `json:"name"`
}

// CreateDimension installs a new dimension with a writable semaphore at revision 1.
func (s *Store) CreateDimension(ctx context.Context, d *core.PartitionDimension) (*core.Snapshot, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: dimension cannot be nil", core.ErrValidation)
	}

	var snap *core.Snapshot
	err := s.backend.update(ctx, catalogKey, func(tx *txn) error {
		var catalog []catalogEntry
		raw, found, err := tx.get(ctx, catalogKey)
		if err != nil {
			return err
		}
		if found {
			if err := json.Unmarshal(raw, &catalog); err != nil {
				return fmt.Errorf("failed to decode dimension catalog: %w", err)
			}
		}

		var maxID core.DimensionID
		for _, e := range catalog {
			if e.Name == d.Name {
				return fmt.Errorf("%w: dimension %q already exists", core.ErrValidation, d.Name)
			}
			maxID = max(maxID, e.ID)
		}

		in := d.Clone()
		if in.ID == 0 {
			in.ID = maxID + 1
		}
		prepared, err := schema.Prepare(in)
		if err != nil {
			return err
		}

		catalog = append(catalog, catalogEntry{ID: prepared.ID, Name: prepared.Name})
		if err := putJSON(tx, catalogKey, catalog); err != nil {
			return err
		}
		if err := putJSON(tx, topologyKey(prepared.Name), prepared); err != nil {
			return err
		}
		sem := core.Semaphore{Status: core.StatusWritable, Revision: 1}
		if err := putJSON(tx, semaphoreKey(prepared.Name), sem); err != nil {
			return err
		}
		snap = &core.Snapshot{Dimension: prepared, Semaphore: sem}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dimension %s: %w", d.Name, err)
	}

	s.log.Infow("dimension created",
		zap.String("store", s.kind),
		zap.String("dimension", snap.Dimension.Name),
		zap.Int("nodes", len(snap.Dimension.Nodes)),
		zap.Int("resources", len(snap.Dimension.Resources)),
	)
	return snap, nil
}

// LoadSnapshot reads the topology and semaphore of a dimension at one point in time.
func (s *Store) LoadSnapshot(ctx context.Context, dimension string) (*core.Snapshot, error) {
	values, err := s.backend.multiGet(ctx, semaphoreKey(dimension), topologyKey(dimension))
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot of %s: %w", dimension, err)
	}
	if values[0] == nil || values[1] == nil {
		return nil, fmt.Errorf("%w: dimension %s", core.ErrNotFound, dimension)
	}

	snap := &core.Snapshot{Dimension: &core.PartitionDimension{}}
	if err := json.Unmarshal(values[0], &snap.Semaphore); err != nil {
		return nil, fmt.Errorf("failed to decode semaphore of %s: %w", dimension, err)
	}
	if err := json.Unmarshal(values[1], snap.Dimension); err != nil {
		return nil, fmt.Errorf("failed to decode topology of %s: %w", dimension, err)
	}
	return snap, nil
}

// ReadSemaphore reads the semaphore of a dimension.
func (s *Store) ReadSemaphore(ctx context.Context, dimension string) (core.Semaphore, error) {
	return readSemaphore(ctx, s.backend, dimension)
}

// Commit applies a gated mutation. See core.TopologyStore.
func (s *Store) Commit(ctx context.Context, dimension string, expected core.Revision, m core.Mutation) (core.Revision, error) {
	var next core.Semaphore
	err := s.backend.update(ctx, semaphoreKey(dimension), func(tx *txn) error {
		current, err := readSemaphore(ctx, tx, dimension)
		if err != nil {
			return err
		}
		if err := core.CheckCommit(current, expected, m); err != nil {
			return err
		}
		if err := s.apply(ctx, tx, dimension, m); err != nil {
			return err
		}
		next = core.Next(current, m)
		return putJSON(tx, semaphoreKey(dimension), next)
	})
	if err != nil {
		if !errors.Is(err, core.ErrStaleMetadata) && !errors.Is(err, core.ErrReadOnly) {
			s.log.Debugw("commit rejected",
				zap.String("store", s.kind),
				zap.String("dimension", dimension),
				zap.Stringer("mutation", m.Kind),
				zap.Error(err),
			)
		}
		return 0, fmt.Errorf("%s on %s: %w", m.Kind, dimension, err)
	}
	return next.Revision, nil
}

func (s *Store) apply(ctx context.Context, tx *txn, dim string, m core.Mutation) error {
	if m.Kind == core.MutationSetStatus {
		if m.Status != core.StatusWritable && m.Status != core.StatusReadOnly {
			return fmt.Errorf("%w: unknown status %q", core.ErrValidation, m.Status)
		}
		return nil
	}

	topo, err := readTopology(ctx, tx, dim)
	if err != nil {
		return err
	}

	if m.Kind.IsTopology() {
		return s.applyTopology(ctx, tx, dim, topo, m)
	}

	switch m.Kind {
	case core.MutationInsertPrimaryKey:
		if err := schema.CheckKey(m.Key, topo.KeyType); err != nil {
			return err
		}
		if err := schema.CheckNodes(topo, m.NodeIDs); err != nil {
			return err
		}
		if _, found, err := tx.get(ctx, primaryKey(dim, m.Key)); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: primary key %s already exists", core.ErrValidation, m.Key)
		}
		if err := putJSON(tx, primaryKey(dim, m.Key), m.NodeIDs); err != nil {
			return err
		}
		for _, n := range m.NodeIDs {
			tx.sadd(nodeKeysKey(dim, n), string(m.Key))
		}
		tx.createCounter(statisticsKey(dim, m.Key), m.NodeIDs[0], s.now())
		return nil

	case core.MutationDeletePrimaryKey:
		return s.deletePrimaryKey(ctx, tx, dim, m.Key)

	case core.MutationUpdateNodesOfPrimaryKey:
		if err := schema.CheckNodes(topo, m.NodeIDs); err != nil {
			return err
		}
		old, err := nodesOf(ctx, tx, dim, m.Key)
		if err != nil {
			return err
		}
		for _, n := range old {
			tx.srem(nodeKeysKey(dim, n), string(m.Key))
		}
		for _, n := range m.NodeIDs {
			tx.sadd(nodeKeysKey(dim, n), string(m.Key))
		}
		if err := putJSON(tx, primaryKey(dim, m.Key), m.NodeIDs); err != nil {
			return err
		}
		tx.repointCounter(statisticsKey(dim, m.Key), m.NodeIDs[0])
		return nil

	case core.MutationInsertResourceID:
		res, ok := topo.Resource(m.ResourceID)
		if !ok {
			return fmt.Errorf("%w: resource %d", core.ErrNotFound, m.ResourceID)
		}
		if err := schema.CheckKey(m.ResourceKey, res.ColumnType); err != nil {
			return err
		}
		if _, found, err := tx.get(ctx, primaryKey(dim, m.Key)); err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: primary key %s of %s %s", core.ErrOrphanKey, m.Key, res.Name, m.ResourceKey)
		}
		if _, found, err := tx.get(ctx, resourceKey(dim, res.ID, m.ResourceKey)); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %s %s already registered", core.ErrValidation, res.Name, m.ResourceKey)
		}
		tx.put(resourceKey(dim, res.ID, m.ResourceKey), []byte(m.Key))
		tx.sadd(resourceMembersKey(dim, res.ID), string(m.ResourceKey))
		tx.sadd(primaryResourcesKey(dim, m.Key), ref(int64(res.ID), m.ResourceKey))
		return nil

	case core.MutationDeleteResourceID:
		if _, ok := topo.Resource(m.ResourceID); !ok {
			return fmt.Errorf("%w: resource %d", core.ErrNotFound, m.ResourceID)
		}
		owner, found, err := tx.get(ctx, resourceKey(dim, m.ResourceID, m.ResourceKey))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: resource id %s", core.ErrNotFound, m.ResourceKey)
		}
		tx.srem(primaryResourcesKey(dim, core.Key(owner)), ref(int64(m.ResourceID), m.ResourceKey))
		return s.deleteResourceKey(ctx, tx, dim, m.ResourceID, m.ResourceKey)

	case core.MutationInsertSecondaryIndexKey:
		idx, res, ok := topo.Index(m.IndexID)
		if !ok {
			return fmt.Errorf("%w: index %d", core.ErrNotFound, m.IndexID)
		}
		if err := schema.CheckKey(m.IndexKey, idx.ColumnType); err != nil {
			return err
		}
		if _, found, err := tx.get(ctx, resourceKey(dim, res.ID, m.ResourceKey)); err != nil {
			return err
		} else if !found {
			return fmt.Errorf("%w: %s %s referenced by %s", core.ErrOrphanKey, res.Name, m.ResourceKey, idx.Name)
		}
		tx.sadd(secondaryKey(dim, idx.ID, m.IndexKey), string(m.ResourceKey))
		tx.sadd(secondaryMembersKey(dim, idx.ID), string(m.IndexKey))
		tx.sadd(resourceIndexesKey(dim, res.ID, m.ResourceKey), ref(int64(idx.ID), m.IndexKey))
		return nil

	case core.MutationDeleteSecondaryIndexKey:
		_, res, ok := topo.Index(m.IndexID)
		if !ok {
			return fmt.Errorf("%w: index %d", core.ErrNotFound, m.IndexID)
		}
		refs, err := tx.members(ctx, secondaryKey(dim, m.IndexID, m.IndexKey))
		if err != nil {
			return err
		}
		if !slices.Contains(refs, string(m.ResourceKey)) {
			return fmt.Errorf("%w: index key %s -> %s", core.ErrNotFound, m.IndexKey, m.ResourceKey)
		}
		tx.srem(resourceIndexesKey(dim, res.ID, m.ResourceKey), ref(int64(m.IndexID), m.IndexKey))
		return unlinkSecondary(ctx, tx, dim, m.IndexID, m.IndexKey, m.ResourceKey)
	}

	return fmt.Errorf("%w: unknown mutation %d", core.ErrValidation, m.Kind)
}

func (s *Store) applyTopology(ctx context.Context, tx *txn, dim string, topo *core.PartitionDimension, m core.Mutation) error {
	updated, err := schema.Apply(topo, m)
	if err != nil {
		return err
	}

	switch m.Kind {
	case core.MutationRemoveNode:
		keys, err := tx.members(ctx, nodeKeysKey(dim, m.NodeID))
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			return fmt.Errorf("%w: node %d still holds %d keys", core.ErrValidation, m.NodeID, len(keys))
		}

	case core.MutationRemoveResource:
		res, _ := topo.Resource(m.ResourceID)
		for _, idx := range res.Indexes {
			if err := s.dropIndex(ctx, tx, dim, res.ID, idx.ID); err != nil {
				return err
			}
		}
		keys, err := tx.members(ctx, resourceMembersKey(dim, res.ID))
		if err != nil {
			return err
		}
		for _, k := range keys {
			owner, found, err := tx.get(ctx, resourceKey(dim, res.ID, core.Key(k)))
			if err != nil {
				return err
			}
			if found {
				tx.srem(primaryResourcesKey(dim, core.Key(owner)), ref(int64(res.ID), core.Key(k)))
			}
			if err := s.deleteResourceKey(ctx, tx, dim, res.ID, core.Key(k)); err != nil {
				return err
			}
		}

	case core.MutationRemoveSecondaryIndex:
		_, owner, _ := topo.Index(m.IndexID)
		if err := s.dropIndex(ctx, tx, dim, owner.ID, m.IndexID); err != nil {
			return err
		}
	}

	return putJSON(tx, topologyKey(dim), updated)
}

func (s *Store) deletePrimaryKey(ctx context.Context, tx *txn, dim string, key core.Key) error {
	nodes, err := nodesOf(ctx, tx, dim, key)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		tx.srem(nodeKeysKey(dim, n), string(key))
	}

	refs, err := tx.members(ctx, primaryResourcesKey(dim, key))
	if err != nil {
		return err
	}
	for _, r := range refs {
		res, rkey, err := parseRef(r)
		if err != nil {
			return err
		}
		tx.srem(primaryResourcesKey(dim, key), r)
		if err := s.deleteResourceKey(ctx, tx, dim, core.ResourceID(res), rkey); err != nil {
			return err
		}
	}

	tx.del(primaryKey(dim, key))
	tx.deleteCounter(statisticsKey(dim, key))
	return nil
}

// deleteResourceKey removes a resource id and every secondary index entry
// pointing at it. The owning primary key's reference set is left to the caller.
func (s *Store) deleteResourceKey(ctx context.Context, tx *txn, dim string, res core.ResourceID, key core.Key) error {
	refs, err := tx.members(ctx, resourceIndexesKey(dim, res, key))
	if err != nil {
		return err
	}
	for _, r := range refs {
		idx, ikey, err := parseRef(r)
		if err != nil {
			return err
		}
		tx.srem(resourceIndexesKey(dim, res, key), r)
		if err := unlinkSecondary(ctx, tx, dim, core.IndexID(idx), ikey, key); err != nil {
			return err
		}
	}
	tx.del(resourceKey(dim, res, key))
	tx.srem(resourceMembersKey(dim, res), string(key))
	return nil
}

func (s *Store) dropIndex(ctx context.Context, tx *txn, dim string, owner core.ResourceID, idx core.IndexID) error {
	ikeys, err := tx.members(ctx, secondaryMembersKey(dim, idx))
	if err != nil {
		return err
	}
	for _, ik := range ikeys {
		rkeys, err := tx.members(ctx, secondaryKey(dim, idx, core.Key(ik)))
		if err != nil {
			return err
		}
		for _, rk := range rkeys {
			tx.srem(secondaryKey(dim, idx, core.Key(ik)), rk)
			tx.srem(resourceIndexesKey(dim, owner, core.Key(rk)), ref(int64(idx), core.Key(ik)))
		}
		tx.srem(secondaryMembersKey(dim, idx), ik)
	}
	return nil
}

func unlinkSecondary(ctx context.Context, tx *txn, dim string, idx core.IndexID, ikey, rkey core.Key) error {
	tx.srem(secondaryKey(dim, idx, ikey), string(rkey))
	rest, err := tx.members(ctx, secondaryKey(dim, idx, ikey))
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		tx.srem(secondaryMembersKey(dim, idx), string(ikey))
	}
	return nil
}

// NodesOfPrimaryKey returns the nodes a primary key resolves to.
func (s *Store) NodesOfPrimaryKey(ctx context.Context, dimension string, key core.Key) ([]core.NodeID, error) {
	return nodesOf(ctx, s.backend, dimension, key)
}

// PrimaryKeyOfResource returns the primary key that owns a resource id.
func (s *Store) PrimaryKeyOfResource(ctx context.Context, dimension string, res core.ResourceID, key core.Key) (core.Key, error) {
	raw, found, err := s.backend.get(ctx, resourceKey(dimension, res, key))
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: resource id %s", core.ErrNotFound, key)
	}
	return core.Key(raw), nil
}

// ResourceKeysOfSecondaryKey returns the resource ids an index key points at.
func (s *Store) ResourceKeysOfSecondaryKey(ctx context.Context, dimension string, idx core.IndexID, key core.Key) ([]core.Key, error) {
	members, err := s.backend.members(ctx, secondaryKey(dimension, idx, key))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: index key %s", core.ErrNotFound, key)
	}
	out := make([]core.Key, len(members))
	for i, m := range members {
		out[i] = core.Key(m)
	}
	slices.SortFunc(out, core.CompareKeys)
	return out, nil
}

// AdjustChildRecordCount atomically moves a key's counter by delta.
func (s *Store) AdjustChildRecordCount(ctx context.Context, dimension string, key core.Key, delta int64, now time.Time) (core.PartitionKeyStatistics, error) {
	row, err := s.backend.adjust(ctx, statisticsKey(dimension, key), delta, now)
	if err != nil {
		return core.PartitionKeyStatistics{}, fmt.Errorf("failed to adjust statistics of %s: %w", key, err)
	}
	return rowStatistics(dimension, key, row), nil
}

// KeyStatistics returns the counter of one key.
func (s *Store) KeyStatistics(ctx context.Context, dimension string, key core.Key) (core.PartitionKeyStatistics, error) {
	row, found, err := s.backend.counter(ctx, statisticsKey(dimension, key))
	if err != nil {
		return core.PartitionKeyStatistics{}, err
	}
	if !found {
		return core.PartitionKeyStatistics{}, fmt.Errorf("%w: statistics of %s", core.ErrNotFound, key)
	}
	return rowStatistics(dimension, key, row), nil
}

// KeyStatisticsOfNode returns the counters of every key assigned to a node.
func (s *Store) KeyStatisticsOfNode(ctx context.Context, dimension string, node core.NodeID) ([]core.PartitionKeyStatistics, error) {
	keys, err := s.backend.members(ctx, nodeKeysKey(dimension, node))
	if err != nil {
		return nil, err
	}
	out := make([]core.PartitionKeyStatistics, 0, len(keys))
	for _, k := range keys {
		row, found, err := s.backend.counter(ctx, statisticsKey(dimension, core.Key(k)))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		out = append(out, rowStatistics(dimension, core.Key(k), row))
	}
	slices.SortFunc(out, func(a, b core.PartitionKeyStatistics) int { return core.CompareKeys(a.Key, b.Key) })
	return out, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.close()
}

func rowStatistics(dim string, key core.Key, row counterRow) core.PartitionKeyStatistics {
	return core.PartitionKeyStatistics{
		Dimension:        dim,
		Key:              key,
		NodeID:           row.NodeID,
		ChildRecordCount: row.Count,
		LastUpdated:      row.Updated,
	}
}

func readSemaphore(ctx context.Context, r kvReader, dim string) (core.Semaphore, error) {
	var sem core.Semaphore
	raw, found, err := r.get(ctx, semaphoreKey(dim))
	if err != nil {
		return sem, err
	}
	if !found {
		return sem, fmt.Errorf("%w: dimension %s", core.ErrNotFound, dim)
	}
	if err := json.Unmarshal(raw, &sem); err != nil {
		return sem, fmt.Errorf("failed to decode semaphore of %s: %w", dim, err)
	}
	return sem, nil
}

func readTopology(ctx context.Context, r kvReader, dim string) (*core.PartitionDimension, error) {
	raw, found, err := r.get(ctx, topologyKey(dim))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: dimension %s", core.ErrNotFound, dim)
	}
	var d core.PartitionDimension
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode topology of %s: %w", dim, err)
	}
	return &d, nil
}

func nodesOf(ctx context.Context, r kvReader, dim string, key core.Key) ([]core.NodeID, error) {
	raw, found, err := r.get(ctx, primaryKey(dim, key))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: primary key %s", core.ErrNotFound, key)
	}
	var nodes []core.NodeID
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes of %s: %w", key, err)
	}
	return nodes, nil
}

func putJSON(tx *txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	tx.put(key, data)
	return nil
}
