package hive

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/directory"
	"github.com/rzpsarthak13/hive/internal/planner"
	"github.com/rzpsarthak13/hive/internal/resolve"
	"github.com/rzpsarthak13/hive/internal/statistics"
	"github.com/rzpsarthak13/hive/internal/topologysync"
)

const defaultMaxRetries = 3

// Option configures the Hive of each dimension a Client opens.
type Option func(*options)

type options struct {
	assigner      directory.Assigner
	replicas      int
	cache         resolve.Cache
	pollInterval  time.Duration
	readTimeout   time.Duration
	estimator     planner.Estimator
	maxIterations int
	topologyURI   string
	maxRetries    int
	log           *zap.SugaredLogger
	now           func() time.Time
}

func defaultOptions() options {
	return options{
		estimator:  planner.NewHalfFullEstimator(),
		maxRetries: defaultMaxRetries,
		log:        zap.NewNop().Sugar(),
		now:        time.Now,
	}
}

// WithAssigner sets the placement policy for new keys.
func WithAssigner(a directory.Assigner) Option { return func(o *options) { o.assigner = a } }

// WithReplicas sets how many nodes a new key is placed on.
func WithReplicas(n int) Option { return func(o *options) { o.replicas = n } }

// WithCache replaces the in-process placement cache.
func WithCache(c resolve.Cache) Option { return func(o *options) { o.cache = c } }

// WithSync sets the sync daemon's poll interval and read timeout.
func WithSync(poll, readTimeout time.Duration) Option {
	return func(o *options) {
		o.pollInterval = poll
		o.readTimeout = readTimeout
	}
}

// WithEstimator replaces the half-full estimator used for planning.
func WithEstimator(e planner.Estimator) Option {
	return func(o *options) {
		if e != nil {
			o.estimator = e
		}
	}
}

// WithMaxIterations bounds the planner loop.
func WithMaxIterations(n int) Option { return func(o *options) { o.maxIterations = n } }

// WithTopologyURI sets the topology URI stamped on planned migrations.
func WithTopologyURI(uri string) Option { return func(o *options) { o.topologyURI = uri } }

// WithMaxRetries bounds how often a mutation is retried after
// ErrStaleMetadata. 1 disables retries.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock overrides the clock used for statistics and migrations.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Hive is the working context of one partition dimension: its directory,
// statistics, planner, resolver and sync daemon. Mutations fetch the
// current revision themselves and retry when another writer got there first.
type Hive struct {
	name  string
	store core.Store
	opts  options
	log   *zap.SugaredLogger

	dir      *directory.Directory
	tracker  *statistics.Tracker
	resolver *resolve.Resolver
	planner  *planner.Planner
	daemon   *topologysync.Daemon

	// local is the daemon snapshot advanced by this process's own
	// directory commits, which leave the topology unchanged.
	local atomic.Pointer[core.Snapshot]

	mu          sync.Mutex
	unsubscribe func()
}

func newHive(store core.Store, name string, o options) (*Hive, error) {
	var dirOpts []directory.Option
	if o.assigner != nil {
		dirOpts = append(dirOpts, directory.WithAssigner(o.assigner))
	}
	if o.replicas > 0 {
		dirOpts = append(dirOpts, directory.WithReplicas(o.replicas))
	}
	dirOpts = append(dirOpts, directory.WithLogger(o.log))

	res, err := resolve.New(store, name, resolve.WithCache(o.cache), resolve.WithLogger(o.log))
	if err != nil {
		return nil, err
	}

	var planOpts []planner.Option
	if o.maxIterations > 0 {
		planOpts = append(planOpts, planner.WithMaxIterations(o.maxIterations))
	}
	planOpts = append(planOpts, planner.WithLogger(o.log), planner.WithClock(o.now))

	h := &Hive{
		name:     name,
		store:    store,
		opts:     o,
		log:      o.log.With(zap.String("dimension", name)),
		dir:      directory.New(store, name, dirOpts...),
		tracker:  statistics.New(store, name, statistics.WithLogger(o.log), statistics.WithClock(o.now)),
		resolver: res,
		planner:  planner.New(o.estimator, planOpts...),
		daemon: topologysync.New(store, topologysync.Config{
			Dimension:    name,
			PollInterval: o.pollInterval,
			ReadTimeout:  o.readTimeout,
		}, o.log),
	}
	h.dir.Hooks().Register(res)
	return h, nil
}

// Name returns the dimension name.
func (h *Hive) Name() string { return h.name }

// Directory returns the key directory.
func (h *Hive) Directory() *directory.Directory { return h.dir }

// Tracker returns the statistics tracker.
func (h *Hive) Tracker() *statistics.Tracker { return h.tracker }

// Resolver returns the cached resolver.
func (h *Hive) Resolver() *resolve.Resolver { return h.resolver }

// Planner returns the move planner.
func (h *Hive) Planner() *planner.Planner { return h.planner }

// Daemon returns the topology sync daemon.
func (h *Hive) Daemon() *topologysync.Daemon { return h.daemon }

// Start runs the sync daemon and purges the placement cache whenever it
// installs a new revision.
func (h *Hive) Start(ctx context.Context) error {
	if err := h.daemon.Start(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.unsubscribe = h.daemon.Subscribe(h.resolver.ObserveSnapshot)
	h.mu.Unlock()
	return nil
}

// Stop halts the sync daemon.
func (h *Hive) Stop() {
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.mu.Unlock()
	h.daemon.Stop()
}

// Snapshot returns the newest snapshot known to this process, loading it
// from the store if the daemon has none yet.
func (h *Hive) Snapshot(ctx context.Context) (*core.Snapshot, error) {
	cur := h.daemon.Current()
	if cur == nil {
		if _, err := h.daemon.Refresh(ctx); err != nil {
			return nil, err
		}
		if cur = h.daemon.Current(); cur == nil {
			return nil, fmt.Errorf("%w: dimension %s", core.ErrNotFound, h.name)
		}
	}
	if local := h.local.Load(); local != nil && local.Revision() > cur.Revision() {
		return local, nil
	}
	return cur, nil
}

// Refresh reloads the snapshot from the store.
func (h *Hive) Refresh(ctx context.Context) (*core.Snapshot, error) {
	if _, err := h.daemon.Refresh(ctx); err != nil {
		return nil, err
	}
	return h.Snapshot(ctx)
}

// advance records that a directory commit moved the revision from snap to rev.
func (h *Hive) advance(snap *core.Snapshot, rev core.Revision) {
	next := &core.Snapshot{
		Dimension: snap.Dimension,
		Semaphore: core.Semaphore{Status: snap.Semaphore.Status, Revision: rev},
	}
	for {
		old := h.local.Load()
		if old != nil && old.Revision() >= rev {
			return
		}
		if h.local.CompareAndSwap(old, next) {
			return
		}
	}
}

// withRetry runs fn against the current snapshot, reloading and retrying
// on ErrStaleMetadata.
func (h *Hive) withRetry(ctx context.Context, op string, fn func(snap *core.Snapshot) error) error {
	for attempt := 1; ; attempt++ {
		snap, err := h.Snapshot(ctx)
		if err != nil {
			return err
		}
		err = fn(snap)
		if !errors.Is(err, core.ErrStaleMetadata) || attempt >= h.opts.maxRetries {
			return err
		}
		h.log.Debugw("retrying stale mutation", zap.String("op", op), zap.Int("attempt", attempt))
		if _, err := h.daemon.Refresh(ctx); err != nil {
			return err
		}
	}
}

func (h *Hive) parse(snap *core.Snapshot, key core.Key) (core.Key, error) {
	return core.ParseKey(string(key), snap.Dimension.KeyType)
}

// Resolve returns the nodes holding key.
func (h *Hive) Resolve(ctx context.Context, key core.Key) ([]core.NodeID, error) {
	snap, err := h.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	canonical, err := h.parse(snap, key)
	if err != nil {
		return nil, err
	}
	return h.resolver.Resolve(ctx, canonical)
}

// ResolveSecondary returns the primary keys an index key leads to.
func (h *Hive) ResolveSecondary(ctx context.Context, resource, index string, indexKey core.Key) ([]core.Key, error) {
	snap, err := h.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	idx, ok := snap.Dimension.IndexByName(resource, index)
	if !ok {
		return nil, fmt.Errorf("%w: index %s.%s", core.ErrNotFound, resource, index)
	}
	canonical, err := core.ParseKey(string(indexKey), idx.ColumnType)
	if err != nil {
		return nil, err
	}
	return h.dir.GetPrimaryIndexKeysOfSecondaryIndexKey(ctx, idx, canonical)
}

// Insert places a new primary key and returns the nodes chosen for it.
func (h *Hive) Insert(ctx context.Context, key core.Key) ([]core.NodeID, error) {
	var nodes []core.NodeID
	err := h.withRetry(ctx, "insert", func(snap *core.Snapshot) error {
		n, rev, err := h.dir.InsertPrimaryIndexKey(ctx, snap.Revision(), snap, key)
		if err != nil {
			return err
		}
		h.advance(snap, rev)
		nodes = n
		return nil
	})
	return nodes, err
}

// InsertAt places a new primary key on the given nodes.
func (h *Hive) InsertAt(ctx context.Context, key core.Key, nodes []core.NodeID) error {
	return h.withRetry(ctx, "insert", func(snap *core.Snapshot) error {
		canonical, err := h.parse(snap, key)
		if err != nil {
			return err
		}
		rev, err := h.dir.InsertPrimaryIndexKeyAt(ctx, snap.Revision(), canonical, nodes)
		if err != nil {
			return err
		}
		h.advance(snap, rev)
		return nil
	})
}

// Delete removes a primary key and everything filed under it.
func (h *Hive) Delete(ctx context.Context, key core.Key) error {
	return h.withRetry(ctx, "delete", func(snap *core.Snapshot) error {
		canonical, err := h.parse(snap, key)
		if err != nil {
			return err
		}
		rev, err := h.dir.DeletePrimaryIndexKey(ctx, snap.Revision(), canonical)
		if err != nil {
			return err
		}
		h.advance(snap, rev)
		return nil
	})
}

// Repoint moves a primary key to nodes. It is accepted while locked.
func (h *Hive) Repoint(ctx context.Context, key core.Key, nodes []core.NodeID) error {
	return h.withRetry(ctx, "repoint", func(snap *core.Snapshot) error {
		canonical, err := h.parse(snap, key)
		if err != nil {
			return err
		}
		rev, err := h.dir.UpdateNodeOfPrimaryIndexKey(ctx, snap.Revision(), canonical, nodes)
		if err != nil {
			return err
		}
		h.advance(snap, rev)
		return nil
	})
}

// CompleteMigration records that m's data now lives on its destination by
// replacing the origin in the key's node list. A migration already
// recorded is a no-op.
func (h *Hive) CompleteMigration(ctx context.Context, m *core.Migration) error {
	return h.withRetry(ctx, "migrate", func(snap *core.Snapshot) error {
		nodes, err := h.dir.GetNodeIDsOfPrimaryIndexKey(ctx, m.Key)
		if err != nil {
			return err
		}
		i := slices.Index(nodes, m.OriginNodeID)
		if i < 0 {
			if slices.Contains(nodes, m.DestinationNodeID) {
				return nil
			}
			return fmt.Errorf("%w: key %s is no longer on node %d", core.ErrValidation, m.Key, m.OriginNodeID)
		}

		next := slices.Clone(nodes)
		if slices.Contains(nodes, m.DestinationNodeID) {
			next = slices.Delete(next, i, i+1)
		} else {
			next[i] = m.DestinationNodeID
		}
		rev, err := h.dir.UpdateNodeOfPrimaryIndexKey(ctx, snap.Revision(), m.Key, next)
		if err != nil {
			return err
		}
		h.advance(snap, rev)
		return nil
	})
}

func (h *Hive) resource(snap *core.Snapshot, name string) (core.Resource, error) {
	r, ok := snap.Dimension.ResourceByName(name)
	if !ok {
		return core.Resource{}, fmt.Errorf("%w: resource %s", core.ErrNotFound, name)
	}
	return r, nil
}

// InsertResourceID files a resource id under an existing primary key.
func (h *Hive) InsertResourceID(ctx context.Context, resource string, id, primaryKey core.Key) error {
	return h.withRetry(ctx, "insert resource id", func(snap *core.Snapshot) error {
		r, err := h.resource(snap, resource)
		if err != nil {
			return err
		}
		rid, err := core.ParseKey(string(id), r.ColumnType)
		if err != nil {
			return err
		}
		pk, err := h.parse(snap, primaryKey)
		if err != nil {
			return err
		}
		rev, err := h.dir.InsertResourceID(ctx, snap.Revision(), r.ID, rid, pk)
		if err != nil {
			return err
		}
		h.advance(snap, rev)
		return nil
	})
}

// DeleteResourceID removes a resource id.
func (h *Hive) DeleteResourceID(ctx context.Context, resource string, id core.Key) error {
	return h.withRetry(ctx, "delete resource id", func(snap *core.Snapshot) error {
		r, err := h.resource(snap, resource)
		if err != nil {
			return err
		}
		rid, err := core.ParseKey(string(id), r.ColumnType)
		if err != nil {
			return err
		}
		rev, err := h.dir.DeleteResourceID(ctx, snap.Revision(), r.ID, rid)
		if err != nil {
			return err
		}
		h.advance(snap, rev)
		return nil
	})
}

// InsertSecondaryIndexKey points an index key at a resource id.
func (h *Hive) InsertSecondaryIndexKey(ctx context.Context, resource, index string, indexKey, id core.Key) error {
	return h.secondary(ctx, "insert index key", resource, index, indexKey, id, h.dir.InsertSecondaryIndexKey)
}

// DeleteSecondaryIndexKey removes one index key entry.
func (h *Hive) DeleteSecondaryIndexKey(ctx context.Context, resource, index string, indexKey, id core.Key) error {
	return h.secondary(ctx, "delete index key", resource, index, indexKey, id, h.dir.DeleteSecondaryIndexKey)
}

type indexMutation func(ctx context.Context, token core.Revision, index core.IndexID, indexKey, resourceID core.Key) (core.Revision, error)

func (h *Hive) secondary(ctx context.Context, op, resource, index string, indexKey, id core.Key, apply indexMutation) error {
	return h.withRetry(ctx, op, func(snap *core.Snapshot) error {
		r, err := h.resource(snap, resource)
		if err != nil {
			return err
		}
		idx, ok := snap.Dimension.IndexByName(resource, index)
		if !ok {
			return fmt.Errorf("%w: index %s.%s", core.ErrNotFound, resource, index)
		}
		ikey, err := core.ParseKey(string(indexKey), idx.ColumnType)
		if err != nil {
			return err
		}
		rid, err := core.ParseKey(string(id), r.ColumnType)
		if err != nil {
			return err
		}
		rev, err := apply(ctx, snap.Revision(), idx.ID, ikey, rid)
		if err != nil {
			return err
		}
		h.advance(snap, rev)
		return nil
	})
}

// commitTopology applies a topology or status change and reloads the snapshot.
func (h *Hive) commitTopology(ctx context.Context, op string, m func(snap *core.Snapshot) (core.Mutation, error)) (*core.Snapshot, error) {
	err := h.withRetry(ctx, op, func(snap *core.Snapshot) error {
		mut, err := m(snap)
		if err != nil {
			return err
		}
		_, err = h.store.Commit(ctx, h.name, snap.Revision(), mut)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.log.Infow("topology changed", zap.String("op", op))
	return h.Refresh(ctx)
}

func constant(m core.Mutation) func(*core.Snapshot) (core.Mutation, error) {
	return func(*core.Snapshot) (core.Mutation, error) { return m, nil }
}

// AddNode adds a node and returns it with its assigned id.
func (h *Hive) AddNode(ctx context.Context, n core.Node) (core.Node, error) {
	snap, err := h.commitTopology(ctx, "add node", constant(core.AddNode(n)))
	if err != nil {
		return core.Node{}, err
	}
	added, ok := snap.Dimension.NodeByName(n.Name)
	if !ok {
		return core.Node{}, fmt.Errorf("%w: node %s missing after commit", core.ErrStaleMetadata, n.Name)
	}
	return added, nil
}

// UpdateNode changes a node's uri, dialect, capacity or read-only flag.
func (h *Hive) UpdateNode(ctx context.Context, n core.Node) error {
	_, err := h.commitTopology(ctx, "update node", constant(core.UpdateNode(n)))
	return err
}

// RemoveNode removes a node that holds no keys.
func (h *Hive) RemoveNode(ctx context.Context, id core.NodeID) error {
	_, err := h.commitTopology(ctx, "remove node", constant(core.RemoveNode(id)))
	return err
}

// AddResource adds a resource and its indexes.
func (h *Hive) AddResource(ctx context.Context, r core.Resource) (core.Resource, error) {
	snap, err := h.commitTopology(ctx, "add resource", constant(core.AddResource(r)))
	if err != nil {
		return core.Resource{}, err
	}
	added, ok := snap.Dimension.ResourceByName(r.Name)
	if !ok {
		return core.Resource{}, fmt.Errorf("%w: resource %s missing after commit", core.ErrStaleMetadata, r.Name)
	}
	return added, nil
}

// RemoveResource removes a resource, its indexes and its directory entries.
func (h *Hive) RemoveResource(ctx context.Context, id core.ResourceID) error {
	_, err := h.commitTopology(ctx, "remove resource", constant(core.RemoveResource(id)))
	return err
}

// AddSecondaryIndex adds an index to the named resource.
func (h *Hive) AddSecondaryIndex(ctx context.Context, resource string, idx core.SecondaryIndex) (core.SecondaryIndex, error) {
	snap, err := h.commitTopology(ctx, "add index", func(snap *core.Snapshot) (core.Mutation, error) {
		r, err := h.resource(snap, resource)
		if err != nil {
			return core.Mutation{}, err
		}
		idx.ResourceID = r.ID
		return core.AddSecondaryIndex(idx), nil
	})
	if err != nil {
		return core.SecondaryIndex{}, err
	}
	added, ok := snap.Dimension.IndexByName(resource, idx.Name)
	if !ok {
		return core.SecondaryIndex{}, fmt.Errorf("%w: index %s missing after commit", core.ErrStaleMetadata, idx.Name)
	}
	return added, nil
}

// RemoveSecondaryIndex removes an index and its entries.
func (h *Hive) RemoveSecondaryIndex(ctx context.Context, id core.IndexID) error {
	_, err := h.commitTopology(ctx, "remove index", constant(core.RemoveSecondaryIndex(id)))
	return err
}

// Lock makes the dimension read-only. Only repoints are accepted until Unlock.
func (h *Hive) Lock(ctx context.Context) error {
	_, err := h.commitTopology(ctx, "lock", constant(core.SetStatus(core.StatusReadOnly)))
	return err
}

// Unlock makes the dimension writable again.
func (h *Hive) Unlock(ctx context.Context) error {
	_, err := h.commitTopology(ctx, "unlock", constant(core.SetStatus(core.StatusWritable)))
	return err
}

// IncrementChildRecordCount adds n to key's record count.
func (h *Hive) IncrementChildRecordCount(ctx context.Context, key core.Key, n int64) (core.PartitionKeyStatistics, error) {
	return h.tracker.IncrementChildRecordCount(ctx, key, n)
}

// DecrementChildRecordCount subtracts n from key's record count, stopping at zero.
func (h *Hive) DecrementChildRecordCount(ctx context.Context, key core.Key, n int64) (core.PartitionKeyStatistics, error) {
	return h.tracker.DecrementChildRecordCount(ctx, key, n)
}

// NodeStatistics returns the load of every node at one revision.
func (h *Hive) NodeStatistics(ctx context.Context) ([]core.NodeStatistics, error) {
	return h.tracker.NodeStatistics(ctx)
}

// PlanMoves computes a move plan from the current statistics.
func (h *Hive) PlanMoves(ctx context.Context) (planner.Plan, error) {
	stats, err := h.tracker.NodeStatistics(ctx)
	if err != nil {
		return planner.Plan{}, fmt.Errorf("failed to read node statistics: %w", err)
	}
	return h.planner.Plan(h.name, h.opts.topologyURI, stats), nil
}

// ComputeMovePlan returns the migrations that would bring every node under
// half of its capacity. It only reads.
func (h *Hive) ComputeMovePlan(ctx context.Context) ([]core.Migration, error) {
	plan, err := h.PlanMoves(ctx)
	if err != nil {
		return nil, err
	}
	return plan.Migrations, nil
}
