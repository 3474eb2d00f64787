package hive

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
	_ "github.com/rzpsarthak13/hive/internal/database" // registers the mysql store
	"github.com/rzpsarthak13/hive/internal/directory"
	"github.com/rzpsarthak13/hive/internal/kvstore"
	"github.com/rzpsarthak13/hive/internal/planner"
	"github.com/rzpsarthak13/hive/internal/resolve"
)

// Client opens the dimensions of one metadata store. Each dimension gets a
// Hive, created on first use and shared afterwards.
//
// Typical usage:
//
//	client, _ := hive.Open(cfg, log)
//	defer client.Close()
//
//	h, _ := client.Dimension(ctx, "users")
//	h.Start(ctx)
//	nodes, _ := h.Insert(ctx, "42")
type Client struct {
	store core.Store
	opts  []Option
	log   *zap.SugaredLogger

	mu     sync.Mutex
	hives  map[string]*Hive
	redis  *redis.Client
	closed bool
}

// NewClient creates a client over store. opts apply to every dimension.
func NewClient(store core.Store, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		store: store,
		opts:  opts,
		log:   o.log,
		hives: make(map[string]*Hive),
	}
}

// Open builds the store, cache and options described by cfg.
func Open(cfg *Config, log *zap.SugaredLogger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", core.ErrValidation)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var rc *redis.Client
	if cfg.NeedsRedis() {
		c, err := kvstore.NewRedisClient(cfg.RedisConfig())
		if err != nil {
			return nil, err
		}
		rc = c
	}
	closeRedis := func() {
		if rc != nil {
			_ = rc.Close()
		}
	}

	store, err := kvstore.Create(cfg.StoreConfig(), log)
	if err != nil {
		closeRedis()
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Store.Type, err)
	}

	opts, err := optionsFromConfig(cfg, rc, log)
	if err != nil {
		closeRedis()
		_ = store.Close()
		return nil, err
	}

	c := NewClient(store, opts...)
	c.redis = rc
	return c, nil
}

func optionsFromConfig(cfg *Config, rc *redis.Client, log *zap.SugaredLogger) ([]Option, error) {
	sc := cfg.SyncConfig()
	opts := []Option{
		WithLogger(log),
		WithSync(sc.PollInterval, sc.ReadTimeout),
		WithReplicas(cfg.Directory.Replicas),
		WithMaxIterations(cfg.Planner.MaxIterations),
		WithTopologyURI(cfg.Planner.TopologyURI),
	}

	if cfg.Directory.Assigner != "" {
		a, ok := directory.AssignerByName(cfg.Directory.Assigner)
		if !ok {
			return nil, fmt.Errorf("%w: unknown assigner %q", core.ErrValidation, cfg.Directory.Assigner)
		}
		opts = append(opts, WithAssigner(a))
	}

	if cfg.Planner.PerRecordMoveTime > 0 {
		e := planner.NewHalfFullEstimator()
		e.PerRecordMoveTime = cfg.Planner.PerRecordMoveTime
		opts = append(opts, WithEstimator(e))
	}

	switch cfg.Cache.Type {
	case "redis":
		opts = append(opts, WithCache(resolve.NewRedisCache(rc, cfg.Cache.Namespace, cfg.Cache.TTL, log)))
	case "", "lru":
		if cfg.Cache.Size > 0 {
			c, err := resolve.NewLRUCache(cfg.Cache.Size)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithCache(c))
		}
	default:
		return nil, fmt.Errorf("%w: unknown cache type %q", core.ErrValidation, cfg.Cache.Type)
	}
	return opts, nil
}

// Store returns the metadata store.
func (c *Client) Store() core.Store { return c.store }

// RedisClient returns the Redis client opened for the cache or queue, or nil.
func (c *Client) RedisClient() *redis.Client { return c.redis }

// AddPartitionDimension installs a new dimension and returns its snapshot
// with store-assigned ids.
func (c *Client) AddPartitionDimension(ctx context.Context, d *PartitionDimension) (*Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := c.store.CreateDimension(ctx, d)
	if err != nil {
		return nil, err
	}
	c.log.Infow("partition dimension created",
		zap.String("dimension", d.Name),
		zap.Int("nodes", len(snap.Dimension.Nodes)),
		zap.Int("resources", len(snap.Dimension.Resources)),
	)
	return snap, nil
}

// Dimension returns the Hive of an existing dimension. The Hive is not
// started; call Start to keep its snapshot current in the background.
func (c *Client) Dimension(ctx context.Context, name string) (*Hive, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if h, ok := c.hives[name]; ok {
		return h, nil
	}

	if _, err := c.store.ReadSemaphore(ctx, name); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range c.opts {
		opt(&o)
	}
	h, err := newHive(c.store, name, o)
	if err != nil {
		return nil, err
	}
	c.hives[name] = h
	return h, nil
}

// Dimensions returns the names of the dimensions opened so far.
func (c *Client) Dimensions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.hives))
	for name := range c.hives {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close stops every Hive and closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hives := make([]*Hive, 0, len(c.hives))
	for _, h := range c.hives {
		hives = append(hives, h)
	}
	c.mu.Unlock()

	for _, h := range hives {
		h.Stop()
	}
	var errs []error
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}
