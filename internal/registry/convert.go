package registry

import (
	"fmt"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/health"
	"github.com/rzpsarthak13/hive/internal/kvstore"
	"github.com/rzpsarthak13/hive/internal/movequeue"
	"github.com/rzpsarthak13/hive/internal/schema"
	"github.com/rzpsarthak13/hive/internal/topologysync"
)

// StoreConfig returns the settings kvstore.Create needs.
func (c *Config) StoreConfig() kvstore.StoreConfig {
	r, d, m := c.Store.Redis, c.Store.DynamoDB, c.Store.MySQL
	return kvstore.StoreConfig{
		Type:            c.Store.Type,
		Endpoints:       r.Endpoints,
		Password:        r.Password,
		DB:              r.DB,
		PoolSize:        r.PoolSize,
		MinIdleConns:    r.MinIdleConns,
		DialTimeout:     r.DialTimeout,
		ReadTimeout:     r.ReadTimeout,
		WriteTimeout:    r.WriteTimeout,
		Region:          d.Region,
		TableName:       d.TableName,
		Endpoint:        d.Endpoint,
		AccessKeyID:     d.AccessKeyID,
		SecretAccessKey: d.SecretAccessKey,
		DSN:             m.DSN,
		MaxOpenConns:    m.MaxOpenConns,
		MaxIdleConns:    m.MaxIdleConns,
		ConnMaxLifetime: m.ConnMaxLifetime,
		ConnMaxIdleTime: m.ConnMaxIdleTime,
	}
}

// RedisConfig returns the connection settings for Redis clients.
func (c *Config) RedisConfig() kvstore.RedisConfig {
	r := c.Store.Redis
	return kvstore.RedisConfig{
		Endpoints:    r.Endpoints,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
	}
}

// NeedsRedis reports whether the resolver cache or the migration queue uses
// Redis. The Redis store opens its own client.
func (c *Config) NeedsRedis() bool {
	return c.Queue.Type == "redis" || c.Cache.Type == "redis"
}

// SyncConfig returns the sync daemon settings.
func (c *Config) SyncConfig() topologysync.Config {
	return topologysync.Config{
		Dimension:    c.Dimension,
		PollInterval: c.Sync.PollInterval,
		ReadTimeout:  c.Sync.ReadTimeout,
	}
}

// HealthConfig returns the health monitor settings.
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		Interval:    c.Health.Interval,
		Timeout:     c.Health.Timeout,
		MaxFailures: c.Health.MaxFailures,
		Workers:     c.Health.Workers,
	}
}

// QueueConfig returns the migration queue settings.
func (c *Config) QueueConfig() movequeue.Config {
	q := c.Queue
	return movequeue.Config{
		Type:         q.Type,
		BufferSize:   q.BufferSize,
		RedisKey:     q.RedisKey,
		Brokers:      q.Kafka.Brokers,
		Topic:        q.Kafka.Topic,
		GroupID:      q.Kafka.GroupID,
		BatchTimeout: q.Kafka.BatchTimeout,
		WriteTimeout: q.Kafka.WriteTimeout,
		ReadTimeout:  q.Kafka.ReadTimeout,
		RequiredAcks: q.Kafka.RequiredAcks,
	}
}

// Dimension converts the declared topology into a dimension ready for
// installation. Key types may be logical ("int", "string", "uuid") or SQL
// column types such as BIGINT or VARCHAR(64). Ids are left for the store to
// assign.
func (t *TopologyConfig) Dimension() (*core.PartitionDimension, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: no topology declared", core.ErrValidation)
	}
	tm := schema.NewTypeMapper()
	columnType := func(what, declared string) (core.ColumnType, error) {
		if declared == "" {
			return "", nil
		}
		ct, err := tm.ColumnTypeOf(declared)
		if err != nil {
			return "", fmt.Errorf("%s: %w", what, err)
		}
		return ct, nil
	}

	keyType, err := columnType("dimension "+t.Name, t.KeyType)
	if err != nil {
		return nil, err
	}
	d := &core.PartitionDimension{Name: t.Name, KeyType: keyType}
	for _, n := range t.Nodes {
		d.Nodes = append(d.Nodes, core.Node{
			Name:     n.Name,
			URI:      n.URI,
			Dialect:  n.Dialect,
			Capacity: n.Capacity,
			ReadOnly: n.ReadOnly,
		})
	}
	for _, r := range t.Resources {
		ct, err := columnType("resource "+r.Name, r.KeyType)
		if err != nil {
			return nil, err
		}
		res := core.Resource{
			Name:                   r.Name,
			ColumnType:             ct,
			IsPartitioningResource: r.Partitioning,
		}
		if res.ColumnType == "" && r.Partitioning {
			res.ColumnType = d.KeyType
		}
		for _, idx := range r.Indexes {
			ct, err := columnType("index "+r.Name+"."+idx.Name, idx.KeyType)
			if err != nil {
				return nil, err
			}
			res.Indexes = append(res.Indexes, core.SecondaryIndex{Name: idx.Name, ColumnType: ct})
		}
		d.Resources = append(d.Resources, res)
	}
	return d, nil
}
