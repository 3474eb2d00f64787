package registry

import "time"

// Config is the configuration of one hived process.
type Config struct {
	// Environment selects the logger: "development" or "production".
	Environment string `yaml:"environment" json:"environment"`

	// Dimension is the partition dimension this process serves.
	Dimension string `yaml:"dimension" json:"dimension"`

	Store     StoreConfig     `yaml:"store" json:"store"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Directory DirectoryConfig `yaml:"directory" json:"directory"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Planner   PlannerConfig   `yaml:"planner" json:"planner"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Drain     DrainConfig     `yaml:"drain" json:"drain"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`

	// Topology declares the dimension installed by "hived bootstrap".
	Topology *TopologyConfig `yaml:"topology,omitempty" json:"topology,omitempty" ignored:"true"`
}

// StoreConfig selects the persisted metadata store.
type StoreConfig struct {
	Type string `yaml:"type" json:"type"`

	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb" json:"dynamodb"`
	MySQL    MySQLConfig    `yaml:"mysql" json:"mysql"`
}

// RedisConfig holds the Redis connection settings shared by the store,
// the Redis migration queue and the Redis placement cache.
type RedisConfig struct {
	Endpoints    []string      `yaml:"endpoints" json:"endpoints"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size" split_words:"true"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns" split_words:"true"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" split_words:"true"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" split_words:"true"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" split_words:"true"`
}

// DynamoDBConfig contains DynamoDB-specific configuration.
type DynamoDBConfig struct {
	Region          string `yaml:"region" json:"region"`
	TableName       string `yaml:"table_name" json:"table_name" split_words:"true"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty" split_words:"true"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty" split_words:"true"`
}

// MySQLConfig contains configuration for the MySQL store.
type MySQLConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" split_words:"true"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" split_words:"true"`
}

// SyncConfig controls the topology sync daemon.
type SyncConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" split_words:"true"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" split_words:"true"`
}

// DirectoryConfig controls placement of new keys.
type DirectoryConfig struct {
	// Assigner is "round-robin", "hash" or "capacity".
	Assigner string `yaml:"assigner" json:"assigner"`
	Replicas int    `yaml:"replicas" json:"replicas"`
}

// CacheConfig controls the placement cache used by resolves.
type CacheConfig struct {
	// Type is "lru" or "redis".
	Type      string        `yaml:"type" json:"type"`
	Size      int           `yaml:"size" json:"size"`
	Namespace string        `yaml:"namespace" json:"namespace"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
}

// HealthConfig controls node probing.
type HealthConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	MaxFailures int           `yaml:"max_failures" json:"max_failures" split_words:"true"`
	Workers     int           `yaml:"workers" json:"workers"`
}

// PlannerConfig controls move planning.
type PlannerConfig struct {
	PerRecordMoveTime time.Duration `yaml:"per_record_move_time" json:"per_record_move_time" split_words:"true"`
	MaxIterations     int           `yaml:"max_iterations" json:"max_iterations" split_words:"true"`
	TopologyURI       string        `yaml:"topology_uri" json:"topology_uri" split_words:"true"`
}

// QueueConfig selects the migration hand-off queue.
type QueueConfig struct {
	// Type is "memory", "redis" or "kafka".
	Type       string      `yaml:"type" json:"type"`
	BufferSize int         `yaml:"buffer_size" json:"buffer_size" split_words:"true"`
	RedisKey   string      `yaml:"redis_key" json:"redis_key" split_words:"true"`
	Kafka      KafkaConfig `yaml:"kafka" json:"kafka"`
}

// KafkaConfig contains Kafka-specific configuration.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	GroupID      string        `yaml:"group_id" json:"group_id" split_words:"true"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout" split_words:"true"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" split_words:"true"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" split_words:"true"`
	RequiredAcks int           `yaml:"required_acks" json:"required_acks" split_words:"true"`
}

// DrainConfig controls the migration drainer.
type DrainConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size" split_words:"true"`
	Rate         float64       `yaml:"rate" json:"rate"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" split_words:"true"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" split_words:"true"`
}

// HTTPConfig controls the hived HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// TopologyConfig declares a dimension in configuration files.
type TopologyConfig struct {
	Name      string           `yaml:"name" json:"name"`
	KeyType   string           `yaml:"key_type" json:"key_type"`
	Nodes     []NodeConfig     `yaml:"nodes" json:"nodes"`
	Resources []ResourceConfig `yaml:"resources" json:"resources"`
}

// NodeConfig declares one node.
type NodeConfig struct {
	Name     string  `yaml:"name" json:"name"`
	URI      string  `yaml:"uri" json:"uri"`
	Dialect  string  `yaml:"dialect" json:"dialect"`
	Capacity float64 `yaml:"capacity" json:"capacity"`
	ReadOnly bool    `yaml:"read_only" json:"read_only"`
}

// ResourceConfig declares one resource and its secondary indexes.
type ResourceConfig struct {
	Name         string        `yaml:"name" json:"name"`
	KeyType      string        `yaml:"key_type" json:"key_type"`
	Partitioning bool          `yaml:"partitioning" json:"partitioning"`
	Indexes      []IndexConfig `yaml:"indexes" json:"indexes"`
}

// IndexConfig declares one secondary index.
type IndexConfig struct {
	Name    string `yaml:"name" json:"name"`
	KeyType string `yaml:"key_type" json:"key_type"`
}
