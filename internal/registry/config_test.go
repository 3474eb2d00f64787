package registry

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
)

const sampleYAML = `
environment: production
store:
  type: redis
  redis:
    endpoints: ["redis-a:6379"]
    pool_size: 20
sync:
  poll_interval: 250ms
directory:
  assigner: capacity
queue:
  type: kafka
  kafka:
    brokers: ["kafka:9092"]
    topic: moves
topology:
  name: members
  key_type: int
  nodes:
    - {name: a, uri: "mysql://a/shard", dialect: mysql, capacity: 100}
    - {name: b, uri: "mysql://b/shard", dialect: mysql, capacity: 50, read_only: true}
  resources:
    - name: user
      partitioning: true
      indexes:
        - {name: email, key_type: string}
`

func TestLoadFromFileYAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/hive.yaml", []byte(sampleYAML), 0o644))

	cm := NewConfigManager(fs)
	require.NoError(t, cm.LoadFromFile("/etc/hive.yaml"))
	c := cm.GetConfig()

	assert.Equal(t, "production", c.Environment)
	assert.Equal(t, "members", c.Dimension, "dimension defaults to the declared topology")
	assert.Equal(t, []string{"redis-a:6379"}, c.Store.Redis.Endpoints)
	assert.Equal(t, 20, c.Store.Redis.PoolSize)
	assert.Equal(t, 2, c.Store.Redis.MinIdleConns, "unset fields keep their defaults")
	assert.Equal(t, 250*time.Millisecond, c.Sync.PollInterval)
	assert.Equal(t, "capacity", c.Directory.Assigner)
	assert.Equal(t, "moves", c.QueueConfig().Topic)
	assert.False(t, c.NeedsRedis(), "the redis store opens its own client")
	assert.Equal(t, "members", c.SyncConfig().Dimension)
	assert.Equal(t, 250*time.Millisecond, c.SyncConfig().PollInterval)

	d, err := c.Topology.Dimension()
	require.NoError(t, err)
	assert.Equal(t, core.ColumnInt, d.KeyType)
	require.Len(t, d.Nodes, 2)
	assert.True(t, d.Nodes[1].ReadOnly)
	require.Len(t, d.Resources, 1)
	assert.Equal(t, core.ColumnInt, d.Resources[0].ColumnType)
	assert.Equal(t, core.ColumnString, d.Resources[0].Indexes[0].ColumnType)
}

func TestTopologyAcceptsSQLColumnTypes(t *testing.T) {
	topo := &TopologyConfig{
		Name:    "orders",
		KeyType: "BIGINT",
		Nodes:   []NodeConfig{{Name: "a", URI: "mysql://a/shard", Dialect: "mysql", Capacity: 10}},
		Resources: []ResourceConfig{
			{Name: "order", Partitioning: true, Indexes: []IndexConfig{{Name: "ref", KeyType: "VARCHAR(64)"}}},
			{Name: "invoice", KeyType: "BINARY(16)"},
		},
	}
	d, err := topo.Dimension()
	require.NoError(t, err)
	assert.Equal(t, core.ColumnInt, d.KeyType)
	assert.Equal(t, core.ColumnInt, d.Resources[0].ColumnType)
	assert.Equal(t, core.ColumnString, d.Resources[0].Indexes[0].ColumnType)
	assert.Equal(t, core.ColumnUUID, d.Resources[1].ColumnType)

	topo.Resources[0].Indexes[0].KeyType = "DOUBLE"
	_, err = topo.Dimension()
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Contains(t, err.Error(), "order.ref")
}

func TestNeedsRedisForCacheOrQueue(t *testing.T) {
	c := &Config{}
	assert.False(t, c.NeedsRedis())
	c.Cache.Type = "redis"
	assert.True(t, c.NeedsRedis())
	c.Cache.Type, c.Queue.Type = "lru", "redis"
	assert.True(t, c.NeedsRedis())
}

func TestLoadFromFileJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "hive.json",
		[]byte(`{"dimension":"orders","store":{"type":"mysql","mysql":{"dsn":"u:p@tcp(db:3306)/hive"}}}`), 0o644))

	cm := NewConfigManager(fs)
	require.NoError(t, cm.LoadFromFile("hive.json"))
	sc := cm.GetConfig().StoreConfig()
	assert.Equal(t, "mysql", sc.Type)
	assert.Equal(t, "u:p@tcp(db:3306)/hive", sc.DSN)
	assert.Equal(t, 25, sc.MaxOpenConns)
}

func TestLoadFromFileRejectsUnknownExtension(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "hive.toml", []byte(""), 0o644))
	assert.Error(t, NewConfigManager(fs).LoadFromFile("hive.toml"))
	assert.Error(t, NewConfigManager(fs).LoadFromFile("missing.yaml"))
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"unknown store":     "store: {type: cassandra}",
		"mysql without dsn": "store: {type: mysql}",
		"dynamo no region":  "store: {type: dynamodb, dynamodb: {table_name: t}}",
		"bad assigner":      "directory: {assigner: random}",
		"kafka no brokers":  "queue: {type: kafka}",
		"bad environment":   "environment: staging",
		"drain no rate":     "drain: {enabled: true, rate: 0}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, NewConfigManager(afero.NewMemMapFs()).LoadFromYAML([]byte(doc)))
		})
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("HIVE_DIMENSION", "accounts")
	t.Setenv("HIVE_STORE_TYPE", "mysql")
	t.Setenv("HIVE_STORE_MYSQL_DSN", "root@tcp(localhost:3306)/hive")
	t.Setenv("HIVE_SYNC_POLL_INTERVAL", "3s")
	t.Setenv("HIVE_QUEUE_KAFKA_BROKERS", "k1:9092,k2:9092")

	cm := NewConfigManager(afero.NewMemMapFs())
	require.NoError(t, cm.LoadFromYAML([]byte("dimension: members\nsync: {read_timeout: 7s}")))
	require.NoError(t, cm.LoadFromEnv())

	c := cm.GetConfig()
	assert.Equal(t, "accounts", c.Dimension)
	assert.Equal(t, "mysql", c.Store.Type)
	assert.Equal(t, 3*time.Second, c.Sync.PollInterval)
	assert.Equal(t, 7*time.Second, c.Sync.ReadTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Queue.Kafka.Brokers)
	assert.Nil(t, c.Topology)
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, ".env",
		[]byte("HIVE_DIMENSION=from-file\nHIVE_HTTP_ADDR=:9999\n"), 0o644))
	t.Setenv("HIVE_DIMENSION", "from-env")
	t.Setenv("HIVE_HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("HIVE_HTTP_ADDR"))

	cm := NewConfigManager(fs)
	require.NoError(t, cm.LoadDotEnv(".env"))
	require.NoError(t, cm.LoadDotEnv("missing.env"))
	require.NoError(t, cm.LoadFromEnv())

	assert.Equal(t, "from-env", cm.GetConfig().Dimension)
	assert.Equal(t, ":9999", cm.GetConfig().HTTP.Addr)
}

func TestRegisterValidatorPanicsOnDuplicate(t *testing.T) {
	assert.Panics(t, func() { RegisterValidator(memoryValidator{}) })
	assert.Panics(t, func() { RegisterValidator(nil) })
}
