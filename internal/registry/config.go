// Package registry loads and validates hived configuration. Values come
// from defaults, then a YAML or JSON file, then HIVE_* environment
// variables (optionally seeded from a .env file).
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "HIVE"

// ConfigValidator validates the settings of one store type.
type ConfigValidator interface {
	Validate(config *Config) error

	// Type returns the store type this validator handles (e.g. "redis", "mysql").
	Type() string
}

var (
	validatorRegistry      = make(map[string]ConfigValidator)
	validatorRegistryMutex sync.RWMutex
)

// RegisterValidator registers a store validator. It panics if validator is
// nil, has no type, or its type is already registered.
func RegisterValidator(validator ConfigValidator) {
	if validator == nil {
		panic("validator cannot be nil")
	}
	if validator.Type() == "" {
		panic("validator type cannot be empty")
	}

	validatorRegistryMutex.Lock()
	defer validatorRegistryMutex.Unlock()

	if _, exists := validatorRegistry[validator.Type()]; exists {
		panic(fmt.Sprintf("validator for type %q is already registered", validator.Type()))
	}
	validatorRegistry[validator.Type()] = validator
}

// GetValidator returns the validator registered for a store type.
func GetValidator(storeType string) (ConfigValidator, bool) {
	validatorRegistryMutex.RLock()
	defer validatorRegistryMutex.RUnlock()
	v, ok := validatorRegistry[storeType]
	return v, ok
}

// ConfigManager handles loading and managing configuration.
type ConfigManager struct {
	fs     afero.Fs
	config *Config
}

// NewConfigManager creates a manager holding the default configuration.
// Files are read through fs; nil means the OS filesystem.
func NewConfigManager(fs afero.Fs) *ConfigManager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &ConfigManager{fs: fs, config: DefaultConfig()}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				PoolSize:     10,
				MinIdleConns: 2,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
			MySQL: MySQLConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 10 * time.Minute,
			},
		},
		Sync: SyncConfig{
			PollInterval: time.Second,
			ReadTimeout:  2 * time.Second,
		},
		Directory: DirectoryConfig{
			Assigner: "round-robin",
			Replicas: 1,
		},
		Cache: CacheConfig{
			Type: "lru",
			Size: 65536,
			TTL:  time.Minute,
		},
		Health: HealthConfig{
			Enabled:     true,
			Interval:    5 * time.Second,
			Timeout:     2 * time.Second,
			MaxFailures: 3,
			Workers:     8,
		},
		Planner: PlannerConfig{
			PerRecordMoveTime: time.Millisecond,
			MaxIterations:     1000,
		},
		Queue: QueueConfig{
			Type:       "memory",
			BufferSize: 10000,
			Kafka: KafkaConfig{
				Topic:        "hive-migrations",
				GroupID:      "hive-migrations",
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				ReadTimeout:  5 * time.Second,
				RequiredAcks: -1,
			},
		},
		Drain: DrainConfig{
			BatchSize:    10,
			Rate:         5,
			MaxRetries:   3,
			PollInterval: time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file. The format is
// chosen by extension (.yaml, .yml or .json).
func (cm *ConfigManager) LoadFromFile(path string) error {
	data, err := afero.ReadFile(cm.fs, path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return cm.LoadFromYAML(data)
	case ".json":
		return cm.LoadFromJSON(data)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// LoadFromYAML replaces the configuration with defaults overlaid by data.
func (cm *ConfigManager) LoadFromYAML(data []byte) error {
	config := DefaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	return cm.set(config)
}

// LoadFromJSON replaces the configuration with defaults overlaid by data.
// Durations are nanoseconds in JSON.
func (cm *ConfigManager) LoadFromJSON(data []byte) error {
	config := DefaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}
	return cm.set(config)
}

// LoadDotEnv exports the variables of a .env file that are not already set
// in the environment. A missing file is not an error.
func (cm *ConfigManager) LoadDotEnv(path string) error {
	f, err := cm.fs.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open env file: %w", err)
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse env file %s: %w", path, err)
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("failed to export %s: %w", k, err)
		}
	}
	return nil
}

// LoadFromEnv overlays HIVE_* environment variables on the current
// configuration. Nested sections join with underscores, for example
// HIVE_STORE_TYPE, HIVE_STORE_REDIS_ENDPOINTS or HIVE_SYNC_POLL_INTERVAL.
func (cm *ConfigManager) LoadFromEnv() error {
	config := cm.clone()
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return cm.set(config)
}

// Load runs the usual sequence: .env next to the working directory, the
// file at path when given, then the environment.
func (cm *ConfigManager) Load(path string) error {
	if err := cm.LoadDotEnv(".env"); err != nil {
		return err
	}
	if path != "" {
		if err := cm.LoadFromFile(path); err != nil {
			return err
		}
	}
	return cm.LoadFromEnv()
}

// GetConfig returns the current configuration.
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config
}

func (cm *ConfigManager) clone() *Config {
	c := *cm.config
	c.Store.Redis.Endpoints = append([]string(nil), c.Store.Redis.Endpoints...)
	c.Queue.Kafka.Brokers = append([]string(nil), c.Queue.Kafka.Brokers...)
	return &c
}

func (cm *ConfigManager) set(config *Config) error {
	if err := Validate(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cm.config = config
	return nil
}

// Validate checks a configuration. Store settings are checked by the
// validator registered for the store type.
func Validate(config *Config) error {
	if config.Dimension == "" && config.Topology != nil {
		config.Dimension = config.Topology.Name
	}
	switch config.Environment {
	case "", "development", "production":
	default:
		return fmt.Errorf("environment must be 'development' or 'production'")
	}

	if config.Store.Type == "" {
		return fmt.Errorf("store.type is required")
	}
	validator, exists := GetValidator(config.Store.Type)
	if !exists {
		return fmt.Errorf("unsupported store type: %s", config.Store.Type)
	}
	if err := validator.Validate(config); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}

	if config.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be greater than 0")
	}
	switch config.Directory.Assigner {
	case "", "round-robin", "hash", "capacity":
	default:
		return fmt.Errorf("directory.assigner must be 'round-robin', 'hash' or 'capacity'")
	}
	if config.Directory.Replicas < 0 {
		return fmt.Errorf("directory.replicas must be non-negative")
	}
	switch config.Cache.Type {
	case "", "lru":
	case "redis":
		if len(config.Store.Redis.Endpoints) == 0 {
			return fmt.Errorf("cache.type 'redis' needs store.redis.endpoints")
		}
	default:
		return fmt.Errorf("cache.type must be 'lru' or 'redis'")
	}
	if config.Health.Enabled && config.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be greater than 0")
	}
	if config.Planner.PerRecordMoveTime < 0 {
		return fmt.Errorf("planner.per_record_move_time must be non-negative")
	}

	switch config.Queue.Type {
	case "", "memory":
	case "redis":
		if len(config.Store.Redis.Endpoints) == 0 {
			return fmt.Errorf("queue.type 'redis' needs store.redis.endpoints")
		}
	case "kafka":
		if len(config.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue.kafka.brokers is required when queue.type is 'kafka'")
		}
		if config.Queue.Kafka.Topic == "" {
			return fmt.Errorf("queue.kafka.topic is required when queue.type is 'kafka'")
		}
	default:
		return fmt.Errorf("queue.type must be 'memory', 'redis' or 'kafka'")
	}

	if config.Drain.Enabled {
		if config.Drain.BatchSize <= 0 {
			return fmt.Errorf("drain.batch_size must be greater than 0")
		}
		if config.Drain.Rate <= 0 {
			return fmt.Errorf("drain.rate must be greater than 0")
		}
		if config.Drain.MaxRetries < 0 {
			return fmt.Errorf("drain.max_retries must be non-negative")
		}
	}
	return nil
}
