package kvstore

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

// StoreFactory creates one kind of metadata store. Each backend registers
// its factory from an init function.
type StoreFactory interface {
	// Create creates a new store instance based on the provided configuration.
	Create(config StoreConfig, log *zap.SugaredLogger) (core.Store, error)

	// Type returns the type identifier for this factory (e.g., "redis", "mysql").
	Type() string

	// Validate validates the configuration specific to this store type.
	Validate(config StoreConfig) error
}

// StoreConfig is the configuration needed to create any metadata store.
type StoreConfig struct {
	Type string

	// Redis
	Endpoints    []string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DynamoDB
	Region          string
	TableName       string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	// MySQL
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

var (
	factoryRegistry = make(map[string]StoreFactory)
	registryMutex   sync.RWMutex
)

// RegisterFactory registers a store factory. It panics on duplicates.
func RegisterFactory(factory StoreFactory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := factoryRegistry[factory.Type()]; exists {
		panic(fmt.Sprintf("factory for type %q is already registered", factory.Type()))
	}
	factoryRegistry[factory.Type()] = factory
}

// Create creates a store using the factory registered for config.Type.
func Create(config StoreConfig, log *zap.SugaredLogger) (core.Store, error) {
	if config.Type == "" {
		return nil, fmt.Errorf("store type is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[config.Type]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
	if err := factory.Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", config.Type, err)
	}
	return factory.Create(config, log)
}

// GetRegisteredTypes returns the registered store types in sorted order.
func GetRegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for t := range factoryRegistry {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// IsTypeRegistered checks if a store type is registered.
func IsTypeRegistered(storeType string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	_, exists := factoryRegistry[storeType]
	return exists
}

type memoryFactory struct{}

func (memoryFactory) Type() string { return "memory" }

func (memoryFactory) Validate(StoreConfig) error { return nil }

func (memoryFactory) Create(_ StoreConfig, log *zap.SugaredLogger) (core.Store, error) {
	return NewMemoryStore(WithLogger(log)), nil
}

type redisFactory struct{}

func (redisFactory) Type() string { return "redis" }

func (redisFactory) Validate(c StoreConfig) error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one redis endpoint is required")
	}
	if c.PoolSize < 0 || c.MinIdleConns < 0 {
		return fmt.Errorf("redis pool sizes cannot be negative")
	}
	return nil
}

func (redisFactory) Create(c StoreConfig, log *zap.SugaredLogger) (core.Store, error) {
	return NewRedisStore(RedisConfig{
		Endpoints:    c.Endpoints,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}, WithLogger(log))
}

type dynamoFactory struct{}

func (dynamoFactory) Type() string { return "dynamodb" }

func (dynamoFactory) Validate(c StoreConfig) error {
	if c.Region == "" {
		return fmt.Errorf("dynamodb region is required")
	}
	if c.TableName == "" {
		return fmt.Errorf("dynamodb table name is required")
	}
	return nil
}

func (dynamoFactory) Create(c StoreConfig, log *zap.SugaredLogger) (core.Store, error) {
	return NewDynamoDBStore(DynamoDBConfig{
		Region:          c.Region,
		TableName:       c.TableName,
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}, WithLogger(log))
}

func init() {
	RegisterFactory(memoryFactory{})
	RegisterFactory(redisFactory{})
	RegisterFactory(dynamoFactory{})
}
