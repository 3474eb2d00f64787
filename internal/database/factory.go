package database

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/kvstore"
)

type mysqlFactory struct{}

func (mysqlFactory) Type() string { return "mysql" }

func (mysqlFactory) Validate(c kvstore.StoreConfig) error {
	if c.DSN == "" {
		return fmt.Errorf("mysql dsn is required")
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("mysql pool sizes cannot be negative")
	}
	return nil
}

func (mysqlFactory) Create(c kvstore.StoreConfig, log *zap.SugaredLogger) (core.Store, error) {
	return NewMySQLStore(Config{
		DSN:               c.DSN,
		MaxOpenConns:      c.MaxOpenConns,
		MaxIdleConns:      c.MaxIdleConns,
		ConnMaxLifetime:   c.ConnMaxLifetime,
		ConnMaxIdleTime:   c.ConnMaxIdleTime,
		ConnectionTimeout: c.DialTimeout,
	}, log)
}

func init() {
	kvstore.RegisterFactory(mysqlFactory{})
}

func sortKeys(keys []core.Key) {
	slices.SortFunc(keys, core.CompareKeys)
}

func sortStatistics(rows []core.PartitionKeyStatistics) {
	slices.SortFunc(rows, func(a, b core.PartitionKeyStatistics) int { return core.CompareKeys(a.Key, b.Key) })
}
