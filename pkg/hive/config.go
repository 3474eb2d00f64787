package hive

import (
	"github.com/spf13/afero"

	"github.com/rzpsarthak13/hive/internal/registry"
)

// Config is the process configuration read by LoadConfig.
type Config = registry.Config

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return registry.DefaultConfig()
}

// LoadConfig reads .env, the YAML or JSON file at path (optional) and the
// HIVE_* environment, in that order.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigFs(afero.NewOsFs(), path)
}

// LoadConfigFs is LoadConfig reading files through fs.
func LoadConfigFs(fs afero.Fs, path string) (*Config, error) {
	cm := registry.NewConfigManager(fs)
	if err := cm.Load(path); err != nil {
		return nil, err
	}
	return cm.GetConfig(), nil
}
