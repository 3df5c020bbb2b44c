package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/rowcache/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	// envPrefix prefixes environment overrides, e.g. ROWCACHE_CACHE_SIZE.
	envPrefix = "ROWCACHE"
)

// defaultConfigYAML is the content written to config.yaml on first run.
const defaultConfigYAML = `# rowcache configuration

# Backend selection
backend: sqlite

# Data directory (optional; overridable by --data-dir flag)
# data_dir:

# Pristine rows kept per table and session
cache_size: 10000

# Id generation for created rows: random (UUID v7) or sequential
id_strategy: random

log_level: info
log_format: text

# Tables that hold ordered collections, and fulltext fields to reindex.
schema:
  hierarchy_table: hierarchy
  # tables:
  #   subjects:
  #     collection: true
  #   content:
  #     fulltext:
  #       data: binary

# Invalidation exchange with peer nodes (disabled without node_id)
# cluster:
#   node_id: node-1
#   listen: 127.0.0.1:7070
#   peers: [http://127.0.0.1:7071]
#   timeout_seconds: 5
`

// loadConfig reads config.yaml from configDir using Viper, creating the
// directory and a default file on first run. Environment variables
// prefixed with ROWCACHE_ override file values.
func loadConfig(configDir string) (types.Config, error) {
	if err := ensureConfigDir(configDir); err != nil {
		return types.Config{}, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return types.Config{}, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault("backend", types.BackendSQLite)
	v.SetDefault("cache_size", types.DefaultCacheSize)
	v.SetDefault("id_strategy", types.IDStrategyRandom)
	v.SetDefault("log_level", types.DefaultLogLevel)
	v.SetDefault("log_format", types.DefaultLogFormat)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	for _, key := range []string{"backend", "cache_size", "id_strategy", "log_level", "log_format"} {
		if err := v.BindEnv(key); err != nil {
			return types.Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ensureConfigDir creates the config directory if it does not exist.
func ensureConfigDir(configDir string) error {
	return os.MkdirAll(configDir, 0o755)
}

// ensureDefaultConfigFile creates a default config.yaml if the file does not
// exist in the config directory.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
