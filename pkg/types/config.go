package types

import "errors"

// Config holds backend selection and cache parameters for opening a
// repository.
type Config struct {
	Backend    string        `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir    string        `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	CacheSize  int           `json:"cache_size" yaml:"cache_size" mapstructure:"cache_size"`
	IDStrategy string        `json:"id_strategy" yaml:"id_strategy" mapstructure:"id_strategy"`
	LogLevel   string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogFormat  string        `json:"log_format" yaml:"log_format" mapstructure:"log_format"`
	Schema     SchemaConfig  `json:"schema" yaml:"schema" mapstructure:"schema"`
	Cluster    ClusterConfig `json:"cluster" yaml:"cluster" mapstructure:"cluster"`
}

// SchemaConfig describes the tables the cache must treat specially.
type SchemaConfig struct {
	// HierarchyTable names the parent/child table. Defaults to "hierarchy".
	HierarchyTable string                 `json:"hierarchy_table" yaml:"hierarchy_table" mapstructure:"hierarchy_table"`
	Tables         map[string]TableConfig `json:"tables" yaml:"tables" mapstructure:"tables"`
}

// TableConfig describes one table.
type TableConfig struct {
	Collection bool `json:"collection" yaml:"collection" mapstructure:"collection"`
	// Fulltext maps field names to "string" or "binary". For collection
	// tables the key is ignored and any entry marks the whole collection.
	Fulltext map[string]string `json:"fulltext" yaml:"fulltext" mapstructure:"fulltext"`
}

// ClusterConfig configures invalidation exchange with peer nodes. An empty
// NodeID disables clustering.
type ClusterConfig struct {
	NodeID         string   `json:"node_id" yaml:"node_id" mapstructure:"node_id"`
	Listen         string   `json:"listen" yaml:"listen" mapstructure:"listen"`
	Peers          []string `json:"peers" yaml:"peers" mapstructure:"peers"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
)

// Id generation strategies.
const (
	IDStrategyRandom     = "random"
	IDStrategySequential = "sequential"
)

// Defaults applied by WithDefaults.
const (
	DefaultCacheSize      = 10000
	DefaultHierarchyTable = "hierarchy"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultClusterTimeout = 5
)

// Config validation errors.
var (
	ErrBackendEmpty        = errors.New("backend must not be empty")
	ErrBackendUnknown      = errors.New("unknown backend")
	ErrCacheSizeInvalid    = errors.New("cache size must be positive")
	ErrIDStrategyUnknown   = errors.New("unknown id strategy")
	ErrFulltextTypeUnknown = errors.New("fulltext type must be string or binary")
	ErrClusterListenEmpty  = errors.New("cluster listen address must not be empty")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendSQLite: true,
}

var knownIDStrategies = map[string]bool{
	IDStrategyRandom:     true,
	IDStrategySequential: true,
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.IDStrategy == "" {
		c.IDStrategy = IDStrategyRandom
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Schema.HierarchyTable == "" {
		c.Schema.HierarchyTable = DefaultHierarchyTable
	}
	if c.Cluster.TimeoutSeconds == 0 {
		c.Cluster.TimeoutSeconds = DefaultClusterTimeout
	}
	return c
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure. Zero values that WithDefaults would fill are
// accepted.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.CacheSize < 0 {
		return ErrCacheSizeInvalid
	}
	if c.IDStrategy != "" && !knownIDStrategies[c.IDStrategy] {
		return ErrIDStrategyUnknown
	}
	for _, tc := range c.Schema.Tables {
		for _, kind := range tc.Fulltext {
			if kind != FulltextString.String() && kind != FulltextBinary.String() {
				return ErrFulltextTypeUnknown
			}
		}
	}
	if c.Cluster.NodeID != "" && c.Cluster.Listen == "" {
		return ErrClusterListenEmpty
	}
	return nil
}
