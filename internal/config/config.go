// Package config handles configuration loading for the Cellucid engine server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Cache    CacheConfig    `yaml:"cache"`
	Fields   FieldsConfig   `yaml:"fields"`
	Edges    EdgesConfig    `yaml:"edges"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes a single dataset directory.
type DatasetConfig struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// DataConfig contains data source settings.
type DataConfig struct {
	Datasets       map[string]DatasetConfig `yaml:"datasets"`
	DefaultDataset string                   `yaml:"default_dataset"`
}

// DatasetIDs returns the configured dataset IDs with the default first.
func (d DataConfig) DatasetIDs() []string {
	ids := make([]string, 0, len(d.Datasets))
	if _, ok := d.Datasets[d.DefaultDataset]; ok {
		ids = append(ids, d.DefaultDataset)
	}
	for id := range d.Datasets {
		if id != d.DefaultDataset {
			ids = append(ids, id)
		}
	}
	return ids
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	BufferSizeMB   int `yaml:"buffer_size_mb"`
	BufferTTLMin   int `yaml:"buffer_ttl_minutes"`
	QueryCacheSize int `yaml:"query_cache_size"`
}

// FieldsConfig bounds the per-source field buffer caches. Observation
// annotations and gene vectors have very different per-entry cost, so
// their caches are sized independently.
type FieldsConfig struct {
	MaxObsFields int `yaml:"max_obs_fields"`
	MaxVarFields int `yaml:"max_var_fields"`
}

// EdgesConfig contains connectivity settings.
type EdgesConfig struct {
	ShuffleSeed     int64 `yaml:"shuffle_seed"`
	DefaultLodLimit int   `yaml:"default_lod_limit"`
}

// SessionsConfig contains saved-session store settings.
type SessionsConfig struct {
	DBPath string `yaml:"db_path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Cellucid",
		},
		Data: DataConfig{
			Datasets:       map[string]DatasetConfig{},
			DefaultDataset: "default",
		},
		Cache: CacheConfig{
			BufferSizeMB:   256,
			BufferTTLMin:   10,
			QueryCacheSize: 1000,
		},
		Fields: FieldsConfig{
			MaxObsFields: 32,
			MaxVarFields: 8,
		},
		Edges: EdgesConfig{
			ShuffleSeed:     42,
			DefaultLodLimit: 100000,
		},
		Sessions: SessionsConfig{
			DBPath: "./data/sessions.db",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Data.Datasets == nil {
		cfg.Data.Datasets = map[string]DatasetConfig{}
	}
	if cfg.Data.DefaultDataset == "" {
		for id := range cfg.Data.Datasets {
			cfg.Data.DefaultDataset = id
			break
		}
		if cfg.Data.DefaultDataset == "" {
			cfg.Data.DefaultDataset = defaults.Data.DefaultDataset
		}
	}
	if cfg.Cache.BufferSizeMB == 0 {
		cfg.Cache.BufferSizeMB = defaults.Cache.BufferSizeMB
	}
	if cfg.Cache.BufferTTLMin == 0 {
		cfg.Cache.BufferTTLMin = defaults.Cache.BufferTTLMin
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Fields.MaxObsFields == 0 {
		cfg.Fields.MaxObsFields = defaults.Fields.MaxObsFields
	}
	if cfg.Fields.MaxVarFields == 0 {
		cfg.Fields.MaxVarFields = defaults.Fields.MaxVarFields
	}
	if cfg.Edges.ShuffleSeed == 0 {
		cfg.Edges.ShuffleSeed = defaults.Edges.ShuffleSeed
	}
	if cfg.Edges.DefaultLodLimit == 0 {
		cfg.Edges.DefaultLodLimit = defaults.Edges.DefaultLodLimit
	}
	if cfg.Sessions.DBPath == "" {
		cfg.Sessions.DBPath = defaults.Sessions.DBPath
	}
}
