package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds node identity configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig holds bucket-level engine configuration
type EngineConfig struct {
	NumVBuckets        int           `yaml:"num_vbuckets"`
	HashTableShards    int           `yaml:"hash_table_shards"`
	EvictionPolicy     string        `yaml:"eviction_policy"` // "value" or "full"
	FlusherInterval    time.Duration `yaml:"flusher_interval"`
	FlusherBatch       int           `yaml:"flusher_batch"`
	PagerInterval      time.Duration `yaml:"pager_interval"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	TombstonePurgeAge  time.Duration `yaml:"tombstone_purge_age"`
	FetchWorkers       int           `yaml:"fetch_workers"`
	FetchQueueDepth    int           `yaml:"fetch_queue_depth"`
	ConflictPolicy     string        `yaml:"conflict_policy"` // "revseqno" or "lww"
}

// QuotaConfig holds memory quota configuration
type QuotaConfig struct {
	MaxSize          uint64  `yaml:"max_size"`
	MutationRatio    float64 `yaml:"mutation_ratio"`    // active partitions
	ReplicationRatio float64 `yaml:"replication_ratio"` // replica/pending partitions
}

// CheckpointConfig holds mutation log configuration
type CheckpointConfig struct {
	MaxItems int           `yaml:"max_items"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// DurabilityConfig holds sync write configuration
type DurabilityConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// BloomConfig holds bloom filter configuration
type BloomConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ExpectedKeys      int     `yaml:"expected_keys"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the engine
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Quota      QuotaConfig      `yaml:"quota"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Durability DurabilityConfig `yaml:"durability"`
	Bloom      BloomConfig      `yaml:"bloom"`
	Storage    StorageConfig    `yaml:"storage"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Engine.NumVBuckets == 0 {
		cfg.Engine.NumVBuckets = 64
	}
	if cfg.Engine.HashTableShards == 0 {
		cfg.Engine.HashTableShards = 47
	}
	if cfg.Engine.EvictionPolicy == "" {
		cfg.Engine.EvictionPolicy = "value"
	}
	if cfg.Engine.FlusherInterval == 0 {
		cfg.Engine.FlusherInterval = 100 * time.Millisecond
	}
	if cfg.Engine.FlusherBatch == 0 {
		cfg.Engine.FlusherBatch = 1000
	}
	if cfg.Engine.PagerInterval == 0 {
		cfg.Engine.PagerInterval = 10 * time.Second
	}
	if cfg.Engine.CompactionInterval == 0 {
		cfg.Engine.CompactionInterval = 10 * time.Minute
	}
	if cfg.Engine.TombstonePurgeAge == 0 {
		cfg.Engine.TombstonePurgeAge = 72 * time.Hour
	}
	if cfg.Engine.FetchWorkers == 0 {
		cfg.Engine.FetchWorkers = 4
	}
	if cfg.Engine.FetchQueueDepth == 0 {
		cfg.Engine.FetchQueueDepth = 1024
	}
	if cfg.Engine.ConflictPolicy == "" {
		cfg.Engine.ConflictPolicy = "revseqno"
	}

	if cfg.Quota.MaxSize == 0 {
		cfg.Quota.MaxSize = 268435456 // 256MB
	}
	if cfg.Quota.MutationRatio == 0 {
		cfg.Quota.MutationRatio = 0.93
	}
	if cfg.Quota.ReplicationRatio == 0 {
		cfg.Quota.ReplicationRatio = 0.99
	}

	if cfg.Checkpoint.MaxItems == 0 {
		cfg.Checkpoint.MaxItems = 10000
	}
	if cfg.Checkpoint.MaxAge == 0 {
		cfg.Checkpoint.MaxAge = 5 * time.Second
	}

	if cfg.Durability.DefaultTimeout == 0 {
		cfg.Durability.DefaultTimeout = 30 * time.Second
	}
	if cfg.Durability.SweepInterval == 0 {
		cfg.Durability.SweepInterval = 25 * time.Millisecond
	}

	if cfg.Bloom.ExpectedKeys == 0 {
		cfg.Bloom.ExpectedKeys = 10000
	}
	if cfg.Bloom.FalsePositiveRate == 0 {
		cfg.Bloom.FalsePositiveRate = 0.01
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/kestrel"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9410
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Engine.NumVBuckets < 1 || c.Engine.NumVBuckets > 1024 {
		return fmt.Errorf("engine.num_vbuckets must be between 1 and 1024")
	}
	if c.Engine.HashTableShards < 1 {
		return fmt.Errorf("engine.hash_table_shards must be positive")
	}
	switch c.Engine.EvictionPolicy {
	case "value", "full":
	default:
		return fmt.Errorf("engine.eviction_policy must be \"value\" or \"full\"")
	}
	switch c.Engine.ConflictPolicy {
	case "revseqno", "lww":
	default:
		return fmt.Errorf("engine.conflict_policy must be \"revseqno\" or \"lww\"")
	}
	if c.Quota.MutationRatio <= 0 || c.Quota.MutationRatio > 1 {
		return fmt.Errorf("quota.mutation_ratio must be between 0 and 1")
	}
	if c.Quota.ReplicationRatio <= 0 || c.Quota.ReplicationRatio > 1 {
		return fmt.Errorf("quota.replication_ratio must be between 0 and 1")
	}
	if c.Bloom.FalsePositiveRate <= 0 || c.Bloom.FalsePositiveRate >= 1 {
		return fmt.Errorf("bloom.false_positive_rate must be between 0 and 1")
	}
	return nil
}
