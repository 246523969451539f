package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var ErrBadConfig = errors.New("config: invalid value")

// FsyncPolicy controls when the engine issues durability barriers.
type FsyncPolicy string

const (
	FsyncAlways      FsyncPolicy = "always"
	FsyncEverySecond FsyncPolicy = "every_second"
	FsyncNever       FsyncPolicy = "never"
)

// EvictionPolicy selects how the KV layer sheds keys under memory pressure.
type EvictionPolicy string

const (
	EvictLRU         EvictionPolicy = "lru"
	EvictLFU         EvictionPolicy = "lfu"
	EvictARC         EvictionPolicy = "arc"
	EvictRandom      EvictionPolicy = "random"
	EvictVolatileLRU EvictionPolicy = "volatile-lru"
	EvictVolatileLFU EvictionPolicy = "volatile-lfu"
)

// NovaStoreConfig is the engine configuration, loaded from yaml.
type NovaStoreConfig struct {
	Storage struct {
		Path     string `mapstructure:"path"`
		PageSize int    `mapstructure:"page_size"`
	} `mapstructure:"storage"`
	Buffer struct {
		Frames          int     `mapstructure:"frames"`
		FrequencyWeight float64 `mapstructure:"frequency_weight"`
		RecencyWeight   float64 `mapstructure:"recency_weight"`
	} `mapstructure:"buffer"`
	BTree struct {
		Order int `mapstructure:"order"`
	} `mapstructure:"btree"`
	Durability struct {
		FsyncPolicy string `mapstructure:"fsync_policy"`
	} `mapstructure:"durability"`
	KV struct {
		TTLCheckIntervalMS int    `mapstructure:"ttl_check_interval_ms"`
		MaxKeysPerTTLCheck int    `mapstructure:"max_keys_per_ttl_check"`
		MaxMemoryBytes     int64  `mapstructure:"max_memory_bytes"`
		EvictionPolicy     string `mapstructure:"eviction_policy"`
	} `mapstructure:"kv"`
}

// Default returns the configuration used when no file is given.
//
// NOTE: FrequencyWeight and RecencyWeight mix incompatible units (an access
// count against the last-access time in Unix seconds). The scoring is kept exactly as
// documented so results are reproducible; tune the weights rather than
// expecting a normalized scale.
func Default() *NovaStoreConfig {
	cfg := &NovaStoreConfig{}
	cfg.Storage.PageSize = 8192
	cfg.Buffer.Frames = 128
	cfg.Buffer.FrequencyWeight = 0.7
	cfg.Buffer.RecencyWeight = 0.3
	cfg.BTree.Order = 128
	cfg.Durability.FsyncPolicy = string(FsyncEverySecond)
	cfg.KV.TTLCheckIntervalMS = 100
	cfg.KV.MaxKeysPerTTLCheck = 20
	cfg.KV.MaxMemoryBytes = 0 // 0 = unlimited
	cfg.KV.EvictionPolicy = string(EvictLRU)
	return cfg
}

// Load reads a yaml config file and validates it.
func Load(path string) (*NovaStoreConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *NovaStoreConfig) Validate() error {
	switch c.Storage.PageSize {
	case 4096, 8192, 16384:
	default:
		return fmt.Errorf("%w: page_size %d (want 4096, 8192 or 16384)", ErrBadConfig, c.Storage.PageSize)
	}
	if c.Buffer.Frames <= 0 {
		return fmt.Errorf("%w: buffer frames %d", ErrBadConfig, c.Buffer.Frames)
	}
	if c.BTree.Order < 4 {
		return fmt.Errorf("%w: btree order %d (want >= 4)", ErrBadConfig, c.BTree.Order)
	}
	switch FsyncPolicy(c.Durability.FsyncPolicy) {
	case FsyncAlways, FsyncEverySecond, FsyncNever:
	default:
		return fmt.Errorf("%w: fsync_policy %q", ErrBadConfig, c.Durability.FsyncPolicy)
	}
	switch EvictionPolicy(c.KV.EvictionPolicy) {
	case EvictLRU, EvictLFU, EvictARC, EvictRandom, EvictVolatileLRU, EvictVolatileLFU:
	default:
		return fmt.Errorf("%w: eviction_policy %q", ErrBadConfig, c.KV.EvictionPolicy)
	}
	return nil
}

func (c *NovaStoreConfig) TTLCheckInterval() time.Duration {
	return time.Duration(c.KV.TTLCheckIntervalMS) * time.Millisecond
}
