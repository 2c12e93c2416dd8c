// Package config loads engine configuration from a YAML file and
// RUNESTONE_-prefixed environment variables.
//
// Precedence is defaults, then file, then environment, so a deployment
// can ship a config file and still override single knobs per process.
//
// Example:
//
//	cfg, err := config.Load("runestone.yaml")
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//	db, err := runestone.Open(cfg.Storage.Path, cfg)
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every engine setting.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Txn     TxnConfig     `yaml:"transactions"`
}

// StorageConfig covers the pager and value store.
type StorageConfig struct {
	// Path of the database file. The WAL lives next to it with a .wal
	// suffix.
	Path string `yaml:"path"`
	// PageSize in bytes. Fixed at database creation; opening an
	// existing file with a different value fails.
	PageSize int `yaml:"page_size"`
	// CacheBytes bounds the clean-page read cache.
	CacheBytes int64 `yaml:"cache_bytes"`
	// NoSync disables fsync on commit. Crash durability is gone with
	// it; only for tests and bulk loads that re-run on failure.
	NoSync bool `yaml:"no_sync"`
	// SpillThreshold is the encoded property size in bytes above which
	// a bag moves to the value store.
	SpillThreshold int `yaml:"spill_threshold"`
}

// TxnConfig covers the write transaction pipeline.
type TxnConfig struct {
	// NoDefer disables commit-time batching of index and adjacency
	// writes.
	NoDefer bool `yaml:"no_defer"`
	// FailFast makes Begin return immediately when a writer is active
	// instead of queueing.
	FailFast bool `yaml:"fail_fast"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:           "runestone.db",
			PageSize:       4096,
			CacheBytes:     32 << 20,
			SpillThreshold: 1024,
		},
	}
}

// Load reads path (optional, empty skips the file), overlays the
// environment and validates. Missing files are an error; deployments
// that want env-only configuration pass "".
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.loadEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("RUNESTONE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v, ok := envInt("RUNESTONE_PAGE_SIZE"); ok {
		c.Storage.PageSize = v
	}
	if v, ok := envInt("RUNESTONE_CACHE_BYTES"); ok {
		c.Storage.CacheBytes = int64(v)
	}
	if v, ok := envBool("RUNESTONE_NO_SYNC"); ok {
		c.Storage.NoSync = v
	}
	if v, ok := envInt("RUNESTONE_SPILL_THRESHOLD"); ok {
		c.Storage.SpillThreshold = v
	}
	if v, ok := envBool("RUNESTONE_NO_DEFER"); ok {
		c.Txn.NoDefer = v
	}
	if v, ok := envBool("RUNESTONE_FAIL_FAST"); ok {
		c.Txn.FailFast = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage path must not be empty")
	}
	if c.Storage.PageSize < 256 {
		return fmt.Errorf("config: page size %d below minimum 256", c.Storage.PageSize)
	}
	if c.Storage.PageSize&(c.Storage.PageSize-1) != 0 {
		return fmt.Errorf("config: page size %d is not a power of two", c.Storage.PageSize)
	}
	// In-page offsets are 16-bit.
	if c.Storage.PageSize > 32768 {
		return fmt.Errorf("config: page size %d above maximum 32768", c.Storage.PageSize)
	}
	if c.Storage.SpillThreshold < 0 {
		return fmt.Errorf("config: spill threshold must not be negative")
	}
	if c.Storage.SpillThreshold > c.Storage.PageSize*16 {
		return fmt.Errorf("config: spill threshold %d too large for %d byte pages",
			c.Storage.SpillThreshold, c.Storage.PageSize)
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("path=%s page_size=%d cache=%d no_sync=%t spill=%d no_defer=%t fail_fast=%t",
		c.Storage.Path, c.Storage.PageSize, c.Storage.CacheBytes, c.Storage.NoSync,
		c.Storage.SpillThreshold, c.Txn.NoDefer, c.Txn.FailFast)
}
