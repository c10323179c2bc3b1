package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, read from <data>/config.toml.
type Config struct {
	DataDir string `toml:"data_dir"`

	// ReconnectDelaySecs is the fixed delay before a recoverable
	// disconnect retries session construction.
	ReconnectDelaySecs int `toml:"reconnect_delay_secs"`

	// IdleTimeoutMins is how long a session may sit unauthenticated or
	// without activity before the reconciliation worker terminates it.
	IdleTimeoutMins int `toml:"idle_timeout_mins"`

	// RetentionDays deletes messages older than this many days.
	// Zero keeps everything.
	RetentionDays int `toml:"retention_days"`

	// ReconcileCron is a cron spec for the reconciliation worker.
	ReconcileCron string `toml:"reconcile_cron"`

	BackfillPageSize    int `toml:"backfill_page_size"`
	BackfillConcurrency int `toml:"backfill_concurrency"`

	// SendIntervalMs is the minimum spacing between outbound sends on
	// one session's queue.
	SendIntervalMs int `toml:"send_interval_ms"`

	// MediaCacheSize bounds the in-memory redownload cache (entries).
	MediaCacheSize int `toml:"media_cache_size"`
}

// Default returns the configuration defaults rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:             dataDir,
		ReconnectDelaySecs:  10,
		IdleTimeoutMins:     1440,
		RetentionDays:       0,
		ReconcileCron:       "@every 15m",
		BackfillPageSize:    50,
		BackfillConcurrency: 5,
		SendIntervalMs:      750,
		MediaCacheSize:      512,
	}
}

// Load reads config from path, filling unset fields with defaults.
// A missing file yields pure defaults.
func Load(path, dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.BackfillPageSize < 1 {
		return fmt.Errorf("backfill_page_size must be >= 1, got %d", c.BackfillPageSize)
	}
	if c.BackfillConcurrency < 1 {
		return fmt.Errorf("backfill_concurrency must be >= 1, got %d", c.BackfillConcurrency)
	}
	if c.ReconnectDelaySecs < 1 {
		return fmt.Errorf("reconnect_delay_secs must be >= 1, got %d", c.ReconnectDelaySecs)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0, got %d", c.RetentionDays)
	}
	return nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
