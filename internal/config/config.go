// Package config loads the archiver's TOML configuration, with
// BIGBROTHER_* environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the complete configuration surface from spec.md §6.
type Config struct {
	DiscordToken string `toml:"discord_token"`
	DataPath     string `toml:"data_path"`

	Network  NetworkConfig  `toml:"network"`
	Catchup  CatchupConfig  `toml:"catchup"`
	Metadata MetadataConfig `toml:"metadata"`
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
}

// NetworkConfig controls timeouts and download concurrency.
type NetworkConfig struct {
	Timeout                  time.Duration `toml:"timeout"`
	DownloadConcurrencyLimit int           `toml:"download_concurrency_limit"`
}

// CatchupConfig controls history-backfill pagination and concurrency.
type CatchupConfig struct {
	MessagesPerRequest int `toml:"messages_per_request"`
	WriteBatchSize     int `toml:"write_batch_size"`
	ChannelConcurrency int `toml:"channel_concurrency"`
}

// MetadataConfig controls metadata-backfill pagination.
type MetadataConfig struct {
	MemberFetchLimit int `toml:"member_fetch_limit"`
}

// StorageConfig controls the log writer pool's flush cadence.
type StorageConfig struct {
	AutoflushIntervalMS int `toml:"autoflush_interval_ms"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Load reads and decodes the TOML config at path, applies BIGBROTHER_*
// environment overrides on top, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies BIGBROTHER_* environment variables on top of the
// TOML-decoded config. Malformed numeric/duration overrides are ignored —
// the TOML value (or its default, filled in by validate) stands.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("BIGBROTHER_DISCORD_TOKEN"); ok {
		cfg.DiscordToken = v
	}
	if v, ok := os.LookupEnv("BIGBROTHER_DATA_PATH"); ok {
		cfg.DataPath = v
	}
	if v, ok := os.LookupEnv("BIGBROTHER_NETWORK_TIMEOUT"); ok {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Network.Timeout = time.Duration(secs) * time.Second
		}
	}
	if v, ok := os.LookupEnv("BIGBROTHER_NETWORK_DOWNLOAD_CONCURRENCY_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Network.DownloadConcurrencyLimit = n
		}
	}
	if v, ok := os.LookupEnv("BIGBROTHER_CATCHUP_MESSAGES_PER_REQUEST"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Catchup.MessagesPerRequest = n
		}
	}
	if v, ok := os.LookupEnv("BIGBROTHER_CATCHUP_WRITE_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Catchup.WriteBatchSize = n
		}
	}
	if v, ok := os.LookupEnv("BIGBROTHER_CATCHUP_CHANNEL_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Catchup.ChannelConcurrency = n
		}
	}
	if v, ok := os.LookupEnv("BIGBROTHER_METADATA_MEMBER_FETCH_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metadata.MemberFetchLimit = n
		}
	}
	if v, ok := os.LookupEnv("BIGBROTHER_STORAGE_AUTOFLUSH_INTERVAL_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.AutoflushIntervalMS = n
		}
	}
}

// validate fills in defaults (spec.md §6) and rejects missing required
// fields.
func (c *Config) validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("discord_token is required")
	}
	if c.DataPath == "" {
		return fmt.Errorf("data_path is required")
	}

	if c.Network.Timeout <= 0 {
		c.Network.Timeout = 120 * time.Second
	}
	if c.Network.DownloadConcurrencyLimit <= 0 {
		c.Network.DownloadConcurrencyLimit = 10
	}
	if c.Catchup.MessagesPerRequest <= 0 {
		c.Catchup.MessagesPerRequest = 100
	}
	if c.Catchup.WriteBatchSize <= 0 {
		c.Catchup.WriteBatchSize = 1000
	}
	if c.Catchup.ChannelConcurrency <= 0 {
		c.Catchup.ChannelConcurrency = 4
	}
	if c.Metadata.MemberFetchLimit <= 0 {
		c.Metadata.MemberFetchLimit = 1000
	}
	if c.Storage.AutoflushIntervalMS <= 0 {
		c.Storage.AutoflushIntervalMS = 60000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// AutoflushInterval returns the autoflush cadence as a time.Duration.
func (c *Config) AutoflushInterval() time.Duration {
	return time.Duration(c.Storage.AutoflushIntervalMS) * time.Millisecond
}
