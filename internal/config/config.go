// Package config loads the revalidator's tunables from (in ascending
// priority) defaults, an optional config file, and environment variables
// prefixed SUBSTANCECACHE_, using spf13/viper the way the rest of the
// retrieval pack's services layer their configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/edirooss/substancecache/internal/cache"
)

// Config is the fully-resolved set of operator-tunable knobs, mirroring
// spec.md §6's configuration table.
type Config struct {
	BaseTTL                time.Duration `mapstructure:"base_ttl"`
	MaxConcurrency         int           `mapstructure:"max_concurrency"`
	CacheFile              string        `mapstructure:"cache_file"`
	BaselineLatency        time.Duration `mapstructure:"baseline_latency"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	ReconciliationInterval time.Duration `mapstructure:"reconciliation_interval"`
	ColdStartMinRecords    int           `mapstructure:"cold_start_min_records"`
	ColdStartMaxRetries    int           `mapstructure:"cold_start_max_retries"`
	UpdatePersistEveryN    uint64        `mapstructure:"update_persist_every_n"`
	AliasFile              string        `mapstructure:"alias_file"`
	LogLevel               string        `mapstructure:"log_level"`
}

// Load resolves configuration from defaults, an optional file at path (if
// non-empty and present), and SUBSTANCECACHE_-prefixed environment
// variables, in that ascending priority order.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("base_ttl", 24*time.Hour)
	v.SetDefault("max_concurrency", 10)
	v.SetDefault("cache_file", "substancecache.bin")
	v.SetDefault("baseline_latency", 500*time.Millisecond)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("reconciliation_interval", 6*time.Hour)
	v.SetDefault("cold_start_min_records", 10)
	v.SetDefault("cold_start_max_retries", 5)
	v.SetDefault("update_persist_every_n", uint64(100))
	v.SetDefault("alias_file", "aliases.json")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("substancecache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file %q: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ToRevalidatorConfig projects the loaded config into the cache package's
// Config shape.
func (c Config) ToRevalidatorConfig() cache.Config {
	return cache.Config{
		BaseTTL:                c.BaseTTL,
		MaxConcurrency:         c.MaxConcurrency,
		CachePath:              c.CacheFile,
		BaselineLatencyMs:      float64(c.BaselineLatency.Milliseconds()),
		PollInterval:           c.PollInterval,
		ReconciliationInterval: c.ReconciliationInterval,
		ColdStartMinRecords:    c.ColdStartMinRecords,
		ColdStartMaxRetries:    c.ColdStartMaxRetries,
		UpdatePersistEveryN:    c.UpdatePersistEveryN,
	}
}
