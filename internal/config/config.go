// Package config loads the daemon configuration from fieldsync.yaml with
// FIELDSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the sync core.
type Config struct {
	Env             string `mapstructure:"env"`
	HTTPAddr        string `mapstructure:"http_addr"`
	DatabaseURL     string `mapstructure:"database_url"`
	UpstreamBaseURL string `mapstructure:"upstream_base_url"`
	JWTHS256Secret  string `mapstructure:"jwt_hs256_secret"`

	MaxRetriesCore            int `mapstructure:"max_retries_core"`
	MaxRetriesOptimistic      int `mapstructure:"max_retries_optimistic"`
	RequestTimeoutMs          int `mapstructure:"request_timeout_ms"`
	LeaseTimeoutMs            int `mapstructure:"lease_timeout_ms"`
	ConcurrentEntitySyncs     int `mapstructure:"concurrent_entity_syncs"`
	BackoffBaseMs             int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs              int `mapstructure:"backoff_max_ms"`
	ConfirmedGcSeconds        int `mapstructure:"confirmed_gc_seconds"`
	ConflictArchiveDays       int `mapstructure:"conflict_archive_days"`
	ConcurrentEditThresholdMs int `mapstructure:"concurrent_edit_threshold_ms"`
}

// Duration accessors; the raw fields stay integral so the file and env
// representations match the documented surface.

func (c *Config) RequestTimeout() time.Duration { return time.Duration(c.RequestTimeoutMs) * time.Millisecond }
func (c *Config) LeaseTimeout() time.Duration   { return time.Duration(c.LeaseTimeoutMs) * time.Millisecond }
func (c *Config) BackoffBase() time.Duration    { return time.Duration(c.BackoffBaseMs) * time.Millisecond }
func (c *Config) BackoffMax() time.Duration     { return time.Duration(c.BackoffMaxMs) * time.Millisecond }
func (c *Config) ConfirmedGc() time.Duration    { return time.Duration(c.ConfirmedGcSeconds) * time.Second }
func (c *Config) ConcurrentEditThreshold() time.Duration {
	return time.Duration(c.ConcurrentEditThresholdMs) * time.Millisecond
}

// Dev reports whether pretty logging and debug auth headers are allowed.
func (c *Config) Dev() bool { return c.Env == "dev" }

func setDefaults(v *viper.Viper) {
	// Every key needs a registered default so environment-only values are
	// visible to Unmarshal
	v.SetDefault("env", "")
	v.SetDefault("http_addr", ":8090")
	v.SetDefault("database_url", "")
	v.SetDefault("upstream_base_url", "")
	v.SetDefault("jwt_hs256_secret", "")
	v.SetDefault("max_retries_core", 10)
	v.SetDefault("max_retries_optimistic", 3)
	v.SetDefault("request_timeout_ms", 30000)
	v.SetDefault("lease_timeout_ms", 60000)
	v.SetDefault("concurrent_entity_syncs", 4)
	v.SetDefault("backoff_base_ms", 500)
	v.SetDefault("backoff_max_ms", 60000)
	v.SetDefault("confirmed_gc_seconds", 30)
	v.SetDefault("conflict_archive_days", 30)
	v.SetDefault("concurrent_edit_threshold_ms", 300000)
}

// Load reads fieldsync.yaml from dir (or the working directory when empty)
// and applies FIELDSYNC_* environment overrides. A missing file is fine; a
// malformed one is not.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("fieldsync")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is required (FIELDSYNC_DATABASE_URL)")
	}
	if cfg.UpstreamBaseURL == "" {
		return nil, errors.New("upstream_base_url is required (FIELDSYNC_UPSTREAM_BASE_URL)")
	}
	if cfg.LeaseTimeoutMs < 2*cfg.RequestTimeoutMs {
		// Lease must outlive the slowest possible attempt
		cfg.LeaseTimeoutMs = 2 * cfg.RequestTimeoutMs
	}

	return &cfg, nil
}
