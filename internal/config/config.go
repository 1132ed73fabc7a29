// Package config loads engine configuration from defaults, an optional YAML
// file, and environment variable overrides, in that precedence order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the canonical Postgres store connection.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a libpq connection string from host parameters,
// used when DSN is not set directly.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// RateLimitConfig sets the default token-bucket shape applied to a
// (partner, provider) pair absent a provider-specific override.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `json:"burst" yaml:"burst" env:"RATE_LIMIT_BURST"`
	SnapshotInterval  int     `json:"snapshot_interval_seconds" yaml:"snapshot_interval_seconds" env:"RATE_LIMIT_SNAPSHOT_INTERVAL_SECONDS"`
}

// DiscoveryConfig controls the twice-daily discovery worker.
type DiscoveryConfig struct {
	Schedule string `json:"schedule" yaml:"schedule" env:"DISCOVERY_CRON_SCHEDULE"`
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"DISCOVERY_ENABLED"`
}

// SchedulerConfig controls the event-driven sync scheduler's cycle shape.
type SchedulerConfig struct {
	CycleInterval         int `json:"cycle_interval_seconds" yaml:"cycle_interval_seconds" env:"SCHEDULER_CYCLE_INTERVAL_SECONDS"`
	Workers               int `json:"workers" yaml:"workers" env:"SCHEDULER_WORKERS"`
	HighBandCap           int `json:"high_band_cap" yaml:"high_band_cap" env:"SCHEDULER_HIGH_BAND_CAP"`
	MediumBandCap         int `json:"medium_band_cap" yaml:"medium_band_cap" env:"SCHEDULER_MEDIUM_BAND_CAP"`
	LowBandCap            int `json:"low_band_cap" yaml:"low_band_cap" env:"SCHEDULER_LOW_BAND_CAP"`
	MaxConcurrentPerPartner int `json:"max_concurrent_per_partner" yaml:"max_concurrent_per_partner" env:"SCHEDULER_MAX_CONCURRENT_PER_PARTNER"`
	IncrementalHorizonDays int `json:"incremental_horizon_days" yaml:"incremental_horizon_days" env:"SCHEDULER_INCREMENTAL_HORIZON_DAYS"`
}

// MetricsConfig controls the internal /metrics and /healthz mux.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" env:"METRICS_LISTEN_ADDR"`
}

// LockConfig controls the process singleton lock file.
type LockConfig struct {
	Path string `json:"path" yaml:"path" env:"LOCKFILE_PATH"`
}

// Config is the top-level engine configuration structure.
type Config struct {
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Lock      LockConfig      `json:"lock" yaml:"lock"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 2,
			Burst:             5,
			SnapshotInterval:  60,
		},
		Discovery: DiscoveryConfig{
			Schedule: "0 6,18 * * *",
			Enabled:  true,
		},
		Scheduler: SchedulerConfig{
			CycleInterval:           10,
			Workers:                 8,
			HighBandCap:             50,
			MediumBandCap:           20,
			LowBandCap:              10,
			MaxConcurrentPerPartner: 3,
			IncrementalHorizonDays:  7,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9102",
		},
		Lock: LockConfig{
			Path: "/var/run/provider-engine.lock",
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file, and environment variable overrides, in that precedence order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// CycleIntervalDuration returns the scheduler cycle interval as a Duration.
func (s SchedulerConfig) CycleIntervalDuration() time.Duration {
	if s.CycleInterval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.CycleInterval) * time.Second
}

// SnapshotIntervalDuration returns the rate limiter snapshot interval as a Duration.
func (r RateLimitConfig) SnapshotIntervalDuration() time.Duration {
	if r.SnapshotInterval <= 0 {
		return time.Minute
	}
	return time.Duration(r.SnapshotInterval) * time.Second
}
