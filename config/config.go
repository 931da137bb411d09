// Package config provides configuration management for Memoric.
package config

import (
	"time"

	"github.com/cyberbeamhq/memoric/pkg/clustering"
	"github.com/cyberbeamhq/memoric/pkg/policy"
	"github.com/cyberbeamhq/memoric/pkg/retriever"
	"github.com/cyberbeamhq/memoric/pkg/scheduler"
	"github.com/cyberbeamhq/memoric/pkg/scoring"
)

// Config is the global configuration for Memoric.
type Config struct {
	// App is the application configuration.
	App AppConfig `koanf:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `koanf:"log" validate:"required"`

	// Storage selects and configures the record store backend.
	Storage StorageConfig `koanf:"storage" validate:"required"`

	// Scoring holds the scoring weights and decay parameters.
	Scoring scoring.Config `koanf:"scoring"`

	// Rules are the declarative custom scoring rules.
	Rules []scoring.RuleConfig `koanf:"rules"`

	// Clustering holds the cluster rebuild parameters.
	Clustering clustering.Config `koanf:"clustering"`

	// Policy holds the tier lifecycle configuration.
	Policy policy.Config `koanf:"policy"`

	// Retrieval holds the retrieval parameters.
	Retrieval retriever.Config `koanf:"retrieval"`

	// Scheduler holds the policy run cadence.
	Scheduler SchedulerConfig `koanf:"scheduler"`

	// Redis configures the shared per-user run lock.
	Redis RedisConfig `koanf:"redis"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `koanf:"metrics"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `koanf:"name" validate:"required"`

	// Environment is the runtime environment.
	Environment string `koanf:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `koanf:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level" validate:"oneof=debug info warn error"`

	// Format is "json" or "text".
	Format string `koanf:"format" validate:"oneof=json text"`

	// Output is "stdout", "stderr", or a file path.
	Output string `koanf:"output"`
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	// Backend is one of postgres, sqlite, badger, memory.
	Backend string `koanf:"backend" validate:"oneof=postgres sqlite badger memory"`

	// DSN is the Postgres connection string.
	DSN string `koanf:"dsn"`

	// Path is the database directory or file for the embedded backends.
	Path string `koanf:"path"`
}

// SchedulerConfig wraps the run cadence with an enable switch.
type SchedulerConfig struct {
	// Enabled turns the in-process scheduler on.
	Enabled bool `koanf:"enabled"`

	scheduler.Config `koanf:",squash"`
}

// RedisConfig configures the distributed per-user run lock.
type RedisConfig struct {
	// Enabled switches the run lock from in-process to Redis.
	Enabled bool `koanf:"enabled"`

	// Addr is the Redis server address.
	Addr string `koanf:"addr"`

	// Password is optional.
	Password string `koanf:"password"`

	// DB is the Redis database number.
	DB int `koanf:"db" validate:"min=0"`

	// LockTTL bounds how long one run may hold a user.
	LockTTL time.Duration `koanf:"lock_ttl"`
}

// MetricsConfig holds Prometheus exposure settings.
type MetricsConfig struct {
	// Enabled turns metrics collection and the /metrics listener on.
	Enabled bool `koanf:"enabled"`

	// Port is the metrics HTTP port.
	Port int `koanf:"port" validate:"min=0,max=65535"`

	// Path is the metrics HTTP path.
	Path string `koanf:"path"`
}
