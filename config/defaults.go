package config

import (
	"time"

	"github.com/cyberbeamhq/memoric/pkg/clustering"
	"github.com/cyberbeamhq/memoric/pkg/policy"
	"github.com/cyberbeamhq/memoric/pkg/retriever"
	"github.com/cyberbeamhq/memoric/pkg/scheduler"
	"github.com/cyberbeamhq/memoric/pkg/scoring"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "memoric",
			Environment: "development",
			Debug:       false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "memoric.db",
		},
		Scoring:    scoring.DefaultConfig(),
		Clustering: clustering.DefaultConfig(),
		Policy:     policy.DefaultConfig(),
		Retrieval:  retriever.DefaultConfig(),
		Scheduler: SchedulerConfig{
			Enabled: false,
			Config:  scheduler.DefaultConfig(),
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
			LockTTL: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
			Path:    "/metrics",
		},
	}
}
