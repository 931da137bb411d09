package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/cyberbeamhq/memoric/config"
	"github.com/cyberbeamhq/memoric/pkg/clustering"
	"github.com/cyberbeamhq/memoric/pkg/logger"
	"github.com/cyberbeamhq/memoric/pkg/metrics"
	"github.com/cyberbeamhq/memoric/pkg/policy"
	"github.com/cyberbeamhq/memoric/pkg/scheduler"
	"github.com/cyberbeamhq/memoric/pkg/store"
	"github.com/cyberbeamhq/memoric/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	onceFlag = flag.Bool("once", false, "Run the lifecycle policy once and exit")
	userFlag = flag.String("user", "", "Restrict a -once run to a single user")

	// CLI overrides
	backend   = flag.String("backend", "", "Override storage backend")
	logLevel  = flag.String("log-level", "", "Override log level")
	debugMode = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(&config.LoadOptions{
		ConfigFile: *configPath,
		Overrides:  buildOverrides(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting Memoric",
		"version", version.Version,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
		"backend", cfg.Storage.Backend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	st, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	metricsManager := metrics.NewManager(metrics.Config{
		Enabled:          cfg.Metrics.Enabled,
		Port:             cfg.Metrics.Port,
		Path:             cfg.Metrics.Path,
		PolicyRunBuckets: metrics.DefaultConfig().PolicyRunBuckets,
		RetrievalBuckets: metrics.DefaultConfig().RetrievalBuckets,
	})
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	rebuilder, err := clustering.NewRebuilder(st, cfg.Clustering, log)
	if err != nil {
		log.Error("Failed to build cluster rebuilder", "error", err)
		os.Exit(1)
	}

	var lock policy.RunLock = policy.NewLocalLock()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer client.Close()
		lock = policy.NewRedisLock(client, cfg.Redis.LockTTL)
		log.Info("Using Redis run lock", "addr", cfg.Redis.Addr)
	}

	executor, err := policy.NewExecutor(policy.Options{
		Store:     st,
		Config:    cfg.Policy,
		Rebuilder: rebuilder,
		Lock:      lock,
		Metrics:   metricsManager,
		Logger:    log,
	})
	if err != nil {
		log.Error("Failed to build policy executor", "error", err)
		os.Exit(1)
	}

	if *onceFlag {
		runOnce(ctx, executor, log)
		return
	}

	schedCfg := cfg.Scheduler.Config
	if !cfg.Scheduler.Enabled {
		log.Info("Scheduler disabled, running the policy once")
		runOnce(ctx, executor, log)
		return
	}

	sched, err := scheduler.New(executor, schedCfg, log)
	if err != nil {
		log.Error("Failed to build scheduler", "error", err)
		os.Exit(1)
	}

	schedErrChan := make(chan error, 1)
	go func() {
		schedErrChan <- sched.Run(ctx)
	}()

	log.Info("Memoric is running",
		"cron", schedCfg.Cron,
		"metrics_port", cfg.Metrics.Port,
	)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
		cancel()
		select {
		case <-schedErrChan:
		case <-time.After(30 * time.Second):
			log.Warn("Timed out waiting for scheduler to stop")
		}
	case err := <-schedErrChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Scheduler error", "error", err)
		}
	}

	log.Info("Memoric stopped gracefully")
}

func runOnce(ctx context.Context, executor *policy.Executor, log logger.Logger) {
	summary, err := executor.Run(ctx, *userFlag)
	if err != nil {
		log.Error("Policy run failed", "error", err)
		os.Exit(1)
	}
	log.Info("Policy run complete",
		"migrated", summary.Migrated,
		"trimmed", summary.Trimmed,
		"summarized", summary.Summarized,
		"thread_summaries", summary.ThreadSummaries,
		"failures", summary.Failures,
	)
}

// openStore builds the configured store backend. The returned cleanup
// closes the store plus any resources the store does not own itself.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.Store, func(), error) {
	closeStore := func(s store.Store) func() {
		return func() {
			if err := s.Close(); err != nil {
				log.Error("Error closing store", "error", err)
			}
		}
	}

	switch cfg.Storage.Backend {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Initialized Postgres store")
		return s, closeStore(s), nil

	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Initialized SQLite store", "path", cfg.Storage.Path)
		return s, closeStore(s), nil

	case "badger":
		db, err := badger.Open(badger.DefaultOptions(cfg.Storage.Path).WithLogger(nil))
		if err != nil {
			return nil, nil, err
		}
		s := store.NewBadgerStore(db)
		log.Info("Initialized Badger store", "path", cfg.Storage.Path)
		return s, func() {
			if err := db.Close(); err != nil {
				log.Error("Error closing Badger database", "error", err)
			}
		}, nil

	case "memory":
		s := store.NewMemoryStore()
		log.Info("Initialized in-memory store")
		return s, closeStore(s), nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *backend != "" {
		overrides["storage.backend"] = *backend
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Memoric - Memory Lifecycle Engine\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Memoric - memory lifecycle engine: tiered aging, scoring, clustering, retrieval\n\n")
	fmt.Printf("Usage: memoric [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  memoric                                   # Run with default config\n")
	fmt.Printf("  memoric -config memoric.yaml              # Use specific config file\n")
	fmt.Printf("  memoric -once -user alice                 # Run the policy once for one user\n")
	fmt.Printf("  memoric -backend sqlite -log-level debug  # Override specific options\n")
}
