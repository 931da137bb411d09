// Package scheduler triggers policy runs on a cron cadence. The policy
// executor itself has no notion of time-based triggering; this package
// supplies it, with a rate limiter smoothing the store load of a sweep.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/time/rate"

	"github.com/cyberbeamhq/memoric/pkg/logger"
	"github.com/cyberbeamhq/memoric/pkg/memory"
	"github.com/cyberbeamhq/memoric/pkg/policy"
)

// Config holds the scheduling parameters.
type Config struct {
	// Cron is the run cadence, e.g. "0 3 * * *" for daily at 03:00.
	Cron string `json:"cron" koanf:"cron"`

	// RunsPerSecond throttles how fast the sweep moves between users.
	// Zero means no throttle.
	RunsPerSecond float64 `json:"runs_per_second" koanf:"runs_per_second"`
}

// DefaultConfig runs daily at 03:00 with a gentle throttle.
func DefaultConfig() Config {
	return Config{Cron: "0 3 * * *", RunsPerSecond: 5}
}

// Validate rejects malformed cron expressions.
func (c Config) Validate() error {
	if c.Cron == "" {
		return &memory.ConfigError{Field: "scheduler.cron", Message: "must not be empty"}
	}
	if !gronx.New().IsValid(c.Cron) {
		return &memory.ConfigError{Field: "scheduler.cron", Message: "invalid cron expression: " + c.Cron}
	}
	if c.RunsPerSecond < 0 {
		return &memory.ConfigError{Field: "scheduler.runs_per_second", Message: "must not be negative"}
	}
	return nil
}

// Scheduler runs the policy executor on the configured cadence.
type Scheduler struct {
	executor *policy.Executor
	cfg      Config
	limiter  *rate.Limiter
	log      logger.Logger
}

// New validates cfg and builds a scheduler around the executor.
func New(executor *policy.Executor, cfg Config, log logger.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Global()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RunsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RunsPerSecond), 1)
	}
	return &Scheduler{executor: executor, cfg: cfg, limiter: limiter, log: log}, nil
}

// Run blocks until ctx is canceled, firing a global sweep at every cron
// tick. A sweep that overruns into the next tick simply delays it; ticks
// never stack.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "cron", s.cfg.Cron)

	for {
		next, err := gronx.NextTick(s.cfg.Cron, false)
		if err != nil {
			return &memory.ConfigError{Field: "scheduler.cron", Message: err.Error()}
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		s.sweep(ctx)
	}
}

// RunOnce fires a single sweep immediately, outside the cron cadence.
func (s *Scheduler) RunOnce(ctx context.Context) (*memory.RunSummary, error) {
	return s.executor.Run(ctx, "")
}

// sweep runs the policy for every known user, pacing the per-user runs
// through the limiter. A busy user is skipped; any other failure aborts
// the sweep so the next tick retries from a clean slate.
func (s *Scheduler) sweep(ctx context.Context) {
	started := time.Now()
	users, err := s.executor.Users(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "scheduled policy run failed", "error", err)
		return
	}

	var total memory.RunSummary
	for _, user := range users {
		if err := s.limiter.Wait(ctx); err != nil {
			s.log.ErrorContext(ctx, "scheduled policy run aborted", "error", err)
			return
		}
		summary, err := s.executor.Run(ctx, user)
		if err != nil {
			if errors.Is(err, policy.ErrRunInProgress) {
				s.log.WarnContext(ctx, "skipping busy user", "user_id", user)
				continue
			}
			s.log.ErrorContext(ctx, "scheduled policy run failed", "user_id", user, "error", err)
			return
		}
		total.Migrated += summary.Migrated
		total.Trimmed += summary.Trimmed
		total.Summarized += summary.Summarized
		total.ThreadSummaries += summary.ThreadSummaries
		total.ClustersRebuilt += summary.ClustersRebuilt
		total.Failures += summary.Failures
	}

	s.log.InfoContext(ctx, "scheduled policy run finished",
		"duration", time.Since(started).String(),
		"users", len(users),
		"migrated", total.Migrated,
		"trimmed", total.Trimmed,
		"summarized", total.Summarized,
		"thread_summaries", total.ThreadSummaries,
		"failures", total.Failures,
	)
}
