package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberbeamhq/memoric/pkg/clustering"
	"github.com/cyberbeamhq/memoric/pkg/logger"
	"github.com/cyberbeamhq/memoric/pkg/memory"
	"github.com/cyberbeamhq/memoric/pkg/policy"
	"github.com/cyberbeamhq/memoric/pkg/store"
)

func newTestScheduler(t *testing.T, s store.Store, cfg Config) *Scheduler {
	t.Helper()
	rebuilder, err := clustering.NewRebuilder(s, clustering.DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	executor, err := policy.NewExecutor(policy.Options{
		Store:     s,
		Config:    policy.DefaultConfig(),
		Rebuilder: rebuilder,
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)

	sched, err := New(executor, cfg, logger.Nop())
	require.NoError(t, err)
	return sched
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Cron = "not a cron"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, memory.IsConfigError(err))

	cfg = DefaultConfig()
	cfg.Cron = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RunsPerSecond = -1
	assert.Error(t, cfg.Validate())
}

func TestRunOnceSweeps(t *testing.T) {
	s := store.NewMemoryStore()
	sched := newTestScheduler(t, s, DefaultConfig())
	ctx := context.Background()

	_, err := s.Insert(ctx, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "x"})
	require.NoError(t, err)

	summary, err := sched.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, map[string]int{"short_term": 1}, summary.ByTier)
}

func TestSweepRunsEveryUser(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.RunsPerSecond = 1000
	sched := newTestScheduler(t, s, cfg)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := s.Insert(ctx, &memory.Memory{UserID: user, Tier: "short_term", Content: "x"})
		require.NoError(t, err)
	}

	sched.sweep(ctx)

	// Every user got its own run, visible through the per-user rebuild.
	for _, user := range []string{"u1", "u2", "u3"} {
		clusters, err := s.ListClusters(ctx, user)
		require.NoError(t, err)
		assert.NotEmpty(t, clusters, user)
	}
}

func TestSweepSkipsBusyUser(t *testing.T) {
	s := store.NewMemoryStore()
	rebuilder, err := clustering.NewRebuilder(s, clustering.DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	lock := policy.NewLocalLock()
	executor, err := policy.NewExecutor(policy.Options{
		Store:     s,
		Config:    policy.DefaultConfig(),
		Rebuilder: rebuilder,
		Lock:      lock,
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.RunsPerSecond = 1000
	sched, err := New(executor, cfg, logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	for _, user := range []string{"busy", "idle"} {
		_, err := s.Insert(ctx, &memory.Memory{UserID: user, Tier: "short_term", Content: "x"})
		require.NoError(t, err)
	}

	release, ok, err := lock.Acquire(ctx, "busy")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	sched.sweep(ctx)

	idle, err := s.ListClusters(ctx, "idle")
	require.NoError(t, err)
	assert.NotEmpty(t, idle)

	busy, err := s.ListClusters(ctx, "busy")
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestRunStopsOnCancel(t *testing.T) {
	sched := newTestScheduler(t, store.NewMemoryStore(), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
