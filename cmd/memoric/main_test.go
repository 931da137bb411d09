package main

import (
	"context"
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberbeamhq/memoric/config"
	"github.com/cyberbeamhq/memoric/pkg/clustering"
	"github.com/cyberbeamhq/memoric/pkg/logger"
	"github.com/cyberbeamhq/memoric/pkg/memory"
	"github.com/cyberbeamhq/memoric/pkg/policy"
)

func TestOpenStoreBackends(t *testing.T) {
	log := logger.Nop()

	cases := []struct {
		backend string
		path    string
	}{
		{"memory", ""},
		{"sqlite", filepath.Join(t.TempDir(), "memoric.db")},
		{"badger", t.TempDir()},
	}
	for _, tc := range cases {
		t.Run(tc.backend, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Storage.Backend = tc.backend
			cfg.Storage.Path = tc.path

			st, cleanup, err := openStore(context.Background(), cfg, log)
			require.NoError(t, err)
			defer cleanup()

			_, err = st.Insert(context.Background(), &memory.Memory{
				UserID:  "u1",
				Content: "smoke",
			})
			require.NoError(t, err)
		})
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "void"

	_, _, err := openStore(context.Background(), cfg, logger.Nop())
	require.Error(t, err)
}

func TestOneShotRunAgainstMemoryStore(t *testing.T) {
	cfg := config.DefaultConfig()
	log := logger.Nop()

	st, cleanup, err := openStore(context.Background(), cfg, log)
	require.NoError(t, err)
	defer cleanup()

	for i := 0; i < 3; i++ {
		_, err := st.Insert(context.Background(), &memory.Memory{
			UserID:   "u1",
			ThreadID: "t1",
			Content:  "note",
			Tier:     "short_term",
			Metadata: map[string]any{"topic": "billing"},
		})
		require.NoError(t, err)
	}

	rebuilder, err := clustering.NewRebuilder(st, cfg.Clustering, log)
	require.NoError(t, err)

	executor, err := policy.NewExecutor(policy.Options{
		Store:     st,
		Config:    cfg.Policy,
		Rebuilder: rebuilder,
		Logger:    log,
	})
	require.NoError(t, err)

	summary, err := executor.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.ByTier["short_term"])
	assert.Equal(t, 1, summary.ClustersRebuilt)
}

func TestBuildOverrides(t *testing.T) {
	require.NoError(t, flag.Set("backend", "sqlite"))
	require.NoError(t, flag.Set("log-level", "debug"))
	t.Cleanup(func() {
		_ = flag.Set("backend", "")
		_ = flag.Set("log-level", "")
	})

	overrides := buildOverrides()
	assert.Equal(t, "sqlite", overrides["storage.backend"])
	assert.Equal(t, "debug", overrides["log.level"])
	assert.NotContains(t, overrides, "app.debug")
}
