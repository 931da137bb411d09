package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberbeamhq/memoric/pkg/clustering"
	"github.com/cyberbeamhq/memoric/pkg/logger"
	"github.com/cyberbeamhq/memoric/pkg/memory"
	"github.com/cyberbeamhq/memoric/pkg/store"
	"github.com/cyberbeamhq/memoric/pkg/text"
)

var policyNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, s store.Store, cfg Config) *Executor {
	t.Helper()
	rebuilder, err := clustering.NewRebuilder(s, clustering.DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	e, err := NewExecutor(Options{
		Store:     s,
		Config:    cfg,
		Rebuilder: rebuilder,
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)
	e.SetClock(func() time.Time { return policyNow })
	return e
}

// seedAged inserts a record and backdates it by ageDays.
func seedAged(t *testing.T, s *store.MemoryStore, m *memory.Memory, ageDays int) string {
	t.Helper()
	then := policyNow.AddDate(0, 0, -ageDays)
	s.SetClock(func() time.Time { return then })
	id, err := s.Insert(context.Background(), m)
	require.NoError(t, err)
	s.SetClock(func() time.Time { return policyNow })
	return id
}

func TestRunMigratesExpiredRecords(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := Config{
		Tiers: []TierConfig{
			{Name: "hot", ExpiryDays: 7},
			{Name: "warm", ExpiryDays: 30},
			{Name: "cold"},
		},
		Summarization: SummarizationConfig{MinRecords: 10, TargetChars: 1000, BatchSize: 200},
		FetchLimit:    1000,
	}
	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	fresh := seedAged(t, s, &memory.Memory{UserID: "u1", Tier: "hot", Content: "fresh"}, 2)
	expired := seedAged(t, s, &memory.Memory{UserID: "u1", Tier: "hot", Content: "expired"}, 10)
	warmOld := seedAged(t, s, &memory.Memory{UserID: "u1", Tier: "warm", Content: "warm old"}, 45)
	coldOld := seedAged(t, s, &memory.Memory{UserID: "u1", Tier: "cold", Content: "cold old"}, 400)

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Migrated)

	tierOf := func(id string) string {
		records, err := s.Query(ctx, store.Filter{UserID: "u1"})
		require.NoError(t, err)
		for _, rec := range records {
			if rec.ID == id {
				return rec.Tier
			}
		}
		return ""
	}
	assert.Equal(t, "hot", tierOf(fresh))
	assert.Equal(t, "warm", tierOf(expired))
	assert.Equal(t, "cold", tierOf(warmOld))
	// The terminal tier never migrates out.
	assert.Equal(t, "cold", tierOf(coldOld))
}

func TestRunTrimsOverLongContent(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Tiers[0].MaxChars = 20
	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	long := seedAged(t, s, &memory.Memory{
		UserID: "u1", Tier: "short_term",
		Content: strings.Repeat("verbose detail ", 20),
	}, 1)
	seedAged(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "short"}, 1)

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Trimmed)

	records, err := s.Query(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	for _, rec := range records {
		if rec.ID == long {
			assert.LessOrEqual(t, len([]rune(rec.Content)), 20)
		}
	}
}

func TestRunCreatesOneThreadSummary(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		seedAged(t, s, &memory.Memory{
			UserID: "u1", ThreadID: "t1", Tier: "long_term",
			Content: "conversation turn about invoices and refunds.",
		}, 1)
	}

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ThreadSummaries)

	summaries, err := s.Query(ctx, store.Filter{
		UserID:   "u1",
		Metadata: map[string]any{memory.MetadataKindKey: memory.KindThreadSummary},
	})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "t1", summaries[0].ThreadID)
	assert.Equal(t, "long_term", summaries[0].Tier)

	// Originals are flagged so later runs and retrieval skip them.
	unsummarized := false
	remaining, err := s.Query(ctx, store.Filter{
		UserID: "u1", ThreadID: "t1", Tier: "long_term", Summarized: &unsummarized,
	})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].IsThreadSummary())
}

func TestRerunProducesNoDuplicateSummaries(t *testing.T) {
	s := store.NewMemoryStore()
	e := newTestExecutor(t, s, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		seedAged(t, s, &memory.Memory{
			UserID: "u1", ThreadID: "t1", Tier: "long_term", Content: "turn",
		}, 1)
	}

	first, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ThreadSummaries)

	second, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, second.ThreadSummaries)

	summaries, err := s.Query(ctx, store.Filter{
		UserID:   "u1",
		Metadata: map[string]any{memory.MetadataKindKey: memory.KindThreadSummary},
	})
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestRunSweepsAllUsers(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := Config{
		Tiers: []TierConfig{
			{Name: "short_term", ExpiryDays: 7},
			{Name: "long_term"},
		},
		Summarization: SummarizationConfig{MinRecords: 10, TargetChars: 1000, BatchSize: 200},
		FetchLimit:    1000,
	}
	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	seedAged(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "a"}, 10)
	seedAged(t, s, &memory.Memory{UserID: "u2", Tier: "short_term", Content: "b"}, 10)

	summary, err := e.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Migrated)
	assert.Equal(t, map[string]int{"long_term": 2}, summary.ByTier)
}

func TestRunRebuildsClusters(t *testing.T) {
	s := store.NewMemoryStore()
	e := newTestExecutor(t, s, DefaultConfig())
	ctx := context.Background()

	seedAged(t, s, &memory.Memory{
		UserID: "u1", Tier: "short_term", Content: "a",
		Metadata: map[string]any{"topic": "refunds"},
	}, 1)
	seedAged(t, s, &memory.Memory{
		UserID: "u1", Tier: "short_term", Content: "b",
		Metadata: map[string]any{"topic": "shipping"},
	}, 1)

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ClustersRebuilt)

	clusters, err := s.ListClusters(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, clusters, 2)
}

// TestRunEndToEnd follows the lifecycle of one busy thread: twelve
// records in short_term with mixed ages, one run migrating the old ones
// to mid_term, and a second run summarizing mid_term when enough
// un-summarized records accumulated there.
func TestRunEndToEnd(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := Config{
		Tiers: []TierConfig{
			{Name: "short_term", ExpiryDays: 7},
			{Name: "mid_term"},
		},
		SummarizeTier: "mid_term",
		Summarization: SummarizationConfig{MinRecords: 10, TargetChars: 1000, BatchSize: 200},
		FetchLimit:    1000,
	}
	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	for age := 0; age < 12; age++ {
		seedAged(t, s, &memory.Memory{
			UserID: "U1", ThreadID: "T1", Tier: "short_term",
			Content:  "refund request detail",
			Metadata: map[string]any{"topic": "refunds"},
		}, age*2)
	}

	summary, err := e.Run(ctx, "U1")
	require.NoError(t, err)

	// Ages 8..22 days exceed the 7-day expiry.
	assert.Equal(t, 8, summary.Migrated)

	midTerm, err := s.Query(ctx, store.Filter{UserID: "U1", Tier: "mid_term"})
	require.NoError(t, err)
	assert.Len(t, midTerm, 8)

	// Not enough mid_term records for a summary yet.
	assert.Zero(t, summary.ThreadSummaries)

	// Next day the remaining short_term records expire too.
	later := policyNow.AddDate(0, 0, 8)
	e.SetClock(func() time.Time { return later })
	s.SetClock(func() time.Time { return later })

	summary, err = e.Run(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Migrated)
	assert.Equal(t, 1, summary.ThreadSummaries)

	clusters, err := s.ListClusters(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	topics := []string{clusters[0].Topic, clusters[1].Topic}
	assert.ElementsMatch(t, []string{"refunds", "general"}, topics)
}

func TestRunRejectsUnknownSummarizeTier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SummarizeTier = "nonexistent"
	_, err := NewExecutor(Options{Store: store.NewMemoryStore(), Config: cfg})
	require.Error(t, err)
	assert.True(t, memory.IsConfigError(err))
}

func TestRunReturnsErrWhenUserLocked(t *testing.T) {
	s := store.NewMemoryStore()
	e := newTestExecutor(t, s, DefaultConfig())
	ctx := context.Background()

	seedAged(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "a"}, 1)

	lock := NewLocalLock()
	release, ok, err := lock.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()
	e.lock = lock

	_, err = e.Run(ctx, "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunInProgress))

	// A sweep skips the locked user instead of failing.
	summary, err := e.Run(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, summary.Migrated)
}

func TestRunCondensesLongContent(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.ContentSummarization.Enabled = true
	cfg.ContentSummarization.MinChars = 50
	cfg.ContentSummarization.TargetChars = 20
	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	long := seedAged(t, s, &memory.Memory{
		UserID: "u1", Tier: "short_term",
		Content: strings.Repeat("meeting notes about refunds ", 3),
	}, 1)
	short := seedAged(t, s, &memory.Memory{
		UserID: "u1", Tier: "short_term", Content: "brief note",
	}, 1)

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Summarized)
	assert.Zero(t, summary.ThreadSummaries)

	records, err := s.Query(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	for _, rec := range records {
		switch rec.ID {
		case long:
			assert.LessOrEqual(t, len([]rune(rec.Content)), 20)
			assert.True(t, rec.Summarized)
		case short:
			assert.Equal(t, "brief note", rec.Content)
			assert.False(t, rec.Summarized)
		}
	}
}

func TestCondensePassIsOffByDefault(t *testing.T) {
	s := store.NewMemoryStore()
	e := newTestExecutor(t, s, DefaultConfig())
	ctx := context.Background()

	// Over the 600-char condense threshold, under the tier trim limit.
	content := strings.Repeat("detail ", 100)
	id := seedAged(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: content}, 1)

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, summary.Summarized)

	records, err := s.Query(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, content, records[0].Content)
}

func TestCondenseSkipsThreadSummaries(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.ContentSummarization.Enabled = true
	cfg.ContentSummarization.MinChars = 50
	cfg.ContentSummarization.TargetChars = 20
	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	content := strings.Repeat("prior summary text ", 5)
	seedAged(t, s, &memory.Memory{
		UserID: "u1", ThreadID: "t1", Tier: "long_term",
		Content:  content,
		Metadata: map[string]any{memory.MetadataKindKey: memory.KindThreadSummary},
	}, 1)

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, summary.Summarized)

	records, err := s.Query(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, content, records[0].Content)
}

func TestCondenseWithoutMarkKeepsFlag(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.ContentSummarization.Enabled = true
	cfg.ContentSummarization.MinChars = 50
	cfg.ContentSummarization.TargetChars = 20
	cfg.ContentSummarization.MarkSummarized = false
	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	seedAged(t, s, &memory.Memory{
		UserID: "u1", Tier: "short_term",
		Content: strings.Repeat("support ticket details ", 4),
	}, 1)

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Summarized)

	records, err := s.Query(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.LessOrEqual(t, len([]rune(records[0].Content)), 20)
	assert.False(t, records[0].Summarized)
}

func TestRunStopsAfterCancellation(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Tiers[0].MaxChars = 10

	rebuilder, err := clustering.NewRebuilder(s, clustering.DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trimmer := &cancellingTrimmer{cancel: cancel}

	e, err := NewExecutor(Options{
		Store:     s,
		Config:    cfg,
		Rebuilder: rebuilder,
		Trimmer:   trimmer,
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)
	e.SetClock(func() time.Time { return policyNow })

	s.SetClock(func() time.Time { return policyNow })
	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, &memory.Memory{
			UserID: "u1", Tier: "short_term",
			Content: strings.Repeat("word ", 10),
		})
		require.NoError(t, err)
	}

	_, err = e.Run(ctx, "u1")
	require.ErrorIs(t, err, context.Canceled)

	// The record in flight when the context died was still written; the
	// rest of the tier was left alone.
	records, err := s.Query(context.Background(), store.Filter{UserID: "u1"})
	require.NoError(t, err)
	shortened := 0
	for _, rec := range records {
		if len([]rune(rec.Content)) <= 10 {
			shortened++
		}
	}
	assert.Equal(t, 1, trimmer.calls)
	assert.Equal(t, 1, shortened)
}

func TestRunCountsPerRecordFailures(t *testing.T) {
	inner := store.NewMemoryStore()
	s := &failingStore{Store: inner, failOp: "update_content"}
	cfg := DefaultConfig()
	cfg.Tiers[0].MaxChars = 10

	e := newTestExecutor(t, s, cfg)
	ctx := context.Background()

	inner.SetClock(func() time.Time { return policyNow })
	_, err := inner.Insert(ctx, &memory.Memory{
		UserID: "u1", Tier: "short_term",
		Content: strings.Repeat("long ", 20),
	})
	require.NoError(t, err)

	summary, err := e.Run(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, summary.Trimmed)
	assert.Equal(t, 1, summary.Failures)
}

// cancellingTrimmer cancels the surrounding context on its first call
// and trims normally after that.
type cancellingTrimmer struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingTrimmer) Trim(s string, maxChars int) string {
	c.calls++
	if c.calls == 1 {
		c.cancel()
	}
	return text.SimpleTrimmer{}.Trim(s, maxChars)
}

// failingStore injects an error into one operation and delegates the rest.
type failingStore struct {
	store.Store
	failOp string
}

func (f *failingStore) UpdateContent(ctx context.Context, id, content string, summarized bool) (int, error) {
	if f.failOp == "update_content" {
		return 0, &memory.StoreError{Op: "update_content", IDs: []string{id}, Cause: errors.New("injected")}
	}
	return f.Store.UpdateContent(ctx, id, content, summarized)
}
