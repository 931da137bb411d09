// Package policy runs the memory lifecycle: per-tier content trimming,
// age-based migration along the configured tier order, thread-level
// summarization in the designated tier, and a cluster rebuild per user.
//
// Runs for different users are independent; runs for the same user are
// serialized through a RunLock. Per-record store errors are logged,
// counted, and skipped; a store that is unreachable aborts the run.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyberbeamhq/memoric/pkg/clustering"
	"github.com/cyberbeamhq/memoric/pkg/logger"
	"github.com/cyberbeamhq/memoric/pkg/memory"
	"github.com/cyberbeamhq/memoric/pkg/metrics"
	"github.com/cyberbeamhq/memoric/pkg/store"
	"github.com/cyberbeamhq/memoric/pkg/text"
)

// ErrRunInProgress is returned when a run for the same user already
// holds the lock.
var ErrRunInProgress = errors.New("policy: run already in progress for user")

// TierConfig describes one lifecycle tier. Tier order in Config.Tiers is
// the migration order: a record older than ExpiryDays moves to the next
// tier in the list, and the last tier never migrates out.
type TierConfig struct {
	Name       string `json:"name" koanf:"name"`
	ExpiryDays int    `json:"expiry_days" koanf:"expiry_days"`
	MaxChars   int    `json:"max_chars" koanf:"max_chars"`
}

// ContentSummarizationConfig gates the in-place condensing of long
// record content across all tiers. Off by default.
type ContentSummarizationConfig struct {
	Enabled bool `json:"enabled" koanf:"enabled"`

	// MinChars is the content length at which a record is condensed.
	MinChars int `json:"min_chars" koanf:"min_chars"`

	// TargetChars is the condensed length handed to the Summarizer.
	TargetChars int `json:"target_chars" koanf:"target_chars"`

	// MarkSummarized also flags condensed records as summarized.
	MarkSummarized bool `json:"mark_summarized" koanf:"mark_summarized"`
}

// SummarizationConfig bounds thread-level summarization.
type SummarizationConfig struct {
	// MinRecords is how many un-summarized records a thread needs
	// before it is collapsed into a summary.
	MinRecords int `json:"min_records" koanf:"min_records"`

	// TargetChars is the summary length handed to the Summarizer.
	TargetChars int `json:"target_chars" koanf:"target_chars"`

	// BatchSize caps how many records one summary covers.
	BatchSize int `json:"batch_size" koanf:"batch_size"`
}

// Config holds the executor parameters.
type Config struct {
	// Tiers is the ordered tier list. Order is the migration path.
	Tiers []TierConfig `json:"tiers" koanf:"tiers"`

	// Placement decides the tier of newly written memories. Empty means
	// every record lands in the first tier.
	Placement []PlacementRule `json:"placement,omitempty" koanf:"placement"`

	// SummarizeTier names the tier whose threads get collapsed into
	// summaries. Empty means the last tier.
	SummarizeTier string `json:"summarize_tier" koanf:"summarize_tier"`

	Summarization SummarizationConfig `json:"summarization" koanf:"summarization"`

	// ContentSummarization condenses over-long record content in place.
	ContentSummarization ContentSummarizationConfig `json:"content_summarization" koanf:"content_summarization"`

	// FetchLimit caps how many records each per-tier pass considers.
	FetchLimit int `json:"fetch_limit" koanf:"fetch_limit"`
}

// DefaultConfig returns a three-tier lifecycle with stock thresholds.
func DefaultConfig() Config {
	return Config{
		Tiers: []TierConfig{
			{Name: "short_term", ExpiryDays: 7, MaxChars: 2000},
			{Name: "mid_term", ExpiryDays: 30, MaxChars: 1000},
			{Name: "long_term"},
		},
		Summarization: SummarizationConfig{
			MinRecords:  10,
			TargetChars: 1000,
			BatchSize:   200,
		},
		ContentSummarization: ContentSummarizationConfig{
			MinChars:       600,
			TargetChars:    300,
			MarkSummarized: true,
		},
		FetchLimit: 1000,
	}
}

// Validate rejects tier lists and thresholds the executor cannot run on.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return &memory.ConfigError{Field: "policy.tiers", Message: "at least one tier is required"}
	}
	seen := make(map[string]struct{}, len(c.Tiers))
	for _, tier := range c.Tiers {
		name := strings.TrimSpace(tier.Name)
		if name == "" {
			return &memory.ConfigError{Field: "policy.tiers", Message: "tier name must not be empty"}
		}
		if _, dup := seen[name]; dup {
			return &memory.ConfigError{Field: "policy.tiers", Message: "duplicate tier name: " + name}
		}
		seen[name] = struct{}{}
		if tier.ExpiryDays < 0 {
			return &memory.ConfigError{Field: "policy.tiers." + name + ".expiry_days", Message: "must not be negative"}
		}
		if tier.MaxChars < 0 {
			return &memory.ConfigError{Field: "policy.tiers." + name + ".max_chars", Message: "must not be negative"}
		}
	}
	if c.SummarizeTier != "" {
		if _, ok := seen[c.SummarizeTier]; !ok {
			return &memory.ConfigError{Field: "policy.summarize_tier", Message: "unknown tier: " + c.SummarizeTier}
		}
	}
	for i, rule := range c.Placement {
		if _, err := rule.threshold(); err != nil {
			return &memory.ConfigError{
				Field:   fmt.Sprintf("policy.placement[%d].when", i),
				Message: err.Error(),
			}
		}
		if _, ok := seen[rule.To]; !ok {
			return &memory.ConfigError{
				Field:   fmt.Sprintf("policy.placement[%d].to", i),
				Message: "unknown tier: " + rule.To,
			}
		}
	}
	if c.Summarization.MinRecords < 1 {
		return &memory.ConfigError{Field: "policy.summarization.min_records", Message: "must be at least 1"}
	}
	if c.Summarization.TargetChars < 1 {
		return &memory.ConfigError{Field: "policy.summarization.target_chars", Message: "must be at least 1"}
	}
	if c.Summarization.BatchSize < 1 {
		return &memory.ConfigError{Field: "policy.summarization.batch_size", Message: "must be at least 1"}
	}
	if c.ContentSummarization.Enabled {
		if c.ContentSummarization.MinChars < 1 {
			return &memory.ConfigError{Field: "policy.content_summarization.min_chars", Message: "must be at least 1"}
		}
		if c.ContentSummarization.TargetChars < 1 {
			return &memory.ConfigError{Field: "policy.content_summarization.target_chars", Message: "must be at least 1"}
		}
	}
	if c.FetchLimit < 1 {
		return &memory.ConfigError{Field: "policy.fetch_limit", Message: "must be at least 1"}
	}
	return nil
}

// summarizeTier resolves the tier for thread summarization.
func (c Config) summarizeTier() string {
	if c.SummarizeTier != "" {
		return c.SummarizeTier
	}
	return c.Tiers[len(c.Tiers)-1].Name
}

// nextTier returns the successor of name in the configured order, or ""
// for the terminal tier. No successor is a normal condition, not an error.
func (c Config) nextTier(name string) string {
	for i, tier := range c.Tiers {
		if tier.Name == name && i+1 < len(c.Tiers) {
			return c.Tiers[i+1].Name
		}
	}
	return ""
}

// Executor applies the configured lifecycle to stored memories.
type Executor struct {
	store      store.Store
	cfg        Config
	trimmer    text.Trimmer
	summarizer text.Summarizer
	rebuilder  *clustering.Rebuilder
	lock       RunLock
	met        *metrics.Manager
	log        logger.Logger
	now        func() time.Time
}

// Options carries the executor's collaborators. Store, Rebuilder, and
// Config are required; the rest default to working implementations.
type Options struct {
	Store      store.Store
	Config     Config
	Rebuilder  *clustering.Rebuilder
	Trimmer    text.Trimmer
	Summarizer text.Summarizer
	Lock       RunLock
	Metrics    *metrics.Manager
	Logger     logger.Logger
}

// NewExecutor validates the configuration and assembles an executor.
func NewExecutor(opts Options) (*Executor, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		store:      opts.Store,
		cfg:        opts.Config,
		trimmer:    opts.Trimmer,
		summarizer: opts.Summarizer,
		rebuilder:  opts.Rebuilder,
		lock:       opts.Lock,
		met:        opts.Metrics,
		log:        opts.Logger,
		now:        time.Now,
	}
	if e.trimmer == nil {
		e.trimmer = text.SimpleTrimmer{}
	}
	if e.summarizer == nil {
		e.summarizer = text.SimpleSummarizer{}
	}
	if e.lock == nil {
		e.lock = NewLocalLock()
	}
	if e.met == nil {
		e.met = metrics.NoOpManager()
	}
	if e.log == nil {
		e.log = logger.Global()
	}
	return e, nil
}

// SetClock overrides the executor clock. Test hook.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Users lists the user IDs currently present in the store. Callers that
// pace a sweep themselves iterate these and run one user at a time.
func (e *Executor) Users(ctx context.Context) ([]string, error) {
	return e.store.DistinctUsers(ctx)
}

// Run executes the lifecycle. A non-empty userID scopes the run to one
// user; an empty userID sweeps every user in the store. Counts in the
// returned summary reflect successful operations only.
func (e *Executor) Run(ctx context.Context, userID string) (*memory.RunSummary, error) {
	started := e.now()
	summary := &memory.RunSummary{}

	users := []string{userID}
	if userID == "" {
		var err error
		users, err = e.store.DistinctUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("policy: list users: %w", err)
		}
	}

	for _, user := range users {
		if err := e.runUser(ctx, user, summary, userID != ""); err != nil {
			return nil, err
		}
	}

	byTier, err := e.store.CountByTier(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("policy: count by tier: %w", err)
	}
	summary.ByTier = byTier
	summary.RanAt = e.now().UTC()

	e.met.RecordPolicyRunDuration(e.now().Sub(started))
	e.met.RecordPolicyFailures(summary.Failures)
	e.log.InfoContext(ctx, "policy run finished",
		"users", len(users),
		"migrated", summary.Migrated,
		"trimmed", summary.Trimmed,
		"summarized", summary.Summarized,
		"thread_summaries", summary.ThreadSummaries,
		"clusters_rebuilt", summary.ClustersRebuilt,
		"failures", summary.Failures,
	)
	return summary, nil
}

// runUser applies the per-tier state machine to one user under the run
// lock. During a sweep a busy user is skipped; an explicitly requested
// user surfaces ErrRunInProgress instead.
func (e *Executor) runUser(ctx context.Context, userID string, summary *memory.RunSummary, explicit bool) error {
	if strings.TrimSpace(userID) == "" {
		return &memory.ValidationError{Field: "user_id", Message: "must not be empty"}
	}

	release, ok, err := e.lock.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		if explicit {
			return fmt.Errorf("%w: %s", ErrRunInProgress, userID)
		}
		e.log.WarnContext(ctx, "skipping locked user", "user_id", userID)
		return nil
	}
	defer release()

	for _, tier := range e.cfg.Tiers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.trimTier(ctx, userID, tier, summary); err != nil {
			return err
		}
		if err := e.migrateTier(ctx, userID, tier, summary); err != nil {
			return err
		}
	}

	if err := e.summarizeContent(ctx, userID, summary); err != nil {
		return err
	}
	if err := e.summarizeThreads(ctx, userID, e.cfg.summarizeTier(), summary); err != nil {
		return err
	}

	clusters, err := e.rebuilder.Rebuild(ctx, userID)
	if err != nil {
		return err
	}
	summary.ClustersRebuilt += clusters
	e.met.RecordClusterRebuild(userID, clusters)
	return nil
}

// trimTier shortens over-long content in one tier.
func (e *Executor) trimTier(ctx context.Context, userID string, tier TierConfig, summary *memory.RunSummary) error {
	if tier.MaxChars <= 0 {
		return nil
	}
	records, err := e.store.Query(ctx, store.Filter{
		UserID: userID,
		Tier:   tier.Name,
		Limit:  e.cfg.FetchLimit,
	})
	if err != nil {
		return fmt.Errorf("policy: fetch tier %s for trim: %w", tier.Name, err)
	}

	trimmed := 0
	defer func() { summary.Trimmed += trimmed }()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len([]rune(rec.Content)) <= tier.MaxChars {
			continue
		}
		shortened := e.trimmer.Trim(rec.Content, tier.MaxChars)
		if shortened == rec.Content {
			continue
		}
		if _, err := e.store.UpdateContent(ctx, rec.ID, shortened, rec.Summarized); err != nil {
			e.recordFailure(ctx, "trim", tier.Name, rec.ID, err, summary)
			continue
		}
		trimmed++
	}
	e.met.RecordPolicyOperation("trim", trimmed)
	if trimmed > 0 {
		e.log.DebugContext(ctx, "trimmed tier content",
			"user_id", userID, "tier", tier.Name, "count", trimmed)
	}
	return nil
}

// migrateTier moves expired records to the tier's successor. The
// terminal tier has no successor and never migrates out.
func (e *Executor) migrateTier(ctx context.Context, userID string, tier TierConfig, summary *memory.RunSummary) error {
	if tier.ExpiryDays <= 0 {
		return nil
	}
	target := e.cfg.nextTier(tier.Name)
	if target == "" {
		return nil
	}

	cutoff := e.now().UTC().AddDate(0, 0, -tier.ExpiryDays)
	expired, err := e.store.Query(ctx, store.Filter{
		UserID:        userID,
		Tier:          tier.Name,
		UpdatedBefore: cutoff,
		Limit:         e.cfg.FetchLimit,
	})
	if err != nil {
		return fmt.Errorf("policy: fetch tier %s for migration: %w", tier.Name, err)
	}
	if len(expired) == 0 {
		return nil
	}

	ids := make([]string, 0, len(expired))
	for _, rec := range expired {
		ids = append(ids, rec.ID)
	}
	moved, err := e.store.UpdateTier(ctx, ids, target)
	if err != nil {
		e.recordFailure(ctx, "migrate", tier.Name, strings.Join(ids, ","), err, summary)
		return nil
	}
	summary.Migrated += moved
	e.met.RecordPolicyOperation("migrate", moved)
	e.log.DebugContext(ctx, "migrated expired records",
		"user_id", userID, "from_tier", tier.Name, "to_tier", target, "count", moved)
	return nil
}

// summarizeThreads collapses threads with enough un-summarized records
// into a single summary memory. The existence check on a prior summary
// makes re-runs produce no duplicates.
func (e *Executor) summarizeThreads(ctx context.Context, userID, tierName string, summary *memory.RunSummary) error {
	threads, err := e.store.DistinctThreads(ctx, userID, tierName)
	if err != nil {
		return fmt.Errorf("policy: list threads in %s: %w", tierName, err)
	}

	created := 0
	defer func() { summary.ThreadSummaries += created }()
	unsummarized := false
	for _, threadID := range threads {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := e.store.Query(ctx, store.Filter{
			UserID:     userID,
			ThreadID:   threadID,
			Tier:       tierName,
			Summarized: &unsummarized,
			Limit:      e.cfg.Summarization.BatchSize,
		})
		if err != nil {
			e.recordFailure(ctx, "thread_summarize", tierName, threadID, err, summary)
			continue
		}
		if len(records) < e.cfg.Summarization.MinRecords {
			continue
		}

		existing, err := e.store.Query(ctx, store.Filter{
			UserID:   userID,
			ThreadID: threadID,
			Tier:     tierName,
			Metadata: map[string]any{memory.MetadataKindKey: memory.KindThreadSummary},
			Limit:    1,
		})
		if err != nil {
			e.recordFailure(ctx, "thread_summarize", tierName, threadID, err, summary)
			continue
		}

		if len(existing) == 0 {
			parts := make([]string, 0, len(records))
			for _, rec := range records {
				parts = append(parts, rec.Content)
			}
			summaryText := e.summarizer.Summarize(strings.Join(parts, "\n"), e.cfg.Summarization.TargetChars)

			_, err = e.store.Insert(ctx, &memory.Memory{
				UserID:   userID,
				ThreadID: threadID,
				Content:  summaryText,
				Tier:     tierName,
				Metadata: map[string]any{memory.MetadataKindKey: memory.KindThreadSummary},
			})
			if err != nil {
				e.recordFailure(ctx, "thread_summarize", tierName, threadID, err, summary)
				continue
			}
			created++
		}

		// Mark the originals so retrieval and later runs skip them.
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			ids = append(ids, rec.ID)
		}
		if _, err := e.store.MarkSummarized(ctx, ids); err != nil {
			e.recordFailure(ctx, "thread_summarize", tierName, threadID, err, summary)
		}
	}

	e.met.RecordPolicyOperation("thread_summarize", created)
	if created > 0 {
		e.log.DebugContext(ctx, "created thread summaries",
			"user_id", userID, "tier", tierName, "count", created)
	}
	return nil
}

// summarizeContent condenses over-long record content in place, across
// all tiers. Gated off by default; thread summaries are never condensed
// into themselves.
func (e *Executor) summarizeContent(ctx context.Context, userID string, summary *memory.RunSummary) error {
	cfg := e.cfg.ContentSummarization
	if !cfg.Enabled {
		return nil
	}
	records, err := e.store.Query(ctx, store.Filter{
		UserID: userID,
		Limit:  e.cfg.FetchLimit,
	})
	if err != nil {
		return fmt.Errorf("policy: fetch records for content summarization: %w", err)
	}

	condensed := 0
	defer func() { summary.Summarized += condensed }()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.IsThreadSummary() || len([]rune(rec.Content)) < cfg.MinChars {
			continue
		}
		shortened := e.summarizer.Summarize(rec.Content, cfg.TargetChars)
		if shortened == rec.Content {
			continue
		}
		summarized := rec.Summarized || cfg.MarkSummarized
		if _, err := e.store.UpdateContent(ctx, rec.ID, shortened, summarized); err != nil {
			e.recordFailure(ctx, "summarize", rec.Tier, rec.ID, err, summary)
			continue
		}
		condensed++
	}

	e.met.RecordPolicyOperation("summarize", condensed)
	if condensed > 0 {
		e.log.DebugContext(ctx, "condensed long content",
			"user_id", userID, "count", condensed)
	}
	return nil
}

// recordFailure logs a skipped per-record store error and counts it.
func (e *Executor) recordFailure(ctx context.Context, op, tier, id string, err error, summary *memory.RunSummary) {
	summary.Failures++
	e.met.RecordStoreError(op)
	e.log.ErrorContext(ctx, "policy operation failed",
		"operation", op, "tier", tier, "id", id, "error", err)
}
