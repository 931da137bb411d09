// Package retriever answers memory lookups at four scopes: a single
// thread, all threads sharing a topic, a whole user, and cross-user.
// Results are scored, ranked, and truncated to the requested size.
//
// The cross-user scope deliberately breaks user isolation and is a
// separate, gated code path: a request must carry AllowCrossUser or it
// is rejected. It is never the default.
package retriever

import (
	"context"
	"sort"
	"time"

	"github.com/cyberbeamhq/memoric/pkg/logger"
	"github.com/cyberbeamhq/memoric/pkg/memory"
	"github.com/cyberbeamhq/memoric/pkg/metrics"
	"github.com/cyberbeamhq/memoric/pkg/scoring"
	"github.com/cyberbeamhq/memoric/pkg/store"
)

// Scope selects how wide a retrieval reaches.
type Scope string

const (
	ScopeThread    Scope = "thread"
	ScopeTopic     Scope = "topic"
	ScopeUser      Scope = "user"
	ScopeCrossUser Scope = "cross_user"
)

// Config holds the retrieval parameters.
type Config struct {
	// DefaultTopK is the result size when a request does not set one.
	DefaultTopK int `json:"default_top_k" koanf:"default_top_k"`

	// CandidateLimit caps how many records are fetched for ranking.
	CandidateLimit int `json:"candidate_limit" koanf:"candidate_limit"`
}

// DefaultConfig returns the stock retrieval parameters.
func DefaultConfig() Config {
	return Config{DefaultTopK: 10, CandidateLimit: 1000}
}

// Validate rejects parameters outside their working ranges.
func (c Config) Validate() error {
	if c.DefaultTopK < 1 {
		return &memory.ConfigError{Field: "retrieval.default_top_k", Message: "must be at least 1"}
	}
	if c.CandidateLimit < 1 {
		return &memory.ConfigError{Field: "retrieval.candidate_limit", Message: "must be at least 1"}
	}
	return nil
}

// Request describes one retrieval.
type Request struct {
	UserID         string
	ThreadID       string
	Namespace      string
	MetadataFilter map[string]any

	// Scope defaults to ScopeThread.
	Scope Scope

	// TopK caps the result size; zero uses the configured default.
	TopK int

	// AllowCrossUser must be set by a caller that has verified elevated
	// access before ScopeCrossUser is honored.
	AllowCrossUser bool
}

// Retriever resolves scopes, queries the store, and ranks by score.
type Retriever struct {
	store  store.Store
	engine *scoring.Engine
	cfg    Config
	met    *metrics.Manager
	log    logger.Logger
	now    func() time.Time
}

// New validates cfg and builds a retriever. Metrics and logger may be
// nil.
func New(s store.Store, engine *scoring.Engine, cfg Config, met *metrics.Manager, log logger.Logger) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if met == nil {
		met = metrics.NoOpManager()
	}
	if log == nil {
		log = logger.Global()
	}
	return &Retriever{store: s, engine: engine, cfg: cfg, met: met, log: log, now: time.Now}, nil
}

// SetClock overrides the scoring clock. Test hook.
func (r *Retriever) SetClock(now func() time.Time) { r.now = now }

// Retrieve returns up to TopK memories matching the request, sorted by
// score descending with ties broken by most recent creation. Records
// already collapsed into a thread summary are skipped.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]*memory.Memory, error) {
	started := r.now()

	filter, err := r.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}

	candidates, err := r.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := r.now()
	results := make([]*memory.Memory, 0, len(candidates))
	for _, m := range candidates {
		scored := m.Clone()
		scored.Score = r.engine.Compute(scored, now)
		results = append(results, scored)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].Score > results[j].Score
	})

	topK := req.TopK
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}
	if len(results) > topK {
		results = results[:topK]
	}

	scope := req.Scope
	if scope == "" {
		scope = ScopeThread
	}
	r.met.RecordRetrieval(string(scope), r.now().Sub(started))
	r.log.DebugContext(ctx, "memories retrieved",
		"user_id", req.UserID,
		"scope", string(scope),
		"candidates", len(candidates),
		"results", len(results),
	)
	return results, nil
}

// resolveScope maps the request scope onto a store filter. Un-summarized
// records only; summarized originals are represented by their thread
// summary.
func (r *Retriever) resolveScope(ctx context.Context, req Request) (store.Filter, error) {
	unsummarized := false
	filter := store.Filter{
		UserID:     req.UserID,
		ThreadID:   req.ThreadID,
		Namespace:  req.Namespace,
		Metadata:   req.MetadataFilter,
		Summarized: &unsummarized,
		Limit:      r.cfg.CandidateLimit,
	}

	scope := req.Scope
	if scope == "" {
		scope = ScopeThread
	}

	if scope != ScopeCrossUser && req.UserID == "" {
		return store.Filter{}, &memory.ValidationError{Field: "user_id", Message: "must not be empty"}
	}

	switch scope {
	case ScopeThread:
		return filter, nil

	case ScopeTopic:
		topic, ok := req.MetadataFilter["topic"].(string)
		if !ok || topic == "" {
			return store.Filter{}, &memory.ConfigError{
				Field:   "scope",
				Message: "topic scope requires a topic in the metadata filter",
			}
		}
		threads, err := r.store.ThreadsSharingTopic(ctx, req.UserID, topic)
		if err != nil {
			return store.Filter{}, err
		}
		if threads == nil {
			threads = []string{}
		}
		filter.ThreadID = ""
		filter.ThreadIDs = threads
		return filter, nil

	case ScopeUser:
		filter.ThreadID = ""
		return filter, nil

	case ScopeCrossUser:
		if !req.AllowCrossUser {
			return store.Filter{}, memory.ErrCrossUserScope
		}
		filter.UserID = ""
		filter.ThreadID = ""
		return filter, nil

	default:
		return store.Filter{}, &memory.ConfigError{
			Field:   "scope",
			Message: "unknown scope: " + string(scope),
		}
	}
}
