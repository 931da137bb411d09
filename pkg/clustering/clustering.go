// Package clustering groups a user's memories by their metadata topic
// and category and persists the result as clusters. A rebuild is
// idempotent: group membership is recomputed from scratch, existing
// clusters for the same (topic, category) keep their identity, and
// clusters whose group disappeared are pruned.
package clustering

import (
	"context"
	"fmt"
	"sort"

	"github.com/cyberbeamhq/memoric/pkg/logger"
	"github.com/cyberbeamhq/memoric/pkg/memory"
	"github.com/cyberbeamhq/memoric/pkg/store"
)

// DefaultKey is used when a record's metadata has no topic or category.
const DefaultKey = "general"

// Config holds the clustering parameters.
type Config struct {
	// MinClusterSize drops groups with fewer members.
	MinClusterSize int `json:"min_cluster_size" koanf:"min_cluster_size"`

	// FetchLimit caps how many records one rebuild considers.
	FetchLimit int `json:"fetch_limit" koanf:"fetch_limit"`
}

// DefaultConfig returns the stock clustering parameters.
func DefaultConfig() Config {
	return Config{MinClusterSize: 1, FetchLimit: 10000}
}

// Validate rejects parameters outside their working ranges.
func (c Config) Validate() error {
	if c.MinClusterSize < 1 {
		return &memory.ConfigError{Field: "clustering.min_cluster_size", Message: "must be at least 1"}
	}
	if c.FetchLimit < 1 {
		return &memory.ConfigError{Field: "clustering.fetch_limit", Message: "must be at least 1"}
	}
	return nil
}

type groupKey struct {
	topic    string
	category string
}

// keyFor derives the cluster key from record metadata. Topic and
// category are lowercased and default to "general".
func keyFor(m *memory.Memory) groupKey {
	return groupKey{
		topic:    m.MetadataString("topic", DefaultKey),
		category: m.MetadataString("category", DefaultKey),
	}
}

// Rebuilder recomputes a user's clusters from their stored memories.
type Rebuilder struct {
	store store.Store
	cfg   Config
	log   logger.Logger
}

// NewRebuilder validates cfg and builds a rebuilder.
func NewRebuilder(s store.Store, cfg Config, log logger.Logger) (*Rebuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Global()
	}
	return &Rebuilder{store: s, cfg: cfg, log: log}, nil
}

// Rebuild regroups the user's memories and upserts one cluster per
// (topic, category) group, then prunes clusters no group touched.
// It returns the number of live clusters.
func (r *Rebuilder) Rebuild(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, &memory.ValidationError{Field: "user_id", Message: "must not be empty"}
	}

	records, err := r.store.Query(ctx, store.Filter{UserID: userID, Limit: r.cfg.FetchLimit})
	if err != nil {
		return 0, fmt.Errorf("clustering: fetch memories: %w", err)
	}

	groups := make(map[groupKey][]string)
	for _, m := range records {
		key := keyFor(m)
		groups[key] = append(groups[key], m.ID)
	}

	keys := make([]groupKey, 0, len(groups))
	for key, members := range groups {
		if len(members) < r.cfg.MinClusterSize {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].topic == keys[j].topic {
			return keys[i].category < keys[j].category
		}
		return keys[i].topic < keys[j].topic
	})

	touched := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		members := groups[key]
		sort.Strings(members)
		id, err := r.store.UpsertCluster(ctx, &memory.Cluster{
			UserID:    userID,
			Topic:     key.topic,
			Category:  key.category,
			MemberIDs: members,
		})
		if err != nil {
			return 0, fmt.Errorf("clustering: upsert %s/%s: %w", key.topic, key.category, err)
		}
		touched[id] = struct{}{}
	}

	existing, err := r.store.ListClusters(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("clustering: list clusters: %w", err)
	}
	pruned := 0
	for _, c := range existing {
		if _, ok := touched[c.ID]; ok {
			continue
		}
		if _, err := r.store.DeleteCluster(ctx, c.ID); err != nil {
			return 0, fmt.Errorf("clustering: prune cluster %s: %w", c.ID, err)
		}
		pruned++
	}

	r.log.DebugContext(ctx, "clusters rebuilt",
		"user_id", userID,
		"clusters", len(touched),
		"pruned", pruned,
	)
	return len(touched), nil
}
