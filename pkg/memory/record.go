package memory

import (
	"strings"
	"time"
)

// MetadataKindKey is the metadata key carrying engine-owned record markers.
const MetadataKindKey = "kind"

// KindThreadSummary marks a memory generated by thread-level summarization.
const KindThreadSummary = "thread_summary"

// DefaultScore is assigned when a memory is written without a score.
// The score column is never null; the store is the last line of defense.
const DefaultScore = 50

// Memory is a single stored record. Records are created by application
// writes already scored and tiered, mutated only by the policy executor
// (tier, content, summarized flag) or explicit promotion, and never deleted
// by this engine.
type Memory struct {
	// ID is the store-assigned, immutable identifier.
	ID string `json:"id"`

	// UserID partitions all isolation. Never empty.
	UserID string `json:"user_id"`

	// ThreadID optionally groups records into a conversation.
	ThreadID string `json:"thread_id,omitempty"`

	// Namespace optionally groups records into a tenant or shared space.
	Namespace string `json:"namespace,omitempty"`

	// Content is the record text, mutable only by trimming or summarization.
	Content string `json:"content"`

	// Metadata is an unordered document of application-defined fields
	// (topic, category, importance, role, ...) plus engine-owned markers.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Tier is the current lifecycle stage. Always a name present in the
	// tier configuration.
	Tier string `json:"tier,omitempty"`

	// Score is the stored relevance score in [0, 100]. Never null.
	Score int `json:"score"`

	// Summarized is true once the content has been folded into a summary,
	// or when the record itself is a generated summary.
	Summarized bool `json:"summarized"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsThreadSummary reports whether the record is a generated thread summary.
func (m *Memory) IsThreadSummary() bool {
	if m.Metadata == nil {
		return false
	}
	kind, _ := m.Metadata[MetadataKindKey].(string)
	return kind == KindThreadSummary
}

// MetadataString returns the metadata value for key as a trimmed,
// lowercased string, or def when absent or not a string.
func (m *Memory) MetadataString(key, def string) string {
	if m.Metadata == nil {
		return def
	}
	raw, ok := m.Metadata[key]
	if !ok {
		return def
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return def
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// Clone returns a deep copy of the record. Metadata values are copied at
// the top level; nested documents are shared only if the caller mutates
// them in place, which the engine never does.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Metadata != nil {
		clone.Metadata = cloneDocument(m.Metadata)
	}
	return &clone
}

func cloneDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		switch v := value.(type) {
		case map[string]any:
			out[key] = cloneDocument(v)
		case []any:
			list := make([]any, len(v))
			copy(list, v)
			out[key] = list
		default:
			out[key] = value
		}
	}
	return out
}

// Validate rejects malformed records before any store call.
func (m *Memory) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return &ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if m.Score < 0 || m.Score > 100 {
		return &ValidationError{Field: "score", Message: "must be in [0, 100]"}
	}
	return nil
}

// Cluster groups a user's memories sharing a (topic, category) pair.
// (UserID, Topic, Category) is unique; the clustering step upserts on this
// triple and never blind-inserts.
type Cluster struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Topic       string    `json:"topic"`
	Category    string    `json:"category"`
	MemberIDs   []string  `json:"member_ids"`
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastBuiltAt time.Time `json:"last_built_at"`
}

// Clone returns a deep copy of the cluster.
func (c *Cluster) Clone() *Cluster {
	if c == nil {
		return nil
	}
	clone := *c
	if c.MemberIDs != nil {
		clone.MemberIDs = append([]string(nil), c.MemberIDs...)
	}
	return &clone
}

// RunSummary reports what one policy executor run changed. Counts reflect
// successful operations only.
type RunSummary struct {
	// Migrated is the number of memories moved to their next tier.
	Migrated int `json:"migrated"`

	// Trimmed is the number of memories whose content was trimmed.
	Trimmed int `json:"trimmed"`

	// Summarized is the number of records whose content was condensed
	// in place by the content summarization pass.
	Summarized int `json:"summarized"`

	// ThreadSummaries is the number of thread summary records created.
	ThreadSummaries int `json:"thread_summaries"`

	// ClustersRebuilt is the number of clusters upserted across users.
	ClustersRebuilt int `json:"clusters_rebuilt"`

	// Failures counts per-record store errors skipped during the run.
	Failures int `json:"failures"`

	// ByTier is the record count per tier after the run.
	ByTier map[string]int `json:"by_tier,omitempty"`

	// RanAt is when the run finished.
	RanAt time.Time `json:"ran_at"`
}
