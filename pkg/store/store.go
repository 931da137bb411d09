// Package store provides typed persistence for memories and clusters over
// interchangeable backends. Backends fall into two capability profiles:
// indexed (the database evaluates metadata containment natively, e.g.
// Postgres JSONB) and fallback (candidates are fetched and containment is
// applied in process). Both profiles yield identical logical results.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

// Filter selects memories in a Query call. Zero-valued fields are ignored.
type Filter struct {
	// UserID restricts results to one user.
	UserID string

	// Namespace restricts results to one tenant/shared space.
	Namespace string

	// ThreadID restricts results to one conversation.
	ThreadID string

	// ThreadIDs restricts results to a set of conversations. Used by
	// topic-scoped retrieval. An empty non-nil slice matches nothing.
	ThreadIDs []string

	// Tier restricts results to one lifecycle tier.
	Tier string

	// Metadata is a containment filter: a record matches when its
	// metadata document contains this sub-document.
	Metadata map[string]any

	// Summarized, when non-nil, restricts on the summarized flag.
	Summarized *bool

	// UpdatedBefore, when non-zero, restricts to records last touched
	// before the cutoff. Used by age-based tier migration.
	UpdatedBefore time.Time

	// Limit caps the number of returned records. Zero means no cap.
	Limit int
}

// Store is the record store contract. Every mutation runs in its own
// transaction scope; failures are returned as *memory.StoreError carrying
// the operation name and affected ids, never swallowed.
type Store interface {
	// Insert persists a new memory and returns its store-assigned ID.
	// A zero score is replaced by memory.DefaultScore; an empty user ID
	// is rejected before any write.
	Insert(ctx context.Context, m *memory.Memory) (string, error)

	// Query returns memories matching the filter, ordered by creation
	// time then ID.
	Query(ctx context.Context, f Filter) ([]*memory.Memory, error)

	// UpdateTier moves the given memories to newTier and refreshes
	// their updated_at. Returns the number of affected rows.
	UpdateTier(ctx context.Context, ids []string, newTier string) (int, error)

	// UpdateContent replaces a memory's content and summarized flag.
	UpdateContent(ctx context.Context, id, content string, summarized bool) (int, error)

	// MarkSummarized flags the given memories as summarized.
	MarkSummarized(ctx context.Context, ids []string) (int, error)

	// UpsertCluster inserts or updates the cluster keyed on
	// (UserID, Topic, Category) and returns its ID. The ID of an
	// existing cluster is preserved.
	UpsertCluster(ctx context.Context, c *memory.Cluster) (string, error)

	// DeleteCluster removes a cluster by ID.
	DeleteCluster(ctx context.Context, id string) (int, error)

	// ListClusters returns all clusters for a user.
	ListClusters(ctx context.Context, userID string) ([]*memory.Cluster, error)

	// DistinctThreads returns the distinct non-empty thread IDs for a
	// user (optionally restricted to one tier).
	DistinctThreads(ctx context.Context, userID, tier string) ([]string, error)

	// ThreadsSharingTopic returns the distinct thread IDs of a user's
	// memories whose metadata topic equals topic.
	ThreadsSharingTopic(ctx context.Context, userID, topic string) ([]string, error)

	// DistinctUsers returns all user IDs present in the store.
	DistinctUsers(ctx context.Context) ([]string, error)

	// CountByTier returns the record count per tier, optionally for one
	// user (empty userID counts all).
	CountByTier(ctx context.Context, userID string) (map[string]int, error)

	Close() error
}

// newID returns a lexicographically sortable, store-assigned identifier.
func newID() string {
	return ulid.Make().String()
}

// storeErr wraps cause with operation context.
func storeErr(op string, cause error, ids ...string) error {
	return &memory.StoreError{Op: op, IDs: ids, Cause: cause}
}

// prepareInsert validates and normalizes a record before writing. It
// assigns the ID and timestamps and enforces the score invariant.
func prepareInsert(m *memory.Memory, now time.Time) (*memory.Memory, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	rec := m.Clone()
	rec.ID = newID()
	if rec.Score == 0 {
		rec.Score = memory.DefaultScore
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec, nil
}

// matches applies the filter in process. Fallback-profile backends use it
// for the whole filter; indexed backends only for parity in tests.
func (f Filter) matches(m *memory.Memory, containment ContainmentFilter) bool {
	if f.UserID != "" && m.UserID != f.UserID {
		return false
	}
	if f.Namespace != "" && m.Namespace != f.Namespace {
		return false
	}
	if f.ThreadID != "" && m.ThreadID != f.ThreadID {
		return false
	}
	if f.ThreadIDs != nil {
		found := false
		for _, th := range f.ThreadIDs {
			if m.ThreadID == th {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tier != "" && m.Tier != f.Tier {
		return false
	}
	if f.Summarized != nil && m.Summarized != *f.Summarized {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !m.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Metadata) > 0 && !containment.Match(m.Metadata, f.Metadata) {
		return false
	}
	return true
}

// sortAndLimit orders records by creation time then ID and applies the
// filter limit. Shared by the fallback-profile backends.
func sortAndLimit(records []*memory.Memory, limit int) []*memory.Memory {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
