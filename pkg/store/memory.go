package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

// MemoryStore is an in-process, fallback-profile Store. It backs unit
// tests and ephemeral deployments; all filtering, including metadata
// containment, runs in process.
type MemoryStore struct {
	mu          sync.RWMutex
	memories    map[string]*memory.Memory
	clusters    map[string]*memory.Cluster
	containment ContainmentFilter
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memories:    make(map[string]*memory.Memory),
		clusters:    make(map[string]*memory.Cluster),
		containment: ProcessContainment,
		now:         time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Insert(ctx context.Context, m *memory.Memory) (string, error) {
	rec, err := prepareInsert(m, s.now().UTC())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Memory
	for _, rec := range s.memories {
		if f.matches(rec, s.containment) {
			out = append(out, rec.Clone())
		}
	}
	return sortAndLimit(out, f.Limit), nil
}

func (s *MemoryStore) UpdateTier(ctx context.Context, ids []string, newTier string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := s.now().UTC()
	for _, id := range ids {
		if rec, ok := s.memories[id]; ok {
			rec.Tier = newTier
			rec.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateContent(ctx context.Context, id, content string, summarized bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.memories[id]
	if !ok {
		return 0, nil
	}
	rec.Content = content
	rec.Summarized = summarized
	rec.UpdatedAt = s.now().UTC()
	return 1, nil
}

func (s *MemoryStore) MarkSummarized(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := s.now().UTC()
	for _, id := range ids {
		if rec, ok := s.memories[id]; ok {
			rec.Summarized = true
			rec.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpsertCluster(ctx context.Context, c *memory.Cluster) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for _, existing := range s.clusters {
		if existing.UserID == c.UserID && existing.Topic == c.Topic && existing.Category == c.Category {
			existing.MemberIDs = append([]string(nil), c.MemberIDs...)
			existing.Summary = c.Summary
			existing.UpdatedAt = now
			existing.LastBuiltAt = now
			return existing.ID, nil
		}
	}

	rec := c.Clone()
	rec.ID = newID()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.LastBuiltAt = now
	s.clusters[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) DeleteCluster(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clusters[id]; !ok {
		return 0, nil
	}
	delete(s.clusters, id)
	return 1, nil
}

func (s *MemoryStore) ListClusters(ctx context.Context, userID string) ([]*memory.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Cluster
	for _, c := range s.clusters {
		if c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DistinctThreads(ctx context.Context, userID, tier string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range s.memories {
		if userID != "" && rec.UserID != userID {
			continue
		}
		if tier != "" && rec.Tier != tier {
			continue
		}
		if rec.ThreadID != "" {
			seen[rec.ThreadID] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

func (s *MemoryStore) ThreadsSharingTopic(ctx context.Context, userID, topic string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := map[string]any{"topic": topic}
	seen := make(map[string]struct{})
	for _, rec := range s.memories {
		if rec.UserID != userID || rec.ThreadID == "" {
			continue
		}
		if s.containment.Match(rec.Metadata, want) {
			seen[rec.ThreadID] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

func (s *MemoryStore) DistinctUsers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range s.memories {
		seen[rec.UserID] = struct{}{}
	}
	return sortedKeys(seen), nil
}

func (s *MemoryStore) CountByTier(ctx context.Context, userID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range s.memories {
		if userID != "" && rec.UserID != userID {
			continue
		}
		counts[rec.Tier]++
	}
	return counts, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
