package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

const (
	memoryKeyPrefix  = "mem:"
	clusterKeyPrefix = "cluster:"
)

// BadgerStore is a fallback-profile Store over an embedded Badger
// key-value database. Records are keyed by user so per-user operations
// scan one prefix; metadata containment runs in process.
type BadgerStore struct {
	db          *badger.DB
	containment ContainmentFilter
	now         func() time.Time
}

// NewBadgerStore wraps an already-open Badger DB whose lifecycle is
// managed by the caller.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, containment: ProcessContainment, now: time.Now}
}

// SetClock overrides the store clock. Test hook.
func (s *BadgerStore) SetClock(now func() time.Time) { s.now = now }

func memoryKey(userID, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", memoryKeyPrefix, userID, id))
}

func userPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", memoryKeyPrefix, userID))
}

func clusterKey(userID, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", clusterKeyPrefix, userID, id))
}

func clusterPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", clusterKeyPrefix, userID))
}

func (s *BadgerStore) Insert(ctx context.Context, m *memory.Memory) (string, error) {
	rec, err := prepareInsert(m, s.now().UTC())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", storeErr("insert", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memoryKey(rec.UserID, rec.ID), data)
	})
	if err != nil {
		return "", storeErr("insert", err, rec.ID)
	}
	return rec.ID, nil
}

func (s *BadgerStore) Query(ctx context.Context, f Filter) ([]*memory.Memory, error) {
	prefix := []byte(memoryKeyPrefix)
	if f.UserID != "" {
		prefix = userPrefix(f.UserID)
	}

	var out []*memory.Memory
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec memory.Memory
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if f.matches(&rec, s.containment) {
				out = append(out, rec.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("query", err)
	}
	return sortAndLimit(out, f.Limit), nil
}

// mutate loads each record by id, applies fn, and writes it back. Badger
// keys embed the user, so ids are resolved by scanning the memory prefix.
func (s *BadgerStore) mutate(op string, ids []string, fn func(*memory.Memory)) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(memoryKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			parts := strings.SplitN(key, ":", 3)
			if len(parts) != 3 {
				continue
			}
			if _, ok := want[parts[2]]; !ok {
				continue
			}
			var rec memory.Memory
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			fn(&rec)
			rec.UpdatedAt = s.now().UTC()
			data, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := txn.Set(it.Item().KeyCopy(nil), data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, storeErr(op, err, ids...)
	}
	return count, nil
}

func (s *BadgerStore) UpdateTier(ctx context.Context, ids []string, newTier string) (int, error) {
	return s.mutate("update_tier", ids, func(rec *memory.Memory) {
		rec.Tier = newTier
	})
}

func (s *BadgerStore) UpdateContent(ctx context.Context, id, content string, summarized bool) (int, error) {
	return s.mutate("update_content", []string{id}, func(rec *memory.Memory) {
		rec.Content = content
		rec.Summarized = summarized
	})
}

func (s *BadgerStore) MarkSummarized(ctx context.Context, ids []string) (int, error) {
	return s.mutate("mark_summarized", ids, func(rec *memory.Memory) {
		rec.Summarized = true
	})
}

func (s *BadgerStore) UpsertCluster(ctx context.Context, c *memory.Cluster) (string, error) {
	now := s.now().UTC()
	var id string

	err := s.db.Update(func(txn *badger.Txn) error {
		// Find an existing cluster for the triple so its ID survives.
		existing, err := s.findCluster(txn, c.UserID, c.Topic, c.Category)
		if err != nil {
			return err
		}

		rec := c.Clone()
		if existing != nil {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.ID = newID()
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		rec.LastBuiltAt = now

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		id = rec.ID
		return txn.Set(clusterKey(rec.UserID, rec.ID), data)
	})
	if err != nil {
		return "", storeErr("upsert_cluster", err)
	}
	return id, nil
}

func (s *BadgerStore) findCluster(txn *badger.Txn, userID, topic, category string) (*memory.Cluster, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = clusterPrefix(userID)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var c memory.Cluster
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		}); err != nil {
			return nil, err
		}
		if c.Topic == topic && c.Category == category {
			return &c, nil
		}
	}
	return nil, nil
}

func (s *BadgerStore) DeleteCluster(ctx context.Context, id string) (int, error) {
	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(clusterKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			parts := strings.SplitN(key, ":", 3)
			if len(parts) == 3 && parts[2] == id {
				if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
					return err
				}
				count++
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("delete_cluster", err, id)
	}
	return count, nil
}

func (s *BadgerStore) ListClusters(ctx context.Context, userID string) ([]*memory.Cluster, error) {
	var out []*memory.Cluster
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = clusterPrefix(userID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c memory.Cluster
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list_clusters", err)
	}
	return out, nil
}

func (s *BadgerStore) DistinctThreads(ctx context.Context, userID, tier string) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.forEachMemory(userID, func(rec *memory.Memory) {
		if tier != "" && rec.Tier != tier {
			return
		}
		if rec.ThreadID != "" {
			seen[rec.ThreadID] = struct{}{}
		}
	})
	if err != nil {
		return nil, storeErr("distinct_threads", err)
	}
	return sortedKeys(seen), nil
}

func (s *BadgerStore) ThreadsSharingTopic(ctx context.Context, userID, topic string) ([]string, error) {
	want := map[string]any{"topic": topic}
	seen := make(map[string]struct{})
	err := s.forEachMemory(userID, func(rec *memory.Memory) {
		if rec.ThreadID == "" {
			return
		}
		if s.containment.Match(rec.Metadata, want) {
			seen[rec.ThreadID] = struct{}{}
		}
	})
	if err != nil {
		return nil, storeErr("threads_sharing_topic", err)
	}
	return sortedKeys(seen), nil
}

func (s *BadgerStore) DistinctUsers(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.forEachMemory("", func(rec *memory.Memory) {
		seen[rec.UserID] = struct{}{}
	})
	if err != nil {
		return nil, storeErr("distinct_users", err)
	}
	return sortedKeys(seen), nil
}

func (s *BadgerStore) CountByTier(ctx context.Context, userID string) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.forEachMemory(userID, func(rec *memory.Memory) {
		counts[rec.Tier]++
	})
	if err != nil {
		return nil, storeErr("count_by_tier", err)
	}
	return counts, nil
}

// Close is a no-op; the Badger DB lifecycle is managed by the caller.
func (s *BadgerStore) Close() error { return nil }

func (s *BadgerStore) forEachMemory(userID string, fn func(*memory.Memory)) error {
	prefix := []byte(memoryKeyPrefix)
	if userID != "" {
		prefix = userPrefix(userID)
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec memory.Memory
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			fn(&rec)
		}
		return nil
	})
}
