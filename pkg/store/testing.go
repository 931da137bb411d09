package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

// Conformance runs the backend contract suite against a Store. Every
// backend, indexed or fallback, must pass it unchanged; that is what
// makes the capability profiles interchangeable.
func Conformance(t *testing.T, factory func(t *testing.T) Store) {
	t.Helper()

	t.Run("InsertAssignsIDAndDefaults", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		id, err := s.Insert(ctx, &memory.Memory{
			UserID:  "u1",
			Content: "prefers dark mode",
			Tier:    "short_term",
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Query(ctx, Filter{UserID: "u1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, id, got[0].ID)
		assert.Equal(t, memory.DefaultScore, got[0].Score)
		assert.False(t, got[0].CreatedAt.IsZero())
		assert.False(t, got[0].UpdatedAt.IsZero())
	})

	t.Run("InsertRejectsEmptyUser", func(t *testing.T) {
		s := factory(t)

		_, err := s.Insert(context.Background(), &memory.Memory{Content: "x"})
		require.Error(t, err)
		assert.True(t, memory.IsValidationError(err))
	})

	t.Run("QueryFiltersByUserThreadTier", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t1", Tier: "short_term", Content: "a"})
		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t2", Tier: "long_term", Content: "b"})
		seed(t, s, &memory.Memory{UserID: "u2", ThreadID: "t1", Tier: "short_term", Content: "c"})

		got, err := s.Query(ctx, Filter{UserID: "u1", ThreadID: "t1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a", got[0].Content)

		got, err = s.Query(ctx, Filter{UserID: "u1", Tier: "long_term"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].Content)

		got, err = s.Query(ctx, Filter{UserID: "u2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "c", got[0].Content)
	})

	t.Run("QueryThreadSetEmptyMatchesNothing", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t1", Content: "a"})

		got, err := s.Query(ctx, Filter{UserID: "u1", ThreadIDs: []string{}})
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.Query(ctx, Filter{UserID: "u1", ThreadIDs: []string{"t1", "t9"}})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("QueryMetadataContainment", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		seed(t, s, &memory.Memory{UserID: "u1", Content: "flat", Metadata: map[string]any{
			"topic": "billing", "importance": "high",
		}})
		seed(t, s, &memory.Memory{UserID: "u1", Content: "nested", Metadata: map[string]any{
			"topic": "billing", "source": map[string]any{"channel": "email", "verified": true},
		}})
		seed(t, s, &memory.Memory{UserID: "u1", Content: "listed", Metadata: map[string]any{
			"tags": []any{"invoice", "urgent"},
		}})

		got, err := s.Query(ctx, Filter{UserID: "u1", Metadata: map[string]any{"topic": "billing"}})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.Query(ctx, Filter{UserID: "u1", Metadata: map[string]any{
			"source": map[string]any{"channel": "email"},
		}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "nested", got[0].Content)

		got, err = s.Query(ctx, Filter{UserID: "u1", Metadata: map[string]any{"tags": "urgent"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "listed", got[0].Content)

		got, err = s.Query(ctx, Filter{UserID: "u1", Metadata: map[string]any{"topic": "shipping"}})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("QueryOrderAndLimit", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		first := seed(t, s, &memory.Memory{UserID: "u1", Content: "first"})
		second := seed(t, s, &memory.Memory{UserID: "u1", Content: "second"})
		seed(t, s, &memory.Memory{UserID: "u1", Content: "third"})

		got, err := s.Query(ctx, Filter{UserID: "u1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, first, got[0].ID)
		assert.Equal(t, second, got[1].ID)
	})

	t.Run("UpdateTier", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		a := seed(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "a"})
		b := seed(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "b"})
		seed(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "c"})

		n, err := s.UpdateTier(ctx, []string{a, b}, "long_term")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.Query(ctx, Filter{UserID: "u1", Tier: "long_term"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		n, err = s.UpdateTier(ctx, nil, "long_term")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("UpdateContentAndMarkSummarized", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		id := seed(t, s, &memory.Memory{UserID: "u1", Content: "long original text"})

		n, err := s.UpdateContent(ctx, id, "short", true)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.Query(ctx, Filter{UserID: "u1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "short", got[0].Content)
		assert.True(t, got[0].Summarized)

		other := seed(t, s, &memory.Memory{UserID: "u1", Content: "another"})
		n, err = s.MarkSummarized(ctx, []string{other})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		unsummarized := false
		got, err = s.Query(ctx, Filter{UserID: "u1", Summarized: &unsummarized})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("UpdatedBeforeCutoff", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		seed(t, s, &memory.Memory{UserID: "u1", Content: "old"})
		time.Sleep(10 * time.Millisecond)
		cutoff := time.Now().UTC()
		time.Sleep(10 * time.Millisecond)
		seed(t, s, &memory.Memory{UserID: "u1", Content: "new"})

		got, err := s.Query(ctx, Filter{UserID: "u1", UpdatedBefore: cutoff})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "old", got[0].Content)
	})

	t.Run("ClusterUpsertPreservesID", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		id1, err := s.UpsertCluster(ctx, &memory.Cluster{
			UserID: "u1", Topic: "billing", Category: "preferences",
			MemberIDs: []string{"m1"}, Summary: "one member",
		})
		require.NoError(t, err)
		require.NotEmpty(t, id1)

		id2, err := s.UpsertCluster(ctx, &memory.Cluster{
			UserID: "u1", Topic: "billing", Category: "preferences",
			MemberIDs: []string{"m1", "m2"}, Summary: "two members",
		})
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		clusters, err := s.ListClusters(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, clusters, 1)
		assert.Equal(t, []string{"m1", "m2"}, clusters[0].MemberIDs)
		assert.Equal(t, "two members", clusters[0].Summary)
	})

	t.Run("ClusterDeleteAndIsolation", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		id, err := s.UpsertCluster(ctx, &memory.Cluster{UserID: "u1", Topic: "a", Category: "general"})
		require.NoError(t, err)
		_, err = s.UpsertCluster(ctx, &memory.Cluster{UserID: "u2", Topic: "a", Category: "general"})
		require.NoError(t, err)

		n, err := s.DeleteCluster(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		clusters, err := s.ListClusters(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, clusters)

		clusters, err = s.ListClusters(ctx, "u2")
		require.NoError(t, err)
		assert.Len(t, clusters, 1)
	})

	t.Run("DistinctThreadsAndUsers", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t1", Tier: "short_term", Content: "a"})
		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t1", Tier: "short_term", Content: "b"})
		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t2", Tier: "long_term", Content: "c"})
		seed(t, s, &memory.Memory{UserID: "u1", Content: "no thread"})
		seed(t, s, &memory.Memory{UserID: "u2", ThreadID: "t9", Content: "d"})

		threads, err := s.DistinctThreads(ctx, "u1", "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t1", "t2"}, threads)

		threads, err = s.DistinctThreads(ctx, "u1", "short_term")
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, threads)

		users, err := s.DistinctUsers(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"u1", "u2"}, users)
	})

	t.Run("ThreadsSharingTopic", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t1", Content: "a",
			Metadata: map[string]any{"topic": "billing"}})
		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t2", Content: "b",
			Metadata: map[string]any{"topic": "billing"}})
		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t3", Content: "c",
			Metadata: map[string]any{"topic": "shipping"}})
		seed(t, s, &memory.Memory{UserID: "u2", ThreadID: "t4", Content: "d",
			Metadata: map[string]any{"topic": "billing"}})
		// A topic list counts when it contains the searched topic.
		seed(t, s, &memory.Memory{UserID: "u1", ThreadID: "t5", Content: "e",
			Metadata: map[string]any{"topic": []string{"billing", "refunds"}}})

		threads, err := s.ThreadsSharingTopic(ctx, "u1", "billing")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t1", "t2", "t5"}, threads)
	})

	t.Run("CountByTier", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		seed(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "a"})
		seed(t, s, &memory.Memory{UserID: "u1", Tier: "short_term", Content: "b"})
		seed(t, s, &memory.Memory{UserID: "u1", Tier: "long_term", Content: "c"})
		seed(t, s, &memory.Memory{UserID: "u2", Tier: "short_term", Content: "d"})

		counts, err := s.CountByTier(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"short_term": 2, "long_term": 1}, counts)
	})
}

func seed(t *testing.T, s Store, m *memory.Memory) string {
	t.Helper()
	id, err := s.Insert(context.Background(), m)
	require.NoError(t, err)
	return id
}
