package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberbeamhq/memoric/pkg/memory"
)

func TestMemoryStoreConformance(t *testing.T) {
	Conformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreClockHook(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	id, err := s.Insert(context.Background(), &memory.Memory{UserID: "u1", Content: "x"})
	require.NoError(t, err)

	got, err := s.Query(context.Background(), Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.True(t, got[0].CreatedAt.Equal(fixed))
}

func TestMemoryStoreQueryReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Insert(ctx, &memory.Memory{
		UserID:   "u1",
		Content:  "original",
		Metadata: map[string]any{"topic": "billing"},
	})
	require.NoError(t, err)

	got, err := s.Query(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got[0].Content = "mutated"
	got[0].Metadata["topic"] = "mutated"

	again, err := s.Query(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "original", again[0].Content)
	assert.Equal(t, "billing", again[0].Metadata["topic"])
}
