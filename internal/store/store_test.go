package store

import (
	"context"
	"testing"

	"ragpilot/internal/config"

	"github.com/stretchr/testify/require"
)

func TestMemorySearchRanksByTermFrequency(t *testing.T) {
	s := NewMemorySearch()
	ctx := context.Background()
	require.NoError(t, s.Index(ctx, "a", "the quick brown fox", nil))
	require.NoError(t, s.Index(ctx, "b", "fox fox fox jumps", nil))

	results, err := s.Search(ctx, "fox", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "b", results[0].ID)
}

func TestMemorySearchRemove(t *testing.T) {
	s := NewMemorySearch()
	ctx := context.Background()
	require.NoError(t, s.Index(ctx, "a", "hello world", nil))
	require.NoError(t, s.Remove(ctx, "a"))
	results, err := s.Search(ctx, "hello", 10)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestMemoryVectorSimilaritySearch(t *testing.T) {
	v := NewMemoryVector()
	ctx := context.Background()
	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
	require.NoError(t, v.Upsert(ctx, "b", []float32{0, 1, 0}, nil))

	results, err := v.SimilaritySearch(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Equal(t, "a", results[0].ID)
	require.InDelta(t, 1.0, results[0].Score, 0.0001)
}

func TestMemoryVectorFilter(t *testing.T) {
	v := NewMemoryVector()
	ctx := context.Background()
	require.NoError(t, v.Upsert(ctx, "a", []float32{1, 0}, map[string]string{"tenant": "x"}))
	require.NoError(t, v.Upsert(ctx, "b", []float32{1, 0}, map[string]string{"tenant": "y"}))

	results, err := v.SimilaritySearch(ctx, []float32{1, 0}, 10, map[string]string{"tenant": "y"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "b", results[0].ID)
}

func TestNewManagerDefaultsToMemory(t *testing.T) {
	m, err := NewManager(context.Background(), config.StoreConfig{})
	require.NoError(t, err)
	require.NotNil(t, m.Search)
	require.NotNil(t, m.Vector)
}
