package memory

import (
	"context"
	"testing"

	"ragpilot/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAppendAndRecentTurns(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.AppendTurn(ctx, domain.ConversationTurn{ConversationID: "c1", Query: "q1", Answer: "a1"})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, domain.ConversationTurn{ConversationID: "c1", Query: "q2", Answer: "a2"})
	require.NoError(t, err)

	turns, err := s.RecentTurns(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "q1", turns[0].Query)
	require.Equal(t, "q2", turns[1].Query)
}

func TestMemoryStoreRecentTurnsRespectsLimit(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.AppendTurn(ctx, domain.ConversationTurn{ConversationID: "c1", Query: "q", Answer: "a"})
		require.NoError(t, err)
	}
	turns, err := s.RecentTurns(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestMemoryStoreSimilarTurnsRanksByCosine(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.AppendTurn(ctx, domain.ConversationTurn{ConversationID: "c1", Query: "about cats", Answer: "a", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, domain.ConversationTurn{ConversationID: "c1", Query: "about dogs", Answer: "a", Embedding: []float32{0, 1, 0}})
	require.NoError(t, err)

	turns, err := s.SimilarTurns(ctx, "c1", []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "about cats", turns[0].Query)
}

func TestMemoryStoreSimilarTurnsEmptyWhenNoEmbeddings(t *testing.T) {
	s := NewMemory()
	turns, err := s.SimilarTurns(context.Background(), "unknown", []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestMemoryStoreIsolatesConversations(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	_, err := s.AppendTurn(ctx, domain.ConversationTurn{ConversationID: "c1", Query: "q1", Answer: "a1"})
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, domain.ConversationTurn{ConversationID: "c2", Query: "q2", Answer: "a2"})
	require.NoError(t, err)

	turns, err := s.RecentTurns(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, "q1", turns[0].Query)
}

func TestTopBySimilarityOrdersDescending(t *testing.T) {
	turns := []domain.ConversationTurn{
		{Query: "low", Embedding: []float32{0, 1}},
		{Query: "high", Embedding: []float32{1, 0}},
	}
	out := topBySimilarity(turns, []float32{1, 0}, 2)
	require.Equal(t, "high", out[0].Query)
}
