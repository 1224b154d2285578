package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ragpilot/internal/domain"
	"ragpilot/internal/store"
)

// NewMemory returns an in-process conversation store. Semantic search reuses
// internal/store's in-memory cosine vector index, one per conversation,
// keyed by turn id.
func NewMemory() Store {
	return &memStore{
		turns:   make(map[string][]domain.ConversationTurn),
		turnByID: make(map[string]domain.ConversationTurn),
		vectors: make(map[string]store.VectorStore),
	}
}

type memStore struct {
	mu       sync.RWMutex
	turns    map[string][]domain.ConversationTurn
	turnByID map[string]domain.ConversationTurn
	vectors  map[string]store.VectorStore
}

func (s *memStore) AppendTurn(ctx context.Context, turn domain.ConversationTurn) (domain.ConversationTurn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], turn)
	s.turnByID[turn.ID] = turn
	vs, ok := s.vectors[turn.ConversationID]
	if !ok {
		vs = store.NewMemoryVector()
		s.vectors[turn.ConversationID] = vs
	}
	s.mu.Unlock()

	if len(turn.Embedding) > 0 {
		if err := vs.Upsert(ctx, turn.ID, turn.Embedding, nil); err != nil {
			return turn, err
		}
	}
	return turn, nil
}

func (s *memStore) RecentTurns(_ context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[conversationID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]domain.ConversationTurn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *memStore) SimilarTurns(ctx context.Context, conversationID string, queryEmbedding []float32, limit int) ([]domain.ConversationTurn, error) {
	s.mu.RLock()
	vs, ok := s.vectors[conversationID]
	s.mu.RUnlock()
	if !ok || len(queryEmbedding) == 0 {
		return nil, nil
	}

	results, err := vs.SimilaritySearch(ctx, queryEmbedding, limit, nil)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ConversationTurn, 0, len(results))
	for _, r := range results {
		if turn, ok := s.turnByID[r.ID]; ok {
			out = append(out, turn)
		}
	}
	return out, nil
}
