// Package memory is C9's conversation half: per-conversation turn history
// with last-M retrieval and semantic similarity search among a
// conversation's own turn embeddings. The answer/embedding cache half of C9
// lives in internal/cache.
package memory

import (
	"context"

	"ragpilot/internal/domain"
)

// Store is the conversation turn store.
type Store interface {
	// AppendTurn persists turn, assigning an ID and CreatedAt if unset.
	AppendTurn(ctx context.Context, turn domain.ConversationTurn) (domain.ConversationTurn, error)
	// RecentTurns returns up to limit most recent turns for conversationID,
	// oldest first.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error)
	// SimilarTurns returns up to limit turns from conversationID whose
	// embedding is most cosine-similar to queryEmbedding.
	SimilarTurns(ctx context.Context, conversationID string, queryEmbedding []float32, limit int) ([]domain.ConversationTurn, error)
}
