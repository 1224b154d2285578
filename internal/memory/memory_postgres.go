package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ragpilot/internal/domain"
)

// NewPostgres returns a Postgres-backed conversation store. Turn embeddings
// are stored as DOUBLE PRECISION arrays and compared in Go, avoiding a
// hard dependency on the pgvector extension for this secondary index (C4's
// primary retrieval path already owns the pgvector-backed table).
func NewPostgres(pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return nil, errors.New("conversation postgres store requires a pool")
	}
	ctx := context.Background()
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id UUID PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    query TEXT NOT NULL,
    answer TEXT NOT NULL,
    route TEXT NOT NULL DEFAULT '',
    embedding DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS conversation_turns_conv_created_idx
    ON conversation_turns(conversation_id, created_at);
`)
	if err != nil {
		return nil, err
	}
	return &pgStore{pool: pool}, nil
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) AppendTurn(ctx context.Context, turn domain.ConversationTurn) (domain.ConversationTurn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	embedding := make([]float64, len(turn.Embedding))
	for i, v := range turn.Embedding {
		embedding[i] = float64(v)
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO conversation_turns(id, conversation_id, query, answer, route, embedding, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at
`, turn.ID, turn.ConversationID, turn.Query, turn.Answer, string(turn.Route), embedding, turn.CreatedAt)

	if err := row.Scan(&turn.CreatedAt); err != nil {
		return turn, err
	}
	return turn, nil
}

func (s *pgStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		limit = 6
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, conversation_id, query, answer, route, embedding, created_at
FROM conversation_turns
WHERE conversation_id = $1
ORDER BY created_at DESC
LIMIT $2
`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	reverse(turns)
	return turns, nil
}

// SimilarTurns loads the conversation's turns and ranks them by cosine
// similarity in Go. Conversations are small (bounded by retention policy),
// so this avoids needing pgvector wired into a second table.
func (s *pgStore) SimilarTurns(ctx context.Context, conversationID string, queryEmbedding []float32, limit int) ([]domain.ConversationTurn, error) {
	if len(queryEmbedding) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, conversation_id, query, answer, route, embedding, created_at
FROM conversation_turns
WHERE conversation_id = $1 AND cardinality(embedding) > 0
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}

	return topBySimilarity(turns, queryEmbedding, limit), nil
}

func scanTurns(rows pgx.Rows) ([]domain.ConversationTurn, error) {
	var out []domain.ConversationTurn
	for rows.Next() {
		var t domain.ConversationTurn
		var route string
		var embedding []float64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Query, &t.Answer, &route, &embedding, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Route = domain.Route(route)
		t.Embedding = make([]float32, len(embedding))
		for i, v := range embedding {
			t.Embedding[i] = float32(v)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func reverse(turns []domain.ConversationTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

func topBySimilarity(turns []domain.ConversationTurn, query []float32, limit int) []domain.ConversationTurn {
	type scored struct {
		turn  domain.ConversationTurn
		score float64
	}
	scoredTurns := make([]scored, 0, len(turns))
	for _, t := range turns {
		scoredTurns = append(scoredTurns, scored{turn: t, score: cosineSimilarity(query, t.Embedding)})
	}
	sort.Slice(scoredTurns, func(i, j int) bool { return scoredTurns[i].score > scoredTurns[j].score })
	if limit > 0 && len(scoredTurns) > limit {
		scoredTurns = scoredTurns[:limit]
	}
	out := make([]domain.ConversationTurn, len(scoredTurns))
	for i, s := range scoredTurns {
		out[i] = s.turn
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, an, bn float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		an += float64(a[i]) * float64(a[i])
		bn += float64(b[i]) * float64(b[i])
	}
	if an == 0 || bn == 0 {
		return 0
	}
	return dot / (math.Sqrt(an) * math.Sqrt(bn))
}
