package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ragpilot/internal/config"
)

// New builds a Store from cfg. Backend "memory" (default) or "postgres".
func New(ctx context.Context, cfg config.ConversationConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("conversation store: connect postgres: %w", err)
		}
		return NewPostgres(pool)
	default:
		return nil, fmt.Errorf("conversation store: unknown backend %q", cfg.Backend)
	}
}
