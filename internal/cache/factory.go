package cache

import (
	"fmt"
	"time"

	"ragpilot/internal/config"
)

// New builds a Cache from the resolved CacheConfig: a pure in-process LRU
// tier for "memory", or that same tier fronting a Redis tier for "redis".
func New(cfg config.CacheConfig, namespace string) (Cache, error) {
	local, err := NewMemory(cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("build local cache: %w", err)
	}

	switch cfg.Backend {
	case "", "memory":
		return local, nil
	case "redis":
		shared, err := NewRedis(cfg.RedisAddr, cfg.RedisDB, cfg.RedisPass, namespace)
		if err != nil {
			return nil, fmt.Errorf("build redis cache: %w", err)
		}
		return NewTiered(local, shared), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// DefaultTTL converts a CacheConfig's TTLSeconds into a time.Duration.
func DefaultTTL(cfg config.CacheConfig) time.Duration {
	if cfg.TTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(cfg.TTLSeconds) * time.Second
}
