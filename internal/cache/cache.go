// Package cache provides a two-tier byte cache for answers and embeddings:
// an in-process LRU+TTL tier, optionally fronting a shared Redis tier.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a string-keyed byte-value cache with TTL eviction.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// memoryCache is an in-process LRU cache whose entries each carry the TTL
// given to Set, generalizing internal/llm's TokenCache pattern to arbitrary
// values.
type memoryCache struct {
	lru *lru.Cache[string, memoryEntry]
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemory builds an in-process LRU cache holding up to maxEntries values.
func NewMemory(maxEntries int) (Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	l, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &memoryCache{lru: l}, nil
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expires) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = time.Hour
	}
	c.lru.Add(key, memoryEntry{value: value, expires: time.Now().Add(ttl)})
	return nil
}
