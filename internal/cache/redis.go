package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache is a Redis-backed Cache tier, grounded on the same
// redis.UniversalClient usage as the workspace generation cache, here
// storing arbitrary byte blobs under a plain key/value scheme.
type redisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis builds a Redis-backed Cache. addr, db and password select the
// target instance; prefix namespaces every key this cache writes.
func NewRedis(addr string, db int, password, prefix string) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisCache{client: client, prefix: prefix}, nil
}

func (c *redisCache) key(k string) string { return c.prefix + ":" + k }

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

// tiered reads through an in-process cache first, falling back to and
// populating a shared Redis tier on miss.
type tiered struct {
	local  Cache
	shared Cache
}

// NewTiered combines a fast local tier with a shared Redis tier.
func NewTiered(local, shared Cache) Cache {
	return &tiered{local: local, shared: shared}
}

func (t *tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := t.local.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, ok, err := t.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = t.local.Set(ctx, key, v, time.Minute)
	return v, true, nil
}

func (t *tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.shared.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return t.local.Set(ctx, key, value, ttl)
}
