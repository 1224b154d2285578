package embedclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ragpilot/internal/cache"
	"ragpilot/internal/domain"
	"ragpilot/internal/registry"

	"github.com/stretchr/testify/require"
)

type fakeProber struct{}

func (fakeProber) Tags(_ context.Context, _ string) ([]string, error) { return nil, nil }

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failN    int
	dim      int
	failOnce map[string]bool
}

func (f *fakeEmbedder) Embed(_ context.Context, model, prompt string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOnce != nil && !f.failOnce[prompt] {
		f.failOnce[prompt] = true
		return nil, errors.New("transient failure")
	}
	dim := f.dim
	if dim == 0 {
		dim = 4
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(len(prompt) + i)
	}
	return vec, nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Config{PickWait: 20 * time.Millisecond}, fakeProber{})
	r.Register("a", "http://a", []string{"nomic-embed-text:v1.5"})
	r.RecordOutcome("a", time.Millisecond, true) // promote to Healthy
	return r
}

func TestEmbedPreservesOrder(t *testing.T) {
	r := newTestRegistry(t)
	emb := &fakeEmbedder{}
	dial := func(domain.Instance) Embedder { return emb }

	c := New(Config{Model: "nomic-embed-text:v1.5", BatchSize: 4, BatchWindow: 5 * time.Millisecond}, r, dial, nil)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		require.Equal(t, float32(len(text)), vecs[i][0])
	}
}

func TestEmbedUsesCache(t *testing.T) {
	r := newTestRegistry(t)
	emb := &fakeEmbedder{}
	dial := func(domain.Instance) Embedder { return emb }
	ch, err := cache.NewMemory(100)
	require.NoError(t, err)

	c := New(Config{Model: "nomic-embed-text:v1.5", BatchSize: 4}, r, dial, ch)
	ctx := context.Background()

	_, err = c.Embed(ctx, []string{"hello"})
	require.NoError(t, err)
	require.Equal(t, 1, emb.calls)

	_, err = c.Embed(ctx, []string{"hello"})
	require.NoError(t, err)
	require.Equal(t, 1, emb.calls, "second call should be served from cache")
}

func TestEmbedRetriesOnFailure(t *testing.T) {
	r := newTestRegistry(t)
	emb := &fakeEmbedder{failOnce: map[string]bool{}}
	dial := func(domain.Instance) Embedder { return emb }

	c := New(Config{Model: "nomic-embed-text:v1.5", BatchSize: 4}, r, dial, nil)
	vecs, err := c.Embed(context.Background(), []string{"retry-me"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	r := newTestRegistry(t)
	emb := &fakeEmbedder{dim: 3}
	dial := func(domain.Instance) Embedder { return emb }

	c := New(Config{Model: "nomic-embed-text:v1.5", Dimension: 768, BatchSize: 4}, r, dial, nil)
	_, err := c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, domain.HealthUnhealthy, snap[0].State, "a dimension mismatch must demote the instance immediately")
}

func TestEmbedSplitsLargeBatch(t *testing.T) {
	r := newTestRegistry(t)
	emb := &fakeEmbedder{}
	dial := func(domain.Instance) Embedder { return emb }

	c := New(Config{Model: "nomic-embed-text:v1.5", BatchSize: 2, BatchWindow: 5 * time.Millisecond}, r, dial, nil)
	texts := make([]string, 7)
	for i := range texts {
		texts[i] = "t"
	}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 7)
}
