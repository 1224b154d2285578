// Package embedclient turns texts into fixed-dimension embedding vectors,
// coalescing concurrent callers into batches, retrying against alternate
// model-server instances on failure, and fronting every call with a cache.
package embedclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"ragpilot/internal/apperr"
	"ragpilot/internal/cache"
	"ragpilot/internal/domain"
	"ragpilot/internal/registry"

	"github.com/rs/zerolog/log"
)

// Embedder is the subset of modelserver.Client this package depends on.
type Embedder interface {
	Embed(ctx context.Context, model, prompt string) ([]float32, error)
}

// InstanceDialer resolves an instance name to an Embedder, so the batch
// scheduler can target a freshly-picked instance on every attempt.
type InstanceDialer func(inst domain.Instance) Embedder

// Config configures batching, retry and cache behavior.
type Config struct {
	Model       string
	Dimension   int
	BatchSize   int
	BatchWindow time.Duration
	CacheTTL    time.Duration
}

// Client is C2: the embedding batch scheduler.
type Client struct {
	cfg      Config
	registry *registry.Registry
	dial     InstanceDialer
	cache    cache.Cache

	mu      sync.Mutex
	pending []*job
	timer   *time.Timer
}

type job struct {
	text string
	done chan jobResult
}

type jobResult struct {
	vec []float32
	err error
}

// New builds a Client. cache may be nil to disable the embedding cache.
func New(cfg Config, reg *registry.Registry, dial InstanceDialer, c cache.Cache) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 10 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Client{cfg: cfg, registry: reg, dial: dial, cache: c}
}

// Embed returns one vector per input text, in the same order, querying the
// cache first and the batch scheduler for the remainder. A large request is
// split and its results concatenated in order; the contract holds regardless
// of batching or retry interleaving.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	misses := make([]int, 0, len(texts))

	for i, text := range texts {
		if c.cache != nil {
			if raw, ok, err := c.cache.Get(ctx, c.cacheKey(text)); err == nil && ok {
				if vec, derr := decodeVector(raw); derr == nil {
					out[i] = vec
					continue
				}
			}
		}
		misses = append(misses, i)
	}

	for start := 0; start < len(misses); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(misses) {
			end = len(misses)
		}
		batchIdx := misses[start:end]
		vecs, err := c.embedBatch(ctx, selectTexts(texts, batchIdx))
		if err != nil {
			return nil, err
		}
		for j, idx := range batchIdx {
			out[idx] = vecs[j]
			if c.cache != nil {
				if raw, err := encodeVector(vecs[j]); err == nil {
					_ = c.cache.Set(ctx, c.cacheKey(texts[idx]), raw, c.cfg.CacheTTL)
				}
			}
		}
	}
	return out, nil
}

func selectTexts(texts []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, ix := range idx {
		out[i] = texts[ix]
	}
	return out
}

// embedBatch submits each text to the coalescing scheduler and waits for
// every result, preserving input order.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	jobs := make([]*job, len(texts))
	for i, t := range texts {
		jobs[i] = c.submit(t)
	}
	out := make([][]float32, len(texts))
	for i, j := range jobs {
		select {
		case r := <-j.done:
			if r.err != nil {
				return nil, r.err
			}
			out[i] = r.vec
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// submit enqueues a text for the next flush, triggering one when the batch
// reaches its configured size and arming a window timer for partial batches.
func (c *Client) submit(text string) *job {
	j := &job{text: text, done: make(chan jobResult, 1)}

	c.mu.Lock()
	c.pending = append(c.pending, j)
	if len(c.pending) >= c.cfg.BatchSize {
		batch := c.pending
		c.pending = nil
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.mu.Unlock()
		go c.flush(batch)
		return j
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.BatchWindow, c.flushPending)
	}
	c.mu.Unlock()
	return j
}

func (c *Client) flushPending() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()
	if len(batch) > 0 {
		c.flush(batch)
	}
}

// flush fans the batch out concurrently, one downstream embed call per text.
func (c *Client) flush(batch []*job) {
	var wg sync.WaitGroup
	for _, j := range batch {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			vec, err := c.embedOneWithRetry(context.Background(), j.text)
			j.done <- jobResult{vec: vec, err: err}
		}(j)
	}
	wg.Wait()
}

const (
	retryBase   = 200 * time.Millisecond
	retryCap    = 2 * time.Second
	retryJitter = 0.2
	maxAttempts = 3
)

// embedOneWithRetry calls the embedding model, retrying against a freshly
// picked instance on each attempt with exponential backoff and jitter.
func (c *Client) embedOneWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		inst, err := c.registry.Pick(c.cfg.Model, domain.StrategyLeastLatency, "")
		if err != nil {
			lastErr = err
			break
		}

		start := time.Now()
		c.registry.Acquire(inst.Name)
		vec, err := c.dial(inst).Embed(ctx, c.cfg.Model, text)
		c.registry.Release(inst.Name)
		c.registry.RecordOutcome(inst.Name, time.Since(start), err == nil)

		if err == nil {
			if c.cfg.Dimension > 0 && len(vec) != c.cfg.Dimension {
				c.registry.Demote(inst.Name)
				return nil, apperr.New(apperr.KindInternal, apperr.CodeDimensionMismatch,
					fmt.Sprintf("instance %s returned dimension %d, want %d", inst.Name, len(vec), c.cfg.Dimension))
			}
			return vec, nil
		}

		lastErr = err
		log.Warn().Err(err).Str("instance", inst.Name).Int("attempt", attempt+1).Msg("embed_attempt_failed")

		if attempt < maxAttempts-1 {
			delay := backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, apperr.CodeEmbeddingUnavailable,
		"embedding unavailable after retries", lastErr)
}

func backoffDelay(attempt int) time.Duration {
	d := retryBase * time.Duration(1<<attempt)
	if d > retryCap {
		d = retryCap
	}
	jitter := (rand.Float64()*2 - 1) * retryJitter
	return time.Duration(float64(d) * (1 + jitter))
}

func (c *Client) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.cfg.Model + "\x00" + text))
	return "emb:" + hex.EncodeToString(h[:16])
}

func encodeVector(vec []float32) ([]byte, error) {
	return json.Marshal(vec)
}

func decodeVector(raw []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}
