package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memorySearch is a naive in-memory full text search implementation, used as
// the default backend and as a test double for Postgres-backed search.
type memorySearch struct {
	mu   sync.RWMutex
	docs map[string]memDoc
}

type memDoc struct {
	text     string
	metadata map[string]string
}

func NewMemorySearch() FullTextSearch { return &memorySearch{docs: make(map[string]memDoc)} }

func (m *memorySearch) Index(_ context.Context, id, text string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = memDoc{text: text, metadata: copyMap(metadata)}
	return nil
}

func (m *memorySearch) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *memorySearch) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	terms := strings.Fields(strings.ToLower(query))
	results := make([]SearchResult, 0, limit)
	for id, d := range m.docs {
		lt := strings.ToLower(d.text)
		score := 0.0
		for _, t := range terms {
			if t == "" {
				continue
			}
			if count := strings.Count(lt, t); count > 0 {
				score += float64(count)
			}
		}
		if score == 0 {
			continue
		}
		snippet := d.text
		if len(snippet) > 120 {
			snippet = snippet[:120]
		}
		results = append(results, SearchResult{ID: id, Score: score, Snippet: snippet, Metadata: copyMap(d.metadata)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *memorySearch) All(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.docs))
	for id, d := range m.docs {
		out[id] = d.text
	}
	return out, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
