package store

import "context"

// SearchResult represents a single hit from the lexical search backend.
type SearchResult struct {
	ID       string
	Score    float64
	Snippet  string
	Metadata map[string]string
}

// FullTextSearch defines the minimum interface for a pluggable lexical search backend.
type FullTextSearch interface {
	Index(ctx context.Context, id string, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// All enumerates every indexed document's text, keyed by id. It backs
	// periodic rehydration of the in-process BM25 index (internal/retrieve/lexical)
	// from this durable store, so a freshly started serving process picks up
	// chunks written by a separate ingestion process.
	All(ctx context.Context) (map[string]string, error)
}

// VectorResult represents a single nearest-neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // higher is closer
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// Manager holds the concrete search/vector backends resolved from configuration.
type Manager struct {
	Search FullTextSearch
	Vector VectorStore
}

// Close releases any underlying connection pools. It's a no-op for memory backends.
func (m Manager) Close() {
	if c, ok := any(m.Search).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Vector).(interface{ Close() }); ok {
		c.Close()
	} else if c, ok := any(m.Vector).(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
