// Package httpapi is C10: the HTTP API surface over the serving pipeline.
package httpapi

import (
	"net/http"
	"time"

	"ragpilot/internal/cache"
	"ragpilot/internal/classify"
	"ragpilot/internal/confidence"
	"ragpilot/internal/memory"
	"ragpilot/internal/registry"
	"ragpilot/internal/rerank"
	"ragpilot/internal/retrieve"
	"ragpilot/internal/synth"
	"ragpilot/internal/websearch"
)

// Config holds per-request defaults. A /chat call can override top_k, mode,
// rerank, web_search_enabled and confidence_threshold; its alpha,
// temperature, max_tokens and max_context_chunks fields are not applied.
// CacheEnabled and CacheTTL are server-wide.
type Config struct {
	DefaultTopK                int
	DefaultMaxContextChunks    int
	DefaultAlpha               float64
	DefaultMode                string
	DefaultRerank              bool
	DefaultWebSearchEnabled    bool
	DefaultConfidenceThreshold float64
	DefaultTemperature         float64
	DefaultMaxTokens           int
	CacheEnabled               bool
	CacheTTL                   time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 10
	}
	if c.DefaultMaxContextChunks <= 0 {
		c.DefaultMaxContextChunks = 5
	}
	if c.DefaultAlpha == 0 {
		c.DefaultAlpha = 0.7
	}
	if c.DefaultMode == "" {
		c.DefaultMode = "hybrid"
	}
	if c.DefaultConfidenceThreshold == 0 {
		c.DefaultConfidenceThreshold = 0.3
	}
	if c.DefaultTemperature == 0 {
		c.DefaultTemperature = 0.3
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = 1024
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	return c
}

// Server wires the pipeline components into the HTTP surface. Reranker,
// WebSearch, and AnswerCache may be nil, disabling those stages.
type Server struct {
	Registry     *registry.Registry
	Retriever    *retrieve.Retriever
	Router       *classify.Router
	Reranker     *rerank.Client
	Synth        *synth.Synthesizer
	WebSearch    *websearch.Client
	Conversation memory.Store
	AnswerCache  cache.Cache
	Confidence   confidence.Config
	Cfg          Config
}

// New builds a Server with its Config defaults applied.
func New(s Server) *Server {
	s.Cfg = s.Cfg.withDefaults()
	return &s
}

// Routes returns the Go 1.22+ method-pattern ServeMux, wrapped with access
// logging and request metrics.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /instances", s.handleInstances)
	mux.HandleFunc("POST /classify", s.handleClassify)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /chat", s.handleChat)
	return withAccessLog(mux)
}
