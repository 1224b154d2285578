// Package config loads the service's effective configuration: defaults,
// overlaid by an optional YAML file, overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// InstanceConfig describes one configured model-server instance.
type InstanceConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Models []string `yaml:"models"`
}

// StoreBackendConfig configures one of the lexical/vector backends.
type StoreBackendConfig struct {
	Backend    string `yaml:"backend"` // memory|auto|postgres|qdrant|none
	DSN        string `yaml:"dsn"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`     // cosine|l2|ip
	Collection string `yaml:"collection"` // qdrant only
}

// StoreConfig groups the lexical and vector backend configuration.
type StoreConfig struct {
	DefaultDSN string             `yaml:"default_dsn"`
	Search     StoreBackendConfig `yaml:"search"`
	Vector     StoreBackendConfig `yaml:"vector"`
}

// CacheConfig configures the answer/embedding cache layer.
type CacheConfig struct {
	Backend    string `yaml:"backend"` // memory|redis
	TTLSeconds int    `yaml:"ttl_s"`
	MaxEntries int    `yaml:"max_entries"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	RedisPass  string `yaml:"redis_password"`
}

// ConversationConfig configures conversation-turn persistence.
type ConversationConfig struct {
	Backend string `yaml:"backend"` // memory|postgres
	DSN     string `yaml:"dsn"`
}

// Config is the complete, effective, resolved configuration for the service.
type Config struct {
	Instances []InstanceConfig `yaml:"instances"`

	// ModelsByCategory maps a classify.Category name (code, math, creative,
	// technical, chat) to its preferred model id. A category left unset
	// falls back to the general-chat model, same as an empty string here.
	ModelsByCategory map[string]string `yaml:"models_by_category"`

	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingDim   int    `yaml:"embedding_dim"`

	Store                  StoreConfig `yaml:"store"`
	ChunkTable             string      `yaml:"chunk_table"`
	CategoryFiltersEnabled bool        `yaml:"category_filters_enabled"`

	RerankerURL string `yaml:"reranker_url"`

	WebSearchURL       string `yaml:"web_search_url"`
	WebSearchTimeoutS  int    `yaml:"web_search_timeout_s"`
	WebSearchEnabled   bool   `yaml:"web_search_enabled"`

	BatchSize      int `yaml:"batch_size"`
	BatchWindowMS  int `yaml:"batch_window_ms"`

	HealthProbeIntervalS int `yaml:"health_probe_interval_s"`
	FailureThreshold     int `yaml:"failure_threshold"`

	PickWaitMS        int `yaml:"pick_wait_ms"`
	GenerationTimeoutS int `yaml:"generation_timeout_s"`

	TopK                      int     `yaml:"top_k"`
	CandidatePool             int     `yaml:"candidate_pool"`
	MaxContextChunks          int     `yaml:"max_context_chunks"`
	Alpha                     float64 `yaml:"alpha"`
	ConfidenceThreshold       float64 `yaml:"confidence_threshold"`
	ConcurrencyCapPerInstance int     `yaml:"concurrency_cap_per_instance"`

	Temperature          float64 `yaml:"temperature"`
	MaxResponseTokens    int     `yaml:"max_response_tokens"`
	MemoryTurns          int     `yaml:"memory_turns"`
	ResponseTokenBudget  int     `yaml:"response_token_budget"`

	Cache        CacheConfig        `yaml:"cache"`
	Conversation ConversationConfig `yaml:"conversation"`

	LogLevel   string `yaml:"log_level"`
	LogPath    string `yaml:"log_path"`
	MetricsPort int   `yaml:"metrics_port"`

	// LogPromptPayloads enables debug-level logging of redacted LLM
	// request/response payloads. LogTruncateBytes caps the logged size
	// (0 means no truncation).
	LogPromptPayloads bool `yaml:"log_prompt_payloads"`
	LogTruncateBytes  int  `yaml:"log_truncate_bytes"`

	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	HTTPAddr string `yaml:"http_addr"`
}

// Defaults returns the configuration with every documented default applied.
func Defaults() Config {
	return Config{
		EmbeddingModel: "nomic-embed-text:v1.5",
		EmbeddingDim:   768,
		Store: StoreConfig{
			Search: StoreBackendConfig{Backend: "memory"},
			Vector: StoreBackendConfig{Backend: "memory", Dimensions: 768, Metric: "cosine"},
		},
		CategoryFiltersEnabled: true,
		WebSearchTimeoutS:      8,
		BatchSize:              16,
		BatchWindowMS:          10,
		HealthProbeIntervalS:   15,
		FailureThreshold:       3,
		PickWaitMS:             50,
		GenerationTimeoutS:     45,
		TopK:                   10,
		CandidatePool:          50,
		MaxContextChunks:       5,
		Alpha:                  0.7,
		ConfidenceThreshold:    0.3,
		ConcurrencyCapPerInstance: 2,
		Temperature:            0.3,
		MaxResponseTokens:      1024,
		MemoryTurns:            6,
		ResponseTokenBudget:    1024,
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSeconds: 3600,
			MaxEntries: 10000,
		},
		Conversation: ConversationConfig{Backend: "memory"},
		LogLevel:     "info",
		MetricsPort:  9091,
		ServiceName:  "ragpilot",
		Environment:  "development",
		HTTPAddr:     ":8080",
	}
}

// Load builds the effective configuration: defaults, overlaid by an optional
// YAML file (RAGPILOT_CONFIG_FILE, falling back to config.yaml if present),
// overlaid by environment variables. Environment variables always win, the
// same precedence order the rest of this codebase's ambient tooling uses.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Defaults()

	path := firstNonEmpty(os.Getenv("RAGPILOT_CONFIG_FILE"), "config.yaml")
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if len(cfg.Instances) == 0 {
		return Config{}, fmt.Errorf("config: at least one model-server instance is required")
	}
	if cfg.Store.Vector.Backend != "memory" && cfg.Store.Vector.Backend != "none" && cfg.Store.DefaultDSN == "" && cfg.Store.Vector.DSN == "" {
		return Config{}, fmt.Errorf("config: vector_store_url is required for backend %q", cfg.Store.Vector.Backend)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if n, ok := parseInt(os.Getenv("EMBEDDING_DIM")); ok {
		cfg.EmbeddingDim = n
		cfg.Store.Vector.Dimensions = n
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		cfg.Store.DefaultDSN = v
		cfg.Store.Vector.DSN = v
	}
	if v := os.Getenv("VECTOR_STORE_BACKEND"); v != "" {
		cfg.Store.Vector.Backend = v
	}
	if v := os.Getenv("CHUNK_TABLE"); v != "" {
		cfg.ChunkTable = v
	}
	if v := os.Getenv("RERANKER_URL"); v != "" {
		cfg.RerankerURL = v
	}
	if v := os.Getenv("WEB_SEARCH_URL"); v != "" {
		cfg.WebSearchURL = v
		cfg.WebSearchEnabled = true
	}
	if n, ok := parseInt(os.Getenv("WEB_SEARCH_TIMEOUT_S")); ok {
		cfg.WebSearchTimeoutS = n
	}
	if n, ok := parseInt(os.Getenv("BATCH_SIZE")); ok {
		cfg.BatchSize = n
	}
	if n, ok := parseInt(os.Getenv("BATCH_WINDOW_MS")); ok {
		cfg.BatchWindowMS = n
	}
	if n, ok := parseInt(os.Getenv("HEALTH_PROBE_INTERVAL_S")); ok {
		cfg.HealthProbeIntervalS = n
	}
	if n, ok := parseInt(os.Getenv("FAILURE_THRESHOLD")); ok {
		cfg.FailureThreshold = n
	}
	if n, ok := parseInt(os.Getenv("PICK_WAIT_MS")); ok {
		cfg.PickWaitMS = n
	}
	if n, ok := parseInt(os.Getenv("GENERATION_TIMEOUT_S")); ok {
		cfg.GenerationTimeoutS = n
	}
	if n, ok := parseInt(os.Getenv("TOP_K")); ok {
		cfg.TopK = n
	}
	if n, ok := parseInt(os.Getenv("CANDIDATE_POOL")); ok {
		cfg.CandidatePool = n
	}
	if n, ok := parseInt(os.Getenv("MAX_CONTEXT_CHUNKS")); ok {
		cfg.MaxContextChunks = n
	}
	if f, ok := parseFloat(os.Getenv("ALPHA")); ok {
		cfg.Alpha = f
	}
	if f, ok := parseFloat(os.Getenv("CONFIDENCE_THRESHOLD")); ok {
		cfg.ConfidenceThreshold = f
	}
	if n, ok := parseInt(os.Getenv("CACHE_TTL_S")); ok {
		cfg.Cache.TTLSeconds = n
	}
	if n, ok := parseInt(os.Getenv("CACHE_MAX_ENTRIES")); ok {
		cfg.Cache.MaxEntries = n
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if n, ok := parseInt(os.Getenv("CONCURRENCY_CAP_PER_INSTANCE")); ok {
		cfg.ConcurrencyCapPerInstance = n
	}
	if f, ok := parseFloat(os.Getenv("TEMPERATURE")); ok {
		cfg.Temperature = f
	}
	if n, ok := parseInt(os.Getenv("MAX_RESPONSE_TOKENS")); ok {
		cfg.MaxResponseTokens = n
		cfg.ResponseTokenBudget = n
	}
	if n, ok := parseInt(os.Getenv("MEMORY_TURNS")); ok {
		cfg.MemoryTurns = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if n, ok := parseInt(os.Getenv("METRICS_PORT")); ok {
		cfg.MetricsPort = n
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("LOG_PROMPT_PAYLOADS"); v != "" {
		cfg.LogPromptPayloads = v == "true" || v == "1"
	}
	if n, ok := parseInt(os.Getenv("LOG_TRUNCATE_BYTES")); ok {
		cfg.LogTruncateBytes = n
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
