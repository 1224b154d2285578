// Command ragpilotd serves the retrieval-augmented QA API: it wires the
// instance registry, retrieval, reranking, confidence routing, synthesis,
// conversation memory, and caching stages behind internal/httpapi.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ragpilot/internal/cache"
	"ragpilot/internal/classify"
	"ragpilot/internal/config"
	"ragpilot/internal/confidence"
	"ragpilot/internal/domain"
	"ragpilot/internal/embedclient"
	"ragpilot/internal/httpapi"
	"ragpilot/internal/llm"
	"ragpilot/internal/memory"
	"ragpilot/internal/modelserver"
	"ragpilot/internal/observability"
	"ragpilot/internal/registry"
	"ragpilot/internal/rerank"
	"ragpilot/internal/retrieve"
	"ragpilot/internal/retrieve/lexical"
	"ragpilot/internal/store"
	"ragpilot/internal/synth"
	"ragpilot/internal/websearch"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)
	llm.ConfigureLogging(cfg.LogPromptPayloads, cfg.LogTruncateBytes)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownOTel, err := observability.InitOTel(ctx, observability.Settings{
		OTLPEndpoint: cfg.OTLPEndpoint, ServiceName: cfg.ServiceName, Environment: cfg.Environment,
	})
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	httpClient := observability.NewHTTPClient(nil)

	reg := registry.New(registry.Config{
		ProbeInterval:    time.Duration(cfg.HealthProbeIntervalS) * time.Second,
		FailureThreshold: cfg.FailureThreshold,
		PickWait:         time.Duration(cfg.PickWaitMS) * time.Millisecond,
	}, modelProber{http: httpClient})
	for _, inst := range cfg.Instances {
		reg.Register(inst.Name, inst.URL, inst.Models)
	}
	go reg.Run(ctx)

	storeManager, err := store.NewManager(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("build store manager")
	}

	lex := lexical.New()
	hydrateLexicalIndex(ctx, lex, storeManager.Search)
	go refreshLexicalIndex(ctx, lex, storeManager.Search, 30*time.Second)

	answerCache, err := cache.New(cfg.Cache, "ragpilot")
	if err != nil {
		log.Fatal().Err(err).Msg("build cache")
	}

	embedder := embedclient.New(embedclient.Config{
		Model: cfg.EmbeddingModel, Dimension: cfg.EmbeddingDim,
		BatchSize: cfg.BatchSize, BatchWindow: time.Duration(cfg.BatchWindowMS) * time.Millisecond,
		CacheTTL: cache.DefaultTTL(cfg.Cache),
	}, reg, func(inst domain.Instance) embedclient.Embedder {
		return modelserver.New(inst.URL, httpClient)
	}, answerCache)

	retriever := retrieve.New(storeManager.Vector, lex, embedder, retrieve.Config{
		CandidatePool: cfg.CandidatePool, TopK: cfg.TopK, Alpha: cfg.Alpha,
	})

	router := classify.NewRouter(reg, generalChatModel(cfg), generalChatModelName(cfg))

	var reranker *rerank.Client
	if cfg.RerankerURL != "" {
		reranker = rerank.New(cfg.RerankerURL, httpClient)
	}

	var webClient *websearch.Client
	if cfg.WebSearchEnabled {
		webClient = websearch.New(cfg.WebSearchURL, httpClient)
	}

	synthesizer := synth.New(router, func(inst domain.Instance) synth.Chatter {
		return modelserver.New(inst.URL, httpClient)
	}, synth.Config{
		MaxContextChunks:  cfg.MaxContextChunks,
		MemoryTurns:       cfg.MemoryTurns,
		Temperature:       cfg.Temperature,
		MaxResponseTokens: cfg.MaxResponseTokens,
		GenerationTimeout: time.Duration(cfg.GenerationTimeoutS) * time.Second,
		MaxConcurrent:     int64(cfg.ConcurrencyCapPerInstance) * int64(len(cfg.Instances)),
	})

	conversation, err := memory.New(ctx, cfg.Conversation)
	if err != nil {
		log.Fatal().Err(err).Msg("build conversation store")
	}

	srv := httpapi.New(httpapi.Server{
		Registry:     reg,
		Retriever:    retriever,
		Router:       router,
		Reranker:     reranker,
		Synth:        synthesizer,
		WebSearch:    webClient,
		Conversation: conversation,
		AnswerCache:  answerCache,
		Confidence:   confidence.Config{Threshold: cfg.ConfidenceThreshold},
		Cfg: httpapi.Config{
			DefaultTopK:                cfg.TopK,
			DefaultMaxContextChunks:    cfg.MaxContextChunks,
			DefaultAlpha:               cfg.Alpha,
			DefaultMode:                "hybrid",
			DefaultRerank:              reranker != nil,
			DefaultWebSearchEnabled:    cfg.WebSearchEnabled,
			DefaultConfidenceThreshold: cfg.ConfidenceThreshold,
			DefaultTemperature:         cfg.Temperature,
			DefaultMaxTokens:           cfg.MaxResponseTokens,
			CacheEnabled:               true,
			CacheTTL:                   cache.DefaultTTL(cfg.Cache),
		},
	})

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Routes()}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("ragpilotd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
}

// modelProber adapts modelserver.Client.Tags (which carries its own base
// URL) to registry.Prober's per-call URL signature.
type modelProber struct{ http *http.Client }

func (p modelProber) Tags(ctx context.Context, url string) ([]string, error) {
	return modelserver.New(url, p.http).Tags(ctx)
}

// hydrateLexicalIndex builds the in-process BM25 index once at startup from
// the durable full-text store, so a freshly started replica can serve
// lexical/hybrid retrieval immediately rather than waiting for the next
// refresh tick.
func hydrateLexicalIndex(ctx context.Context, lex *lexical.Index, search store.FullTextSearch) {
	docs, err := search.All(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("lexical_index_hydrate_failed")
		return
	}
	lex.Build(docs)
}

// refreshLexicalIndex periodically rebuilds the BM25 index from the durable
// full-text store, picking up chunks written by a separate ingestion
// process (cmd/ragpilot-ingest) without requiring a restart.
func refreshLexicalIndex(ctx context.Context, lex *lexical.Index, search store.FullTextSearch, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hydrateLexicalIndex(ctx, lex, search)
		}
	}
}

// generalChatModel builds the category->model map from cfg.ModelsByCategory,
// covering all five classify.Category values so code/math/creative queries
// can reach a specialized model instead of always degrading to general chat.
// A category absent from configuration falls back to the general-chat model.
func generalChatModel(cfg config.Config) classify.ModelsByCategory {
	general := generalChatModelName(cfg)
	out := classify.ModelsByCategory{
		classify.CategoryCode:      general,
		classify.CategoryMath:      general,
		classify.CategoryCreative:  general,
		classify.CategoryTechnical: general,
		classify.CategoryChat:      general,
	}
	for category, model := range cfg.ModelsByCategory {
		if model == "" {
			continue
		}
		switch classify.Category(category) {
		case classify.CategoryCode:
			out[classify.CategoryCode] = model
		case classify.CategoryMath:
			out[classify.CategoryMath] = model
		case classify.CategoryCreative:
			out[classify.CategoryCreative] = model
		case classify.CategoryTechnical:
			out[classify.CategoryTechnical] = model
		case classify.CategoryChat:
			out[classify.CategoryChat] = model
		}
	}
	return out
}

func generalChatModelName(cfg config.Config) string {
	for _, inst := range cfg.Instances {
		if len(inst.Models) > 0 {
			return inst.Models[0]
		}
	}
	return ""
}
