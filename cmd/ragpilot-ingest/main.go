// Command ragpilot-ingest embeds pre-chunked document records and writes
// them into the vector store and durable full-text store that ragpilotd
// serves retrieval from. It is a separate process from ragpilotd so
// ingestion throughput and serving latency can scale independently.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ragpilot/internal/cache"
	"ragpilot/internal/config"
	"ragpilot/internal/domain"
	"ragpilot/internal/embedclient"
	"ragpilot/internal/modelserver"
	"ragpilot/internal/observability"
	"ragpilot/internal/registry"
	"ragpilot/internal/store"
)

// chunkRecord is one pre-chunked unit produced by the upstream PDF ingestion
// pipeline (chunking/extraction is out of scope here; see spec Non-goals).
type chunkRecord struct {
	ID          string            `json:"id"`
	DocID       string            `json:"doc_id"`
	Title       string            `json:"title"`
	URL         string            `json:"url"`
	Text        string            `json:"text"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

func main() {
	inputPath := flag.String("input", "-", "path to a JSON array of chunk records, or - for stdin")
	batchSize := flag.Int("batch-size", 32, "number of chunks embedded per flush")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	records, err := readRecords(*inputPath)
	if err != nil {
		log.Fatal().Err(err).Msg("read input records")
	}
	if len(records) == 0 {
		log.Warn().Msg("no records to ingest")
		return
	}

	httpClient := observability.NewHTTPClient(nil)

	reg := registry.New(registry.Config{
		ProbeInterval:    time.Duration(cfg.HealthProbeIntervalS) * time.Second,
		FailureThreshold: cfg.FailureThreshold,
		PickWait:         time.Duration(cfg.PickWaitMS) * time.Millisecond,
	}, modelProber{http: httpClient})
	for _, inst := range cfg.Instances {
		reg.Register(inst.Name, inst.URL, inst.Models)
	}
	// A freshly registered instance starts Degraded, which Pick already
	// treats as usable when no Healthy instance exists yet, so this
	// short-lived command skips running the probe loop entirely.

	storeManager, err := store.NewManager(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("build store manager")
	}

	embedCache, err := cache.New(cfg.Cache, "ragpilot-ingest")
	if err != nil {
		log.Fatal().Err(err).Msg("build cache")
	}
	embedder := embedclient.New(embedclient.Config{
		Model: cfg.EmbeddingModel, Dimension: cfg.EmbeddingDim,
		BatchSize: *batchSize, BatchWindow: time.Duration(cfg.BatchWindowMS) * time.Millisecond,
		CacheTTL: cache.DefaultTTL(cfg.Cache),
	}, reg, func(inst domain.Instance) embedclient.Embedder {
		return modelserver.New(inst.URL, httpClient)
	}, embedCache)

	ingested := 0
	for start := 0; start < len(records); start += *batchSize {
		end := start + *batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		if err := ingestBatch(ctx, embedder, storeManager, batch); err != nil {
			log.Fatal().Err(err).Int("batch_start", start).Msg("ingest batch failed")
		}
		ingested += len(batch)
		log.Info().Int("ingested", ingested).Int("total", len(records)).Msg("ingest_progress")
	}

	log.Info().Int("total", ingested).Msg("ingest_complete")
}

func ingestBatch(ctx context.Context, embedder *embedclient.Client, sm store.Manager, batch []chunkRecord) error {
	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.Text
	}
	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	for i, r := range batch {
		metadata := mergeMetadata(r)
		if err := sm.Vector.Upsert(ctx, r.ID, vectors[i], metadata); err != nil {
			return fmt.Errorf("upsert vector %s: %w", r.ID, err)
		}
		if err := sm.Search.Index(ctx, r.ID, r.Text, metadata); err != nil {
			return fmt.Errorf("index lexical %s: %w", r.ID, err)
		}
	}
	return nil
}

// mergeMetadata folds the record's structured fields into the flat
// string-keyed metadata map internal/retrieve expects on every candidate
// (doc_id/title/url/text alongside whatever the source attached).
func mergeMetadata(r chunkRecord) map[string]string {
	out := make(map[string]string, len(r.Metadata)+5)
	for k, v := range r.Metadata {
		out[k] = v
	}
	out["doc_id"] = r.DocID
	out["title"] = r.Title
	out["url"] = r.URL
	out["text"] = r.Text
	if r.ContentType != "" {
		out["content_type"] = r.ContentType
	}
	return out
}

func readRecords(path string) ([]chunkRecord, error) {
	var raw io.Reader
	if path == "-" {
		raw = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		raw = f
	}
	var records []chunkRecord
	if err := json.NewDecoder(raw).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode chunk records: %w", err)
	}
	return records, nil
}

// modelProber adapts modelserver.Client.Tags to registry.Prober.
type modelProber struct{ http *http.Client }

func (p modelProber) Tags(ctx context.Context, url string) ([]string, error) {
	return modelserver.New(url, p.http).Tags(ctx)
}
