package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"ragpilot/internal/apperr"
	"ragpilot/internal/confidence"
	"ragpilot/internal/domain"
	"ragpilot/internal/synth"
	"ragpilot/internal/websearch"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type chatRequest struct {
	ConversationID      *string  `json:"conversation_id"`
	Query               string   `json:"query"`
	TopK                int      `json:"top_k"`
	MaxContextChunks    int      `json:"max_context_chunks"`
	Mode                string   `json:"mode"`
	Alpha               float64  `json:"alpha"`
	Rerank              *bool    `json:"rerank"`
	WebSearchEnabled    *bool    `json:"web_search_enabled"`
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	Temperature         float64  `json:"temperature"`
	MaxTokens           int      `json:"max_tokens"`
	Stream              *bool    `json:"stream"`
}

type provenanceWire struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
}

type chatFinal struct {
	Answer      string            `json:"answer"`
	Confidence  float64           `json:"confidence"`
	Provenance  []provenanceWire  `json:"provenance"`
	Route       string            `json:"route,omitempty"`
	Model       string            `json:"model,omitempty"`
	Timings     map[string]int64  `json:"timings"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type chatMeta struct {
	Route       string            `json:"route"`
	Model       string            `json:"model"`
	Instance    string            `json:"instance"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "body", "invalid JSON")
		return
	}
	if req.Query == "" {
		writeValidationError(w, "query", "required")
		return
	}
	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}

	if s.Cfg.CacheEnabled && s.AnswerCache != nil {
		if cached, ok := s.lookupCache(r.Context(), req); ok {
			if stream {
				writeCachedSSE(w, cached)
			} else {
				writeJSON(w, http.StatusOK, cached)
			}
			return
		}
	}

	conversationID := ""
	if req.ConversationID != nil {
		conversationID = *req.ConversationID
	}

	if stream {
		s.streamChat(w, r, req, conversationID)
		return
	}
	s.jsonChat(w, r, req, conversationID)
}

func (s *Server) jsonChat(w http.ResponseWriter, r *http.Request, req chatRequest, conversationID string) {
	final, answer, err := s.runPipeline(r.Context(), req, conversationID, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	s.persist(r.Context(), req, conversationID, answer)
	writeJSON(w, http.StatusOK, final)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req chatRequest, conversationID string) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "streaming_unsupported", "response writer does not support flushing"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var mu sync.Mutex
	writeEvent := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
		fl.Flush()
	}

	metaSent := false
	onMeta := func(route domain.Route, model, instance string, annotations map[string]string) {
		if metaSent {
			return
		}
		metaSent = true
		writeEvent("meta", chatMeta{Route: string(route), Model: model, Instance: instance, Annotations: annotations})
	}
	onToken := func(text string) {
		writeEvent("token", map[string]string{"text": text})
	}

	final, answer, err := s.runPipeline(r.Context(), req, conversationID, &streamCallbacks{onMeta: onMeta, onToken: onToken})
	if err != nil {
		writeEvent("error", errorBody{Code: apperr.CodeOf(err), Message: err.Error()})
		return
	}
	s.persist(r.Context(), req, conversationID, answer)
	writeEvent("final", final)
}

type streamCallbacks struct {
	onMeta  func(route domain.Route, model, instance string, annotations map[string]string)
	onToken func(text string)
}

type streamTokenSink struct{ cb *streamCallbacks }

func (h streamTokenSink) OnToken(text string) {
	if h.cb != nil && h.cb.onToken != nil {
		h.cb.onToken(text)
	}
}
func (h streamTokenSink) OnDone() {}

// resolveThreshold applies the request's confidence_threshold override, if
// any, over the server's configured default.
func resolveThreshold(req chatRequest, cfg Config) float64 {
	threshold := cfg.DefaultConfidenceThreshold
	if req.ConfidenceThreshold != nil {
		threshold = *req.ConfidenceThreshold
	}
	return threshold
}

// runPipeline runs retrieve -> rerank -> confidence -> route -> synthesize.
// When pre-synthesis routing already decided web (conf_retrieval below
// threshold with web search enabled), doc synthesis is never attempted —
// only a post-synthesis low-confidence doc answer triggers a web retry.
func (s *Server) runPipeline(ctx context.Context, req chatRequest, conversationID string, cb *streamCallbacks) (chatFinal, domain.Answer, error) {
	timings := map[string]int64{}
	topK := req.TopK
	if topK <= 0 {
		topK = s.Cfg.DefaultTopK
	}
	mode := domain.RetrievalMode(req.Mode)
	if mode == "" {
		mode = domain.RetrievalMode(s.Cfg.DefaultMode)
	}
	useRerank := s.Cfg.DefaultRerank
	if req.Rerank != nil {
		useRerank = *req.Rerank
	}
	webEnabled := s.Cfg.DefaultWebSearchEnabled
	if req.WebSearchEnabled != nil {
		webEnabled = *req.WebSearchEnabled
	}
	webEnabled = webEnabled && s.WebSearch != nil
	confCfg := confidence.Config{Threshold: resolveThreshold(req, s.Cfg)}

	retrieveStart := time.Now()
	candidates, err := s.Retriever.Retrieve(ctx, domain.QueryRequest{ConversationID: conversationID, Query: req.Query, TopK: topK, Mode: mode})
	if err != nil {
		return chatFinal{}, domain.Answer{}, err
	}
	timings["retrieve_ms"] = time.Since(retrieveStart).Milliseconds()

	coverage := confidence.CoverageDisabled
	usedRerank := false
	annotations := map[string]string{}
	if useRerank && s.Reranker != nil {
		rerankStart := time.Now()
		result := s.Reranker.Rerank(ctx, req.Query, candidates, topK)
		candidates = result.Candidates
		usedRerank = true
		if result.Fallback {
			coverage = confidence.CoverageFallback
			annotations["rerank"] = "fallback"
		} else {
			coverage = confidence.CoverageRan
		}
		timings["rerank_ms"] = time.Since(rerankStart).Milliseconds()
	}

	retrievalConfidence := confidence.RetrievalConfidence(req.Query, candidates, coverage, usedRerank)
	route := confidence.RouteRetrieval(confCfg, webEnabled, retrievalConfidence)

	turns, _ := s.recentTurns(ctx, conversationID)

	if route == domain.RouteWeb {
		webCandidates, webErr := s.webCandidates(ctx, req.Query)
		if webErr != nil {
			return chatFinal{}, domain.Answer{}, apperr.Wrap(apperr.KindUpstreamUnavailable, apperr.CodeWebSearchUnavailable, "web search unavailable", webErr)
		}
		return s.synthesizeRoute(ctx, req, conversationID, domain.RouteWeb, webCandidates, turns, retrievalConfidence, timings, annotations, cb)
	}

	docFinal, docAnswer, docErr := s.synthesizeRoute(ctx, req, conversationID, domain.RouteDoc, candidates, turns, retrievalConfidence, timings, annotations, cb)
	if docErr == nil && !confidence.ShouldRetryWeb(confCfg, webEnabled, docFinal.Confidence) {
		return docFinal, docAnswer, nil
	}
	if docErr != nil && !webEnabled {
		return chatFinal{}, domain.Answer{}, docErr
	}

	if !webEnabled {
		return docFinal, docAnswer, docErr
	}

	webCandidates, webErr := s.webCandidates(ctx, req.Query)
	if webErr != nil {
		if docErr == nil {
			docFinal.Route = "doc_with_web_fallback_failed"
			return docFinal, docAnswer, nil
		}
		return chatFinal{}, domain.Answer{}, apperr.Wrap(apperr.KindUpstreamUnavailable, apperr.CodeWebSearchUnavailable, "web search unavailable", webErr)
	}

	webFinal, webAnswer, webErr := s.synthesizeRoute(ctx, req, conversationID, domain.RouteWeb, webCandidates, turns, retrievalConfidence, timings, annotations, cb)
	if webErr != nil {
		if docErr == nil {
			return docFinal, docAnswer, nil
		}
		return chatFinal{}, domain.Answer{}, webErr
	}

	if docErr != nil {
		return webFinal, webAnswer, nil
	}

	if confidence.BetterOf(docFinal.Confidence, webFinal.Confidence) == domain.RouteWeb {
		return webFinal, webAnswer, nil
	}
	return docFinal, docAnswer, nil
}

func (s *Server) synthesizeRoute(ctx context.Context, req chatRequest, conversationID string, route domain.Route, candidates []domain.Candidate, turns []domain.ConversationTurn, retrievalConfidence float64, timings map[string]int64, annotations map[string]string, cb *streamCallbacks) (chatFinal, domain.Answer, error) {
	genStart := time.Now()
	var metaOnce sync.Once
	answer, err := s.Synth.Generate(ctx, synth.Request{
		Query: req.Query, ConversationID: conversationID, Route: route, Candidates: candidates, Turns: turns,
	}, streamTokenSink{cb: cb})
	if err != nil {
		return chatFinal{}, domain.Answer{}, err
	}
	if cb != nil && cb.onMeta != nil {
		metaOnce.Do(func() { cb.onMeta(route, answer.ModelUsed, "", annotations) })
	}
	timings[string(route)+"_generate_ms"] = time.Since(genStart).Milliseconds()

	top3 := candidates
	if len(top3) > 3 {
		top3 = top3[:3]
	}
	answerConfidence := confidence.AnswerConfidence(retrievalConfidence, answer.Text, top3)
	answer.Confidence = answerConfidence
	if len(annotations) > 0 {
		answer.Annotations = annotations
	}

	provenance := make([]provenanceWire, 0, len(answer.Provenance))
	for _, c := range answer.Provenance {
		source := c.Title
		if source == "" {
			source = c.URL
		}
		provenance = append(provenance, provenanceWire{ChunkID: c.ChunkID, Score: activeScore(c), Source: source})
	}

	return chatFinal{
		Answer:      answer.Text,
		Confidence:  answerConfidence,
		Provenance:  provenance,
		Route:       string(route),
		Model:       answer.ModelUsed,
		Timings:     timings,
		Annotations: annotations,
	}, answer, nil
}

func (s *Server) webCandidates(ctx context.Context, query string) ([]domain.Candidate, error) {
	results, err := s.WebSearch.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return websearch.ToCandidates(results), nil
}

func (s *Server) recentTurns(ctx context.Context, conversationID string) ([]domain.ConversationTurn, error) {
	if s.Conversation == nil || conversationID == "" {
		return nil, nil
	}
	return s.Conversation.RecentTurns(ctx, conversationID, 6)
}

func (s *Server) persist(ctx context.Context, req chatRequest, conversationID string, answer domain.Answer) {
	if s.Conversation != nil && conversationID != "" {
		turn := domain.ConversationTurn{ID: uuid.NewString(), ConversationID: conversationID, Query: req.Query, Answer: answer.Text, Route: answer.Route, CreatedAt: time.Now().UTC()}
		if _, err := s.Conversation.AppendTurn(ctx, turn); err != nil {
			log.Warn().Err(err).Msg("conversation_persist_failed")
		}
	}
	if s.Cfg.CacheEnabled && s.AnswerCache != nil && answer.Confidence >= resolveThreshold(req, s.Cfg) {
		key := cacheKeyFor(req)
		if b, err := json.Marshal(answer); err == nil {
			if err := s.AnswerCache.Set(ctx, key, b, s.Cfg.CacheTTL); err != nil {
				log.Warn().Err(err).Msg("answer_cache_write_failed")
			}
		}
	}
}

func (s *Server) lookupCache(ctx context.Context, req chatRequest) (chatFinal, bool) {
	key := cacheKeyFor(req)
	raw, ok, err := s.AnswerCache.Get(ctx, key)
	if err != nil || !ok {
		return chatFinal{}, false
	}
	var answer domain.Answer
	if err := json.Unmarshal(raw, &answer); err != nil {
		return chatFinal{}, false
	}
	provenance := make([]provenanceWire, 0, len(answer.Provenance))
	for _, c := range answer.Provenance {
		source := c.Title
		if source == "" {
			source = c.URL
		}
		provenance = append(provenance, provenanceWire{ChunkID: c.ChunkID, Score: activeScore(c), Source: source})
	}
	return chatFinal{
		Answer: answer.Text, Confidence: answer.Confidence, Provenance: provenance,
		Route: string(answer.Route), Model: answer.ModelUsed, Timings: map[string]int64{"cache_hit": 1},
		Annotations: answer.Annotations,
	}, true
}

// cacheKeyFor hashes the request dimensions the answer cache is keyed on:
// normalized query, mode, top_k and alpha. The model id and category
// filters are not part of the key.
func cacheKeyFor(req chatRequest) string {
	norm := strings.ToLower(strings.TrimSpace(req.Query))
	var sb bytes.Buffer
	sb.WriteString(norm)
	sb.WriteByte(0)
	sb.WriteString(req.Mode)
	sb.WriteByte(0)
	sb.WriteString(strconv.Itoa(req.TopK))
	sb.WriteByte(0)
	sb.WriteString(strconv.FormatFloat(req.Alpha, 'f', -1, 64))

	h := sha256.Sum256(sb.Bytes())
	return "chat:" + hex.EncodeToString(h[:16])
}

func writeCachedSSE(w http.ResponseWriter, final chatFinal) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, final)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	b, _ := json.Marshal(map[string]string{"text": final.Answer})
	fmt.Fprintf(w, "event: token\ndata: %s\n\n", b)
	fl.Flush()
	fb, _ := json.Marshal(final)
	fmt.Fprintf(w, "event: final\ndata: %s\n\n", fb)
	fl.Flush()
}
