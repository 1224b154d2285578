// Package synth is C7: it assembles a grounded prompt from retrieved
// candidates and conversation history, streams generation through C3/C1, and
// attaches provenance once the answer is complete.
package synth

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"ragpilot/internal/apperr"
	"ragpilot/internal/classify"
	"ragpilot/internal/domain"
	"ragpilot/internal/llm"
)

// Chatter is the subset of internal/modelserver.Client this package needs.
type Chatter interface {
	ChatStream(ctx context.Context, msgs []llm.Message, model string, h llm.StreamHandler) error
}

// InstanceDialer resolves a chosen instance to a Chatter.
type InstanceDialer func(domain.Instance) Chatter

// Router is the subset of internal/classify.Router this package needs.
type Router interface {
	Route(query string, explicitModel string, retrievalGrounded bool, conversationID string) (string, domain.Instance, classify.Category, error)
}

// Config holds generation tuning, all with spec defaults.
type Config struct {
	MaxContextChunks  int
	MemoryTurns       int
	Temperature       float64
	MaxResponseTokens int
	GenerationTimeout time.Duration
	MaxConcurrent     int64 // global generation concurrency cap, §5
}

func (c Config) withDefaults() Config {
	if c.MaxContextChunks <= 0 {
		c.MaxContextChunks = 5
	}
	if c.MemoryTurns <= 0 {
		c.MemoryTurns = 6
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.MaxResponseTokens <= 0 {
		c.MaxResponseTokens = 1024
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 45 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	return c
}

// Synthesizer is C7.
type Synthesizer struct {
	router     Router
	dial       InstanceDialer
	cfg        Config
	gate       *semaphore.Weighted
	tokenCache *llm.TokenCache
}

// New builds a Synthesizer.
func New(router Router, dial InstanceDialer, cfg Config) *Synthesizer {
	cfg = cfg.withDefaults()
	return &Synthesizer{
		router:     router,
		dial:       dial,
		cfg:        cfg,
		gate:       semaphore.NewWeighted(cfg.MaxConcurrent),
		tokenCache: llm.NewTokenCache(llm.TokenCacheConfig{}),
	}
}

// Request bundles everything Generate needs to assemble a prompt.
type Request struct {
	Query          string
	ConversationID string
	ExplicitModel  string
	Route          domain.Route // doc or web; shapes the system preface
	Candidates     []domain.Candidate
	Turns          []domain.ConversationTurn
}

// Generate streams a grounded answer for req, invoking h.OnToken as tokens
// arrive and h.OnDone once streaming completes. It returns the finished
// Answer (Confidence left zero; the caller scores it) with citations
// resolved against the chunks actually included in the prompt.
func (s *Synthesizer) Generate(ctx context.Context, req Request, h llm.StreamHandler) (domain.Answer, error) {
	model, inst, _, err := s.router.Route(req.Query, req.ExplicitModel, len(req.Candidates) > 0, req.ConversationID)
	if err != nil {
		return domain.Answer{}, err
	}

	assembled, err := s.assemblePrompt(req, model)
	if err != nil {
		return domain.Answer{}, err
	}

	ctx, span := llm.StartRequestSpan(ctx, "synth.generate", model, 0, len(assembled.messages))
	defer span.End()
	llm.LogRedactedPrompt(ctx, assembled.messages)

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return domain.Answer{}, apperr.Wrap(apperr.KindOverload, apperr.CodeGenerationFailed, "generation concurrency gate", err)
	}
	defer s.gate.Release(1)

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	var sb strings.Builder
	acc := &accumulatingHandler{downstream: h, buf: &sb}

	chat := s.dial(inst)
	err = chat.ChatStream(gctx, assembled.messages, model, acc)
	if err != nil {
		if gctx.Err() == context.DeadlineExceeded {
			return domain.Answer{}, apperr.Wrap(apperr.KindDeadline, apperr.CodeGenerationTimeout, "generation timed out", err)
		}
		return domain.Answer{}, apperr.Wrap(apperr.KindUpstreamUnavailable, apperr.CodeGenerationFailed, "generation failed", err)
	}

	answerText := sb.String()
	promptTokens := 0
	for _, m := range assembled.messages {
		promptTokens += s.cachedTokens(m.Content)
	}
	completionTokens := llm.EstimateTokens(answerText)
	llm.RecordTokenMetrics(model, promptTokens, completionTokens)
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
	llm.LogRedactedResponse(ctx, answerText)

	return domain.Answer{
		Text:       answerText,
		Route:      req.Route,
		Provenance: extractCitations(answerText, assembled.chunks),
		ModelUsed:  model,
		CreatedAt:  time.Now(),
	}, nil
}

type accumulatingHandler struct {
	downstream llm.StreamHandler
	buf        *strings.Builder
}

func (a *accumulatingHandler) OnToken(text string) {
	a.buf.WriteString(text)
	if a.downstream != nil {
		a.downstream.OnToken(text)
	}
}

func (a *accumulatingHandler) OnDone() {
	if a.downstream != nil {
		a.downstream.OnDone()
	}
}

type assembledPrompt struct {
	messages []llm.Message
	chunks   []domain.Candidate // chunks actually placed in the context block, in prompt order
}

const systemPrefaceDoc = `You are a technical assistant answering questions using the provided context chunks pulled from internal documentation.
Cite the chunk(s) you rely on using bracketed indices like [1] or [2] immediately after the relevant statement.
Do not state facts that are not supported by the context. If the context does not contain the answer, say so plainly.`

const systemPrefaceWeb = `You are a technical assistant answering questions using the provided context chunks pulled from public web search results.
Cite the chunk(s) you rely on using bracketed indices like [1] or [2] immediately after the relevant statement, and note that these sources are web pages, not internal documentation.
Do not state facts that are not supported by the context. If the context does not contain the answer, say so plainly.`

// assemblePrompt builds the four-part prompt and applies the truncation
// policy: chunks drop lowest-scored first, then oldest conversation turns,
// until the assembled prompt fits the model's context window minus the
// response budget. ContextOverflow is returned if even the top chunk and the
// question don't fit.
func (s *Synthesizer) assemblePrompt(req Request, model string) (assembledPrompt, error) {
	cfg := s.cfg
	preface := systemPrefaceDoc
	if req.Route == domain.RouteWeb {
		preface = systemPrefaceWeb
	}

	chunks := topChunks(req.Candidates, cfg.MaxContextChunks)
	turns := recentTurns(req.Turns, cfg.MemoryTurns)

	windowTokens, _ := llm.ContextSize(model)
	budget := windowTokens - cfg.MaxResponseTokens
	if budget <= 0 {
		budget = windowTokens
	}

	questionTokens := s.cachedTokens(req.Query)
	prefaceTokens := s.cachedTokens(preface)

	for {
		total := prefaceTokens + questionTokens + s.contextBlockTokens(chunks) + s.memoryBlockTokens(turns)
		if total <= budget {
			break
		}
		if len(chunks) > 1 {
			chunks = chunks[:len(chunks)-1]
			continue
		}
		if len(turns) > 0 {
			turns = turns[1:]
			continue
		}
		return assembledPrompt{}, apperr.New(apperr.KindValidation, apperr.CodeContextOverflow,
			"prompt does not fit the model context window even with a single chunk and no conversation memory")
	}

	var sb strings.Builder
	sb.WriteString(preface)
	sb.WriteString("\n\n")
	sb.WriteString(renderContextBlock(chunks))
	if memory := renderMemoryBlock(turns); memory != "" {
		sb.WriteString("\n")
		sb.WriteString(memory)
	}
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(req.Query)

	messages := []llm.Message{{Role: "user", Content: sb.String()}}
	return assembledPrompt{messages: messages, chunks: chunks}, nil
}

func topChunks(candidates []domain.Candidate, max int) []domain.Candidate {
	sorted := make([]domain.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return activeScore(sorted[i]) > activeScore(sorted[j]) })
	if len(sorted) > max {
		sorted = sorted[:max]
	}
	return sorted
}

func activeScore(c domain.Candidate) float64 {
	if c.RerankScore != 0 {
		return c.RerankScore
	}
	return c.FusedScore
}

func recentTurns(turns []domain.ConversationTurn, max int) []domain.ConversationTurn {
	if len(turns) <= max {
		return turns
	}
	return turns[len(turns)-max:]
}

func renderContextBlock(chunks []domain.Candidate) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	for i, c := range chunks {
		source := c.Title
		if source == "" {
			source = c.URL
		}
		if source == "" {
			source = c.DocID
		}
		loc := ""
		if sec := c.Metadata["section"]; sec != "" {
			loc = ", section " + sec
		} else if page := c.Metadata["page"]; page != "" {
			loc = ", page " + page
		}
		fmt.Fprintf(&sb, "[%d] (%s%s) %s\n", i+1, source, loc, c.Text)
	}
	return sb.String()
}

func renderMemoryBlock(turns []domain.ConversationTurn) string {
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Conversation memory:\n")
	for _, t := range turns {
		fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n", t.Query, t.Answer)
	}
	return sb.String()
}

// cachedTokens estimates text's token count, reusing a prior estimate for the
// same text (e.g. a chunk retrieved again for a later query) rather than
// recomputing it.
func (s *Synthesizer) cachedTokens(text string) int {
	if s.tokenCache == nil {
		return llm.EstimateTokens(text)
	}
	if n, ok := s.tokenCache.Get(text); ok {
		return n
	}
	n := llm.EstimateTokens(text)
	s.tokenCache.Set(text, n)
	return n
}

// contextBlockTokens estimates the rendered context block's size per-chunk so
// repeated chunks across requests hit the token cache individually rather
// than invalidating on every change to the surrounding chunk set.
func (s *Synthesizer) contextBlockTokens(chunks []domain.Candidate) int {
	total := llm.EstimateTokens("Context:\n")
	for i, c := range chunks {
		source := c.Title
		if source == "" {
			source = c.URL
		}
		if source == "" {
			source = c.DocID
		}
		total += s.cachedTokens(c.Text) + llm.EstimateTokens(fmt.Sprintf("[%d] (%s) ", i+1, source))
	}
	return total
}

func (s *Synthesizer) memoryBlockTokens(turns []domain.ConversationTurn) int {
	if len(turns) == 0 {
		return 0
	}
	total := llm.EstimateTokens("Conversation memory:\n")
	for _, t := range turns {
		total += s.cachedTokens(t.Query) + s.cachedTokens(t.Answer)
	}
	return total
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// extractCitations returns the subset of chunks actually referenced by
// bracketed index in text, in first-referenced order, each annotated with
// its final score for provenance.
func extractCitations(text string, chunks []domain.Candidate) []domain.Candidate {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[int]bool, len(matches))
	var out []domain.Candidate
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(chunks) {
			continue
		}
		idx := n - 1
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, chunks[idx])
	}
	return out
}
