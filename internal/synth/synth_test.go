package synth

import (
	"context"
	"strings"
	"testing"
	"time"

	"ragpilot/internal/classify"
	"ragpilot/internal/domain"
	"ragpilot/internal/llm"

	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	model string
	inst  domain.Instance
	err   error
}

func (f fakeRouter) Route(string, string, bool, string) (string, domain.Instance, classify.Category, error) {
	if f.err != nil {
		return "", domain.Instance{}, "", f.err
	}
	return f.model, f.inst, classify.CategoryTechnical, nil
}

type fakeChatter struct {
	tokens []string
	err    error
}

func (f fakeChatter) ChatStream(_ context.Context, _ []llm.Message, _ string, h llm.StreamHandler) error {
	if f.err != nil {
		return f.err
	}
	for _, tok := range f.tokens {
		h.OnToken(tok)
	}
	h.OnDone()
	return nil
}

type captureHandler struct {
	tokens []string
	done   bool
}

func (c *captureHandler) OnToken(text string) { c.tokens = append(c.tokens, text) }
func (c *captureHandler) OnDone()             { c.done = true }

func candidates() []domain.Candidate {
	return []domain.Candidate{
		{ChunkID: "c1", Title: "install-guide.pdf", Text: "Install the agent by running the installer.", FusedScore: 0.9},
		{ChunkID: "c2", Title: "config-guide.pdf", Text: "Configuration lives in config.yaml.", FusedScore: 0.5},
	}
}

func TestGenerateStreamsAndAttachesCitations(t *testing.T) {
	router := fakeRouter{model: "llama3.1", inst: domain.Instance{Name: "a"}}
	dial := func(domain.Instance) Chatter {
		return fakeChatter{tokens: []string{"Run the installer ", "[1]", " to get started."}}
	}
	s := New(router, dial, Config{})

	h := &captureHandler{}
	answer, err := s.Generate(context.Background(), Request{
		Query:      "how do I install it",
		Route:      domain.RouteDoc,
		Candidates: candidates(),
	}, h)

	require.NoError(t, err)
	require.True(t, h.done)
	require.Contains(t, answer.Text, "[1]")
	require.Len(t, answer.Provenance, 1)
	require.Equal(t, "c1", answer.Provenance[0].ChunkID)
	require.Equal(t, "llama3.1", answer.ModelUsed)
}

func TestGenerateNoCitationsWhenUnreferenced(t *testing.T) {
	router := fakeRouter{model: "llama3.1", inst: domain.Instance{Name: "a"}}
	dial := func(domain.Instance) Chatter { return fakeChatter{tokens: []string{"A plain answer with no markers."}} }
	s := New(router, dial, Config{})

	answer, err := s.Generate(context.Background(), Request{Query: "q", Candidates: candidates()}, &captureHandler{})
	require.NoError(t, err)
	require.Empty(t, answer.Provenance)
}

func TestGenerateWrapsRouterFailure(t *testing.T) {
	router := fakeRouter{err: assertErr{}}
	s := New(router, func(domain.Instance) Chatter { return fakeChatter{} }, Config{})

	_, err := s.Generate(context.Background(), Request{Query: "q"}, &captureHandler{})
	require.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "no instance" }

func TestGenerateWrapsUpstreamFailure(t *testing.T) {
	router := fakeRouter{model: "llama3.1", inst: domain.Instance{Name: "a"}}
	dial := func(domain.Instance) Chatter { return fakeChatter{err: assertErr{}} }
	s := New(router, dial, Config{})

	_, err := s.Generate(context.Background(), Request{Query: "q"}, &captureHandler{})
	require.Error(t, err)
}

func TestAssemblePromptDropsLowestScoredChunkFirst(t *testing.T) {
	cfg := Config{MaxContextChunks: 5, MaxResponseTokens: 1, MemoryTurns: 6}
	long := strings.Repeat("x", 12_000)
	req := Request{Query: "q", Candidates: []domain.Candidate{
		{ChunkID: "low", Text: long, FusedScore: 0.2},
		{ChunkID: "high", Text: long, FusedScore: 0.9},
	}}
	s := &Synthesizer{cfg: cfg.withDefaults(), tokenCache: llm.NewTokenCache(llm.TokenCacheConfig{})}

	// llama2's 4096-token window holds only one of the two ~3000-token chunks.
	assembled, err := s.assemblePrompt(req, "llama2")
	require.NoError(t, err)
	require.NotEmpty(t, assembled.chunks)
	require.Len(t, assembled.chunks, 1)
	require.Equal(t, "high", assembled.chunks[0].ChunkID)
}

func TestAssemblePromptContextOverflow(t *testing.T) {
	huge := ""
	for i := 0; i < 400_000; i++ {
		huge += "x"
	}
	cfg := Config{MaxContextChunks: 1, MemoryTurns: 0, MaxResponseTokens: 1}
	req := Request{Query: huge, Candidates: []domain.Candidate{{ChunkID: "c1", Text: huge, FusedScore: 1}}}
	s := &Synthesizer{cfg: cfg.withDefaults(), tokenCache: llm.NewTokenCache(llm.TokenCacheConfig{})}

	_, err := s.assemblePrompt(req, "llama2")
	require.Error(t, err)
}

func TestAssemblePromptTruncatesOldestTurnsFirst(t *testing.T) {
	long := strings.Repeat("y", 6_000)
	turns := []domain.ConversationTurn{
		{Query: "first", Answer: long, CreatedAt: time.Now().Add(-3 * time.Hour)},
		{Query: "second", Answer: long, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{Query: "third", Answer: long, CreatedAt: time.Now().Add(-1 * time.Hour)},
	}
	cfg := Config{MaxContextChunks: 1, MemoryTurns: 3, MaxResponseTokens: 1}
	req := Request{Query: "q", Candidates: []domain.Candidate{{ChunkID: "c1", Text: "short", FusedScore: 1}}, Turns: turns}
	s := &Synthesizer{cfg: cfg.withDefaults(), tokenCache: llm.NewTokenCache(llm.TokenCacheConfig{})}

	// llama2's 4096-token window holds two of the three ~1500-token turns.
	assembled, err := s.assemblePrompt(req, "llama2")
	require.NoError(t, err)
	require.NotNil(t, assembled.messages)
	prompt := assembled.messages[0].Content
	require.NotContains(t, prompt, "User: first")
	require.Contains(t, prompt, "User: second")
	require.Contains(t, prompt, "User: third")
}

func TestExtractCitationsDedupesAndIgnoresOutOfRange(t *testing.T) {
	chunks := candidates()
	out := extractCitations("see [1] and again [1] and also [9]", chunks)
	require.Len(t, out, 1)
	require.Equal(t, "c1", out[0].ChunkID)
}
