// Package rerank is C5: a cross-encoder reranker client. Any failure mode
// (HTTP error, timeout, empty/invalid payload, mismatched length) falls back
// to the candidates' input order truncated to top_k — this path never
// raises.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"ragpilot/internal/domain"

	"github.com/rs/zerolog/log"
)

const defaultTimeout = 3 * time.Second

// Client calls an external cross-encoder reranker.
type Client struct {
	URL     string
	HTTP    *http.Client
	Timeout time.Duration
}

// New builds a Client. httpClient should already carry instrumentation.
func New(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{URL: url, HTTP: httpClient, Timeout: defaultTimeout}
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
	TopK     int      `json:"top_k"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Result is the final label for whether the reranker actually ran.
type Result struct {
	Candidates []domain.Candidate
	Fallback   bool
}

// Rerank reorders candidates by cross-encoder relevance, replacing each
// candidate's FusedScore with the reranker score (also stored in
// RerankScore); VectorScore and BM25Score keep their pre-rerank values, the
// pre-rerank fused score is not kept. On any failure it falls back to the
// input order truncated to topK and reports Fallback=true.
func (c *Client) Rerank(ctx context.Context, query string, candidates []domain.Candidate, topK int) Result {
	if c.URL == "" || len(candidates) == 0 {
		return fallback(candidates, topK)
	}

	passages := make([]string, len(candidates))
	for i, cand := range candidates {
		passages[i] = cand.Text
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scores, err := c.call(rctx, query, passages, topK)
	if err != nil {
		log.Warn().Err(err).Msg("rerank_fallback")
		return fallback(candidates, topK)
	}
	if len(scores) != len(candidates) {
		log.Warn().Int("scores", len(scores)).Int("candidates", len(candidates)).Msg("rerank_length_mismatch")
		return fallback(candidates, topK)
	}

	out := make([]domain.Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].RerankScore = scores[i]
		out[i].FusedScore = scores[i]
	}
	sortByRerankScore(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return Result{Candidates: out, Fallback: false}
}

func (c *Client) call(ctx context.Context, query string, passages []string, topK int) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Passages: passages, TopK: topK})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank error %d: %s", resp.StatusCode, truncate(raw, 300))
	}

	var out rerankResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out.Scores) == 0 {
		return nil, fmt.Errorf("rerank: empty scores payload")
	}
	return out.Scores, nil
}

func fallback(candidates []domain.Candidate, topK int) Result {
	out := make([]domain.Candidate, len(candidates))
	copy(out, candidates)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return Result{Candidates: out, Fallback: true}
}

func sortByRerankScore(candidates []domain.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].RerankScore > candidates[j].RerankScore })
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
