package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ragpilot/internal/domain"

	"github.com/stretchr/testify/require"
)

func candidates() []domain.Candidate {
	return []domain.Candidate{
		{ChunkID: "a", Text: "alpha", FusedScore: 0.9},
		{ChunkID: "b", Text: "beta", FusedScore: 0.8},
		{ChunkID: "c", Text: "gamma", FusedScore: 0.7},
	}
}

func TestRerankReordersByScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Passages, 3)
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.1, 0.9, 0.5}})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	result := c.Rerank(context.Background(), "q", candidates(), 3)
	require.False(t, result.Fallback)
	require.Equal(t, "b", result.Candidates[0].ChunkID)
	require.Equal(t, 0.9, result.Candidates[0].RerankScore)
}

func TestRerankFallsBackOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	result := c.Rerank(context.Background(), "q", candidates(), 2)
	require.True(t, result.Fallback)
	require.Len(t, result.Candidates, 2)
	require.Equal(t, "a", result.Candidates[0].ChunkID)
}

func TestRerankFallsBackOnLengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.1, 0.2}})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	result := c.Rerank(context.Background(), "q", candidates(), 3)
	require.True(t, result.Fallback)
}

func TestRerankNoURLFallsBack(t *testing.T) {
	c := New("", nil)
	result := c.Rerank(context.Background(), "q", candidates(), 3)
	require.True(t, result.Fallback)
	require.Len(t, result.Candidates, 3)
}

func TestRerankEmptyCandidates(t *testing.T) {
	c := New("http://example.invalid", nil)
	result := c.Rerank(context.Background(), "q", nil, 3)
	require.True(t, result.Fallback)
	require.Empty(t, result.Candidates)
}
