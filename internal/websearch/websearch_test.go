package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchPrefersJSONAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "json", r.URL.Query().Get("format"))
		_ = json.NewEncoder(w).Encode(jsonResponse{Results: []jsonResult{
			{Title: "Go docs", URL: "https://go.dev", Content: "The Go programming language", Engine: "test"},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	results, err := c.Search(context.Background(), "golang")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Go docs", results[0].Title)
}

func TestSearchFallsBackToHTMLWhenJSONFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "json" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`<html><body>
			<div class="result">
				<a class="result-link" href="https://example.com">Example Result</a>
				<p class="content">An example snippet describing the page.</p>
			</div>
		</body></html>`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	results, err := c.Search(context.Background(), "example")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "https://example.com", results[0].URL)
}

func TestSearchUnavailableWhenBothFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.Search(context.Background(), "anything")
	require.Error(t, err)
}

func TestToCandidatesMapsRankToDescendingScore(t *testing.T) {
	results := []Result{
		{Title: "a", URL: "http://a", Snippet: "alpha", Rank: 1},
		{Title: "b", URL: "http://b", Snippet: "beta", Rank: 2},
	}
	cands := ToCandidates(results)
	require.Len(t, cands, 2)
	require.Greater(t, cands[0].FusedScore, cands[1].FusedScore)
	require.Equal(t, "http://a", cands[0].URL)
}
