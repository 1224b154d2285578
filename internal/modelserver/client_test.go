package modelserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ragpilot/internal/llm"

	"github.com/stretchr/testify/require"
)

func TestClientEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "nomic-embed-text:v1.5", req.Model)
		require.Equal(t, "hello world", req.Prompt)
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	vec, err := c.Embed(context.Background(), "nomic-embed-text:v1.5", "hello world")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestClientEmbedUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("model loading"))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.Embed(context.Background(), "m", "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestClientChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		require.Equal(t, "user", req.Messages[0].Role)

		lines := []string{
			`{"message":{"content":"Hel"},"done":false}`,
			`{"message":{"content":"lo"},"done":false}`,
			`{"message":{"content":""},"done":true}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	var got strings.Builder
	done := false
	h := testHandler{onToken: func(s string) { got.WriteString(s) }, onDone: func() { done = true }}

	err := c.ChatStream(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, "llama3.1", h)
	require.NoError(t, err)
	require.Equal(t, "Hello", got.String())
	require.True(t, done)
}

func TestClientChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"answer"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	msg, err := c.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, "llama3.1")
	require.NoError(t, err)
	require.Equal(t, "answer", msg.Content)
	require.Equal(t, "assistant", msg.Role)
}

func TestClientTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"nomic-embed-text:v1.5"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	tags, err := c.Tags(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"llama3.1:8b", "nomic-embed-text:v1.5"}, tags)
}

type testHandler struct {
	onToken func(string)
	onDone  func()
}

func (h testHandler) OnToken(s string) { h.onToken(s) }
func (h testHandler) OnDone()          { h.onDone() }
