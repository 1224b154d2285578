// Package modelserver is a plain-HTTP client for the self-hosted model-server
// fleet's contract: POST /api/embeddings, POST /api/chat (newline-delimited
// JSON streaming), GET /api/tags.
package modelserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ragpilot/internal/llm"
)

// Client talks to a single model-server instance at BaseURL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New constructs a Client. httpClient should already carry any instrumentation
// (e.g. otelhttp) the caller wants on every downstream call.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, HTTP: httpClient}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests a single embedding vector for prompt from model.
func (c *Client) Embed(ctx context.Context, model, prompt string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: model, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed error %d: %s", resp.StatusCode, truncate(raw, 500))
	}

	var out embedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return out.Embedding, nil
}

type chatMessageWire struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []chatMessageWire `json:"messages"`
	Options  map[string]any    `json:"options,omitempty"`
	Stream   bool              `json:"stream"`
}

type chatStreamLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func toWireMessages(msgs []llm.Message) []chatMessageWire {
	out := make([]chatMessageWire, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessageWire{Role: m.Role, Content: m.Content}
	}
	return out
}

// Chat performs a non-streaming chat completion, accumulating the full
// response from the underlying NDJSON stream.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	var out llm.Message
	out.Role = "assistant"
	err := c.ChatStream(ctx, msgs, model, accumulator{msg: &out})
	return out, err
}

type accumulator struct {
	msg *llm.Message
}

func (a accumulator) OnToken(text string) { a.msg.Content += text }
func (a accumulator) OnDone()             {}

// ChatStream streams a chat completion, invoking h.OnToken for every
// incremental content delta and h.OnDone exactly once when the stream ends
// (or the context is cancelled).
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, model string, h llm.StreamHandler) error {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: toWireMessages(msgs),
		Stream:   true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat error %d: %s", resp.StatusCode, truncate(raw, 500))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			h.OnDone()
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev chatStreamLine
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Message.Content != "" {
			h.OnToken(ev.Message.Content)
		}
		if ev.Done {
			break
		}
	}
	h.OnDone()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read chat stream: %w", err)
	}
	return nil
}

// Tags lists the models available on this instance.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tags request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tags error %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	names := make([]string, len(out.Models))
	for i, m := range out.Models {
		names[i] = m.Name
	}
	return names, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
