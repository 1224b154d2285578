package llm

import "context"

// Message is a single turn in a chat-style generation request.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// StreamHandler receives incremental output from a streaming generation call.
type StreamHandler interface {
	OnToken(text string)
	OnDone()
}

// Provider abstracts a text-generation backend (a self-hosted model-server
// instance behind internal/modelserver, in this codebase's case).
type Provider interface {
	Chat(ctx context.Context, msgs []Message, model string) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, model string, h StreamHandler) error
}
