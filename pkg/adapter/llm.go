package adapter

import "context"

// Embedder converts texts into vectors, one per input text in the same order
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a single turn completion request with a system instruction
type ChatRequest struct {
	System        string
	User          string
	Temperature   float64
	ContextWindow int
}

// LLM is a chat completion service that returns the assistant message text
type LLM interface {
	Chat(ctx context.Context, req *ChatRequest) (string, error)
}
