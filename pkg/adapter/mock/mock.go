// Package mock provides deterministic test doubles for the adapter interfaces.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/m-mizutani/memoire/pkg/adapter"
)

// Embedder generates deterministic unit vectors from a hash of the text.
// The same text always yields the same vector.
type Embedder struct {
	Dimensions int
	// EmbedFunc overrides the hash based behavior when set
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

	mu    sync.Mutex
	calls [][]string
}

var _ adapter.Embedder = (*Embedder)(nil)

func NewEmbedder(dimensions int) *Embedder {
	return &Embedder{Dimensions: dimensions}
}

func (m *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), texts...))
	m.mu.Unlock()

	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = Vector(text, m.Dimensions)
	}
	return vectors, nil
}

// Calls returns the batches passed to Embed so far
func (m *Embedder) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// Vector returns the deterministic vector for text
func Vector(text string, dimensions int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dimensions)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float32(int64(seed)) / float32(math.MaxInt64)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// LLM is a scripted chat model. ChatFunc decides the reply for each request.
type LLM struct {
	ChatFunc func(ctx context.Context, req *adapter.ChatRequest) (string, error)

	mu       sync.Mutex
	requests []*adapter.ChatRequest
}

var _ adapter.LLM = (*LLM)(nil)

func (m *LLM) Chat(ctx context.Context, req *adapter.ChatRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.ChatFunc == nil {
		return "summary", nil
	}
	return m.ChatFunc(ctx, req)
}

// Requests returns the requests received so far in call order
func (m *LLM) Requests() []*adapter.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*adapter.ChatRequest(nil), m.requests...)
}
