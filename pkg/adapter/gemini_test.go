package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoire/pkg/adapter"
)

func newGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	client, err := adapter.NewGemini(context.Background(), projectID, "us-central1",
		adapter.WithEmbeddingDimensions(768))
	gt.NoError(t, err)
	return client
}

func TestGeminiChat(t *testing.T) {
	client := newGemini(t)

	content, err := client.Chat(context.Background(), &adapter.ChatRequest{
		System: "Answer with one word.",
		User:   "What is the capital of France?",
	})
	gt.NoError(t, err)
	gt.S(t, content).Contains("Paris")
}

func TestGeminiEmbed(t *testing.T) {
	client := newGemini(t)

	vectors, err := client.Embed(context.Background(), []string{"hello", "world"})
	gt.NoError(t, err)
	gt.A(t, vectors).Length(2)
	gt.A(t, vectors[0]).Length(768)
}
