package adapter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoire/pkg/adapter"
)

func TestOpenAIEmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.URL.Path, "/embeddings")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float64{0.5, 0.5}},
				{"object": "embedding", "index": 0, "embedding": []float64{1, 0}},
			},
			"usage": map[string]any{"prompt_tokens": 2, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	client := adapter.NewOpenAI("test-key", adapter.WithOpenAIBaseURL(srv.URL+"/"))
	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	gt.NoError(t, err)
	gt.A(t, vectors).Length(2)
	gt.Equal(t, vectors[0][0], float32(1))
	gt.Equal(t, vectors[1][0], float32(0.5))
}

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.URL.Path, "/chat/completions")
		var req map[string]any
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gt.Equal(t, req["temperature"], any(float64(0)))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": "- plays chess"},
				},
			},
		})
	}))
	defer srv.Close()

	client := adapter.NewOpenAI("test-key", adapter.WithOpenAIBaseURL(srv.URL+"/"))
	content, err := client.Chat(context.Background(), &adapter.ChatRequest{System: "s", User: "I play chess"})
	gt.NoError(t, err)
	gt.Equal(t, content, "- plays chess")
}
