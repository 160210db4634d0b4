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

func TestOllamaEmbed(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.URL.Path, "/api/embed")
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":      "nomic-embed-text",
			"embeddings": [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		})
	}))
	defer srv.Close()

	client, err := adapter.NewOllama(srv.URL)
	gt.NoError(t, err)

	vectors, err := client.Embed(context.Background(), []string{"first", "second"})
	gt.NoError(t, err)
	gt.A(t, vectors).Length(2)
	gt.Equal(t, vectors[1][0], float32(0.3))

	gt.Equal(t, received["model"], any("nomic-embed-text"))
	gt.A(t, received["input"].([]any)).Length(2)
}

func TestOllamaEmbedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
	}))
	defer srv.Close()

	client, err := adapter.NewOllama(srv.URL)
	gt.NoError(t, err)

	_, err = client.Embed(context.Background(), []string{"text"})
	gt.Error(t, err)
}

func TestOllamaChat(t *testing.T) {
	var received struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
		Stream   *bool            `json:"stream"`
		Options  map[string]any   `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.URL.Path, "/api/chat")
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "phi4",
			"message": map[string]any{"role": "assistant", "content": "- likes tea"},
			"done":    true,
		})
	}))
	defer srv.Close()

	client, err := adapter.NewOllama(srv.URL, adapter.WithOllamaChatModel("phi4"))
	gt.NoError(t, err)

	content, err := client.Chat(context.Background(), &adapter.ChatRequest{
		System:        "extract facts",
		User:          "I like tea",
		Temperature:   0,
		ContextWindow: 32768,
	})
	gt.NoError(t, err)
	gt.Equal(t, content, "- likes tea")

	gt.Equal(t, received.Model, "phi4")
	gt.A(t, received.Messages).Length(2)
	gt.Equal(t, received.Messages[0]["role"], any("system"))
	gt.Equal(t, received.Messages[1]["content"], any("I like tea"))
	gt.V(t, received.Stream).NotNil()
	gt.Equal(t, *received.Stream, false)
	gt.Equal(t, received.Options["temperature"], any(float64(0)))
	gt.Equal(t, received.Options["num_ctx"], any(float64(32768)))
}

func TestOllamaChatFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
	}))
	defer srv.Close()

	client, err := adapter.NewOllama(srv.URL)
	gt.NoError(t, err)

	_, err = client.Chat(context.Background(), &adapter.ChatRequest{System: "s", User: "u"})
	gt.Error(t, err)
}

func TestNewOllamaInvalidURL(t *testing.T) {
	_, err := adapter.NewOllama("localhost")
	gt.Error(t, err)
}
