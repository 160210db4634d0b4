package adapter

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ollama/ollama/api"
)

const (
	DefaultOllamaURL            = "http://localhost:11434"
	DefaultOllamaEmbeddingModel = "nomic-embed-text"
	DefaultOllamaChatModel      = "phi4"
)

// Ollama talks to an Ollama server for both embeddings and chat
type Ollama struct {
	client         *api.Client
	httpClient     *http.Client
	embeddingModel string
	chatModel      string
}

type OllamaOption func(*Ollama)

func WithOllamaEmbeddingModel(model string) OllamaOption {
	return func(o *Ollama) {
		o.embeddingModel = model
	}
}

func WithOllamaChatModel(model string) OllamaOption {
	return func(o *Ollama) {
		o.chatModel = model
	}
}

func WithOllamaHTTPClient(client *http.Client) OllamaOption {
	return func(o *Ollama) {
		o.httpClient = client
	}
}

func NewOllama(baseURL string, opts ...OllamaOption) (*Ollama, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse ollama url", goerr.V("url", baseURL))
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, goerr.New("ollama url must have scheme and host", goerr.V("url", baseURL))
	}

	o := &Ollama{
		httpClient:     http.DefaultClient,
		embeddingModel: DefaultOllamaEmbeddingModel,
		chatModel:      DefaultOllamaChatModel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.client = api.NewClient(u, o.httpClient)

	return o, nil
}

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{
		Model: o.embeddingModel,
		Input: texts,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to call ollama embed", goerr.V("model", o.embeddingModel))
	}
	if resp.Embeddings == nil {
		return nil, goerr.New("ollama embed response has no embeddings", goerr.V("model", o.embeddingModel))
	}
	return resp.Embeddings, nil
}

func (o *Ollama) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	stream := false
	options := map[string]any{
		"temperature": req.Temperature,
	}
	if req.ContextWindow > 0 {
		options["num_ctx"] = req.ContextWindow
	}

	var content strings.Builder
	err := o.client.Chat(ctx, &api.ChatRequest{
		Model: o.chatModel,
		Messages: []api.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Stream:  &stream,
		Options: options,
	}, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to call ollama chat", goerr.V("model", o.chatModel))
	}

	return content.String(), nil
}
