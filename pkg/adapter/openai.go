package adapter

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type OpenAI struct {
	client         openai.Client
	baseURL        string
	embeddingModel string
	chatModel      string
	dimensions     int
}

type OpenAIOption func(*OpenAI)

// WithOpenAIBaseURL points the client at an OpenAI compatible endpoint
func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(o *OpenAI) {
		o.baseURL = u
	}
}

func WithOpenAIEmbeddingModel(model string) OpenAIOption {
	return func(o *OpenAI) {
		o.embeddingModel = model
	}
}

func WithOpenAIChatModel(model string) OpenAIOption {
	return func(o *OpenAI) {
		o.chatModel = model
	}
}

func WithOpenAIDimensions(d int) OpenAIOption {
	return func(o *OpenAI) {
		o.dimensions = d
	}
}

func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		embeddingModel: "text-embedding-3-small",
		chatModel:      "gpt-4o-mini",
	}
	for _, opt := range opts {
		opt(o)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.baseURL))
	}
	o.client = openai.NewClient(reqOpts...)

	return o
}

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(o.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if o.dimensions > 0 {
		params.Dimensions = openai.Int(int64(o.dimensions))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create openai embeddings", goerr.V("model", o.embeddingModel))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vectors) {
			return nil, goerr.New("embedding index out of range", goerr.V("index", d.Index))
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vectors[d.Index] = vec
	}
	return vectors, nil
}

func (o *OpenAI) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(req.Temperature),
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to create chat completion", goerr.V("model", o.chatModel))
	}
	if len(resp.Choices) == 0 {
		return "", goerr.New("no choices in chat completion", goerr.V("model", o.chatModel))
	}

	return resp.Choices[0].Message.Content, nil
}
