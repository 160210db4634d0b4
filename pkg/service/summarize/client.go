package summarize

import (
	"bytes"
	"context"
	_ "embed"
	"strings"
	"text/template"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/adapter"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
)

//go:embed prompt/system.md
var systemPromptRaw string

//go:embed prompt/user.md
var userPromptRaw string

var (
	systemPromptTmpl = template.Must(template.New("system").Parse(systemPromptRaw))
	userPromptTmpl   = template.Must(template.New("user").Parse(userPromptRaw))
)

const (
	DefaultTimeout       = 120 * time.Second
	DefaultContextWindow = 32 * 1024
)

// Client extracts facts from text with a chat model. Failures are reported
// as an absent result, never as an error.
type Client struct {
	llm           adapter.LLM
	timeout       time.Duration
	contextWindow int
	now           func() time.Time
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithContextWindow(n int) Option {
	return func(c *Client) {
		c.contextWindow = n
	}
}

// WithClock replaces the clock used to render today's date in the prompt
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func New(llm adapter.LLM, opts ...Option) *Client {
	c := &Client{
		llm:           llm,
		timeout:       DefaultTimeout,
		contextWindow: DefaultContextWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Summarize returns the extracted facts and true, or false when the service
// failed, timed out or answered with empty content.
func (c *Client) Summarize(ctx context.Context, text string) (string, bool) {
	logger := logging.From(ctx)

	req, err := c.buildRequest(text)
	if err != nil {
		logger.Error("failed to build summarization request", "error", err)
		return "", false
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	content, err := c.llm.Chat(ctx, req)
	if err != nil {
		logger.Warn("summarization unavailable", "error", err, "input_length", len(text))
		return "", false
	}

	content = strings.TrimSpace(content)
	if content == "" {
		logger.Warn("summarization returned empty content", "input_length", len(text))
		return "", false
	}

	return content, true
}

func (c *Client) buildRequest(text string) (*adapter.ChatRequest, error) {
	var system bytes.Buffer
	if err := systemPromptTmpl.Execute(&system, map[string]any{
		"Today": c.now().Format("2006-01-02"),
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to render system prompt")
	}

	var user bytes.Buffer
	if err := userPromptTmpl.Execute(&user, map[string]any{
		"Input": text,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to render user prompt")
	}

	return &adapter.ChatRequest{
		System:        system.String(),
		User:          user.String(),
		Temperature:   0,
		ContextWindow: c.contextWindow,
	}, nil
}
