package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/adapter"
	"github.com/m-mizutani/memoire/pkg/model"
)

const (
	DefaultDimensions = 768
	DefaultTimeout    = 30 * time.Second
)

// Client wraps an embedding backend, enforcing order, count and dimension of
// the returned vectors.
type Client struct {
	embedder   adapter.Embedder
	model      string
	dimensions int
	timeout    time.Duration

	cacheSize int64
	cache     *ristretto.Cache
}

type Option func(*Client)

// WithDimensions sets the expected vector length. Zero disables the check.
func WithDimensions(d int) Option {
	return func(c *Client) {
		c.dimensions = d
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithModelName sets the model name used to namespace cached query vectors
func WithModelName(name string) Option {
	return func(c *Client) {
		c.model = name
	}
}

// WithQueryCache keeps up to n query vectors in memory. Zero disables caching.
func WithQueryCache(n int64) Option {
	return func(c *Client) {
		c.cacheSize = n
	}
}

func New(embedder adapter.Embedder, opts ...Option) (*Client, error) {
	c := &Client{
		embedder:   embedder,
		dimensions: DefaultDimensions,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: c.cacheSize * 10,
			MaxCost:     c.cacheSize,
			BufferItems: 64,

			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create query cache", goerr.V("size", c.cacheSize))
		}
		c.cache = cache
	}

	return c, nil
}

// Dimensions returns the expected vector length
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Embed returns one vector per text in the same order
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrEmbeddingService, err), "failed to embed texts",
			goerr.V("count", len(texts)))
	}

	if len(vectors) != len(texts) {
		return nil, goerr.Wrap(model.ErrEmbeddingService, "unexpected number of vectors",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(vectors)))
	}

	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, goerr.Wrap(model.ErrEmbeddingService, "empty vector in response", goerr.V("index", i))
		}
		if c.dimensions > 0 && len(vec) != c.dimensions {
			return nil, goerr.Wrap(errors.Join(model.ErrEmbeddingService, model.ErrDimensionMismatch),
				"vector has unexpected dimensions",
				goerr.V("index", i),
				goerr.V("expected", c.dimensions),
				goerr.V("actual", len(vec)))
		}
	}

	return vectors, nil
}

// EmbedOne embeds a single text as a one element batch
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedQuery is EmbedOne with the query cache in front of it
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if c.cache == nil {
		return c.EmbedOne(ctx, text)
	}

	key := c.model + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.EmbedOne(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	c.cache.Wait()

	return vec, nil
}

// Close releases the query cache
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
