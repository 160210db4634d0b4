package memory

import (
	"context"

	"github.com/m-mizutani/memoire/pkg/policy"
	"github.com/m-mizutani/memoire/pkg/repository"
)

// Embedder is the embedding client used for ingestion and queries
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Policy decides whether a memory is accepted at ingestion
type Policy interface {
	Evaluate(ctx context.Context, input map[string]any) (*policy.Decision, error)
}

// UseCase provides ingestion, retrieval and profile operations
type UseCase struct {
	repo     repository.Repository
	embedder Embedder
	policy   Policy
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithPolicy sets the ingest policy
func WithPolicy(p Policy) Option {
	return func(uc *UseCase) {
		uc.policy = p
	}
}

// New creates a new memory UseCase instance
func New(repo repository.Repository, embedder Embedder, opts ...Option) *UseCase {
	uc := &UseCase{
		repo:     repo,
		embedder: embedder,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}
