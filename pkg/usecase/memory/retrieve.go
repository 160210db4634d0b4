package memory

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/repository"
)

// RetrieveInput scopes a retrieval. Empty fields are not applied.
type RetrieveInput struct {
	Query     string
	Username  string
	ChannelID string
	ServerID  string
	Limit     int
	Offset    int
}

// Retrieve returns memories matching every given filter. With a query they
// are ordered by ascending cosine distance, otherwise newest first.
func (uc *UseCase) Retrieve(ctx context.Context, input *RetrieveInput) ([]*model.ScoredMemory, error) {
	q := &repository.MemoryQuery{
		ChannelID: input.ChannelID,
		ServerID:  input.ServerID,
		Limit:     max(input.Limit, 0),
		Offset:    max(input.Offset, 0),
	}

	if input.Username != "" {
		user, err := uc.repo.GetUserByName(ctx, input.Username)
		if err != nil {
			return nil, err
		}
		q.UserID = user.ID
	}

	if query := strings.TrimSpace(input.Query); query != "" {
		vec, err := uc.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed query")
		}
		q.Vector = vec
	}

	results, err := uc.repo.QueryMemories(ctx, q)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memories")
	}
	return results, nil
}

// GetMemory returns a memory by ID
func (uc *UseCase) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	return uc.repo.GetMemory(ctx, id)
}
