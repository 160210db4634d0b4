package memory

import (
	"context"
	"maps"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
)

// AddInput is a memory submitted by a producer. Embedding is computed when empty.
type AddInput struct {
	Username  string         `json:"username" yaml:"username"`
	ChannelID string         `json:"channel_id,omitempty" yaml:"channel_id"`
	ServerID  string         `json:"server_id,omitempty" yaml:"server_id"`
	Content   string         `json:"content" yaml:"content"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata"`
	Embedding []float32      `json:"embedding,omitempty" yaml:"embedding"`
}

func (x *AddInput) validate() error {
	if strings.TrimSpace(x.Username) == "" {
		return goerr.Wrap(model.ErrInvalidMemory, "username is required")
	}
	if strings.TrimSpace(x.Content) == "" {
		return goerr.Wrap(model.ErrInvalidMemory, "content is required", goerr.V("username", x.Username))
	}
	return nil
}

// Add stores one memory, creating the user profile if missing
func (uc *UseCase) Add(ctx context.Context, input *AddInput) (*model.Memory, error) {
	memories, err := uc.AddBatch(ctx, []*AddInput{input})
	if err != nil {
		return nil, err
	}
	return memories[0], nil
}

// AddBatch stores memories, embedding all missing vectors in a single call.
// The memories are written in one transaction, so nothing is stored if any
// input is invalid, rejected or fails to persist. Profiles of new usernames
// are created before that write and are kept.
func (uc *UseCase) AddBatch(ctx context.Context, inputs []*AddInput) ([]*model.Memory, error) {
	memories := make([]*model.Memory, len(inputs))
	for i, input := range inputs {
		m, err := uc.prepare(ctx, input)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid memory input", goerr.V("index", i))
		}
		memories[i] = m
	}

	if err := uc.EnsureEmbedded(ctx, memories...); err != nil {
		return nil, err
	}

	users := map[string]*model.UserProfile{}
	for i, m := range memories {
		username := inputs[i].Username
		user, ok := users[username]
		if !ok {
			var err error
			user, err = uc.repo.GetOrCreateUser(ctx, username)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to get user", goerr.V("username", username))
			}
			users[username] = user
		}
		m.UserID = user.ID
	}

	if err := uc.repo.PutMemory(ctx, memories...); err != nil {
		return nil, goerr.Wrap(err, "failed to store memories", goerr.V("count", len(memories)))
	}
	logging.From(ctx).Debug("memories stored", "count", len(memories), "users", len(users))

	return memories, nil
}

func (uc *UseCase) prepare(ctx context.Context, input *AddInput) (*model.Memory, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	metadata := map[string]any{}
	maps.Copy(metadata, input.Metadata)

	if uc.policy != nil {
		decision, err := uc.policy.Evaluate(ctx, map[string]any{
			"username":   input.Username,
			"channel_id": input.ChannelID,
			"server_id":  input.ServerID,
			"content":    input.Content,
			"metadata":   metadata,
		})
		if err != nil {
			return nil, err
		}
		if decision.Reject {
			return nil, goerr.Wrap(model.ErrRejectedByPolicy, "memory rejected",
				goerr.V("username", input.Username), goerr.V("reason", decision.Reason))
		}
		maps.Copy(metadata, decision.Metadata)
	}

	// user is resolved after embedding succeeds
	m := model.NewMemory("", input.Content)
	m.ChannelID = input.ChannelID
	m.ServerID = input.ServerID
	m.Metadata = metadata
	m.Embedding = input.Embedding
	return m, nil
}

// EnsureEmbedded computes embeddings for memories that have none, in one
// batch, and checks the size of those that already have one.
func (uc *UseCase) EnsureEmbedded(ctx context.Context, memories ...*model.Memory) error {
	var (
		missing []*model.Memory
		texts   []string
	)
	dims := uc.embedder.Dimensions()
	for _, m := range memories {
		if m.HasEmbedding() {
			if dims > 0 && len(m.Embedding) != dims {
				return goerr.Wrap(model.ErrDimensionMismatch, "supplied embedding has unexpected dimensions",
					goerr.V("memory_id", m.ID), goerr.V("expected", dims), goerr.V("actual", len(m.Embedding)))
			}
			continue
		}
		missing = append(missing, m)
		texts = append(texts, m.Content)
	}
	if len(missing) == 0 {
		return nil
	}

	vectors, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		return goerr.Wrap(err, "failed to embed memories", goerr.V("count", len(texts)))
	}
	for i, m := range missing {
		m.Embedding = vectors[i]
	}
	return nil
}
