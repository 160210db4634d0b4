package repository

import (
	"context"

	"github.com/m-mizutani/memoire/pkg/model"
)

// MemoryQuery selects memories for retrieval. Empty fields are not used as
// filters. When Vector is set results are ordered by ascending cosine
// distance, otherwise by creation time descending.
type MemoryQuery struct {
	UserID    model.UserID
	ChannelID string
	ServerID  string
	Vector    []float32

	// Limit of zero returns every match. Firestore ranks at most 1000
	// memories per query, so a ranked query there is cut at that size.
	Limit  int
	Offset int
}

// Repository defines the interface for user and memory persistence
type Repository interface {
	// GetOrCreateUser returns the profile for username, creating it if missing
	GetOrCreateUser(ctx context.Context, username string) (*model.UserProfile, error)

	// GetUser retrieves a profile by ID
	GetUser(ctx context.Context, id model.UserID) (*model.UserProfile, error)

	// GetUserByName retrieves a profile by username
	GetUserByName(ctx context.Context, username string) (*model.UserProfile, error)

	// UpdateUser overwrites custom info of an existing profile
	UpdateUser(ctx context.Context, user *model.UserProfile) error

	// ListUsers returns every profile with its memory count, ordered by username
	ListUsers(ctx context.Context) ([]*model.UserSummary, error)

	// PutMemory inserts new memories in one transaction. Every embedding must
	// already be set. Nothing is stored when any memory fails.
	PutMemory(ctx context.Context, memories ...*model.Memory) error

	// GetMemory retrieves a memory by ID
	GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error)

	// CountEligibleUsers returns users having more than minUnsummarized memories without summary
	CountEligibleUsers(ctx context.Context, minUnsummarized int) ([]model.UserID, error)

	// FetchUnsummarized returns memories of the user without summary, oldest first
	FetchUnsummarized(ctx context.Context, userID model.UserID) ([]*model.Memory, error)

	// InsertSummary inserts a summary memory and links members to it in one
	// transaction. Nothing is written if any member is already linked.
	InsertSummary(ctx context.Context, summary *model.Memory, members []model.MemoryID) error

	// LinkToSummary sets the summary reference on every memory in ids that is
	// still unlinked. It is all or nothing and returns the number of linked memories.
	LinkToSummary(ctx context.Context, ids []model.MemoryID, summaryID model.MemoryID) (int, error)

	// QueryMemories runs a filtered retrieval query
	QueryMemories(ctx context.Context, q *MemoryQuery) ([]*model.ScoredMemory, error)

	Close() error
}

type options struct {
	dimensions int
}

// Option configures a repository backend
type Option func(*options)

// WithDimensions fixes the embedding dimensionality accepted by the store
func WithDimensions(d int) Option {
	return func(o *options) {
		o.dimensions = d
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
