package model

import (
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// Metadata keys written on summary memories
const (
	MetaType                = "type"
	MetaSummarizedMemoryIDs = "summarized_memory_ids"
	MetaCount               = "count"
	MetaChunksProcessed     = "chunks_processed"

	MemoryTypeSummary = "summary"
)

// Memory is a unit of user related text with its embedding. Empty ChannelID,
// ServerID and SummaryID mean the value is not set.
type Memory struct {
	ID        MemoryID           `json:"id"`
	UserID    UserID             `json:"user_id"`
	ChannelID string             `json:"channel_id,omitempty"`
	ServerID  string             `json:"server_id,omitempty"`
	Content   string             `json:"content"`
	Metadata  map[string]any     `json:"metadata"`
	Embedding firestore.Vector32 `json:"-"`
	SummaryID MemoryID           `json:"summary_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMemory creates a memory owned by userID. Embedding is left empty.
func NewMemory(userID UserID, content string) *Memory {
	now := time.Now().UTC()
	return &Memory{
		ID:        NewMemoryID(),
		UserID:    userID,
		Content:   content,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks required fields. Embedding is checked by the store.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return goerr.Wrap(ErrInvalidMemory, "memory id is empty")
	}
	if m.UserID == "" {
		return goerr.Wrap(ErrInvalidMemory, "user id is empty", goerr.V("memory_id", m.ID))
	}
	if strings.TrimSpace(m.Content) == "" {
		return goerr.Wrap(ErrInvalidMemory, "content is empty", goerr.V("memory_id", m.ID))
	}
	if m.SummaryID == m.ID {
		return goerr.Wrap(ErrSummaryCycle, "memory refers to itself", goerr.V("memory_id", m.ID))
	}
	return nil
}

// IsSummary reports whether the memory was created by consolidation
func (m *Memory) IsSummary() bool {
	t, ok := m.Metadata[MetaType].(string)
	return ok && t == MemoryTypeSummary
}

// HasEmbedding reports whether an embedding vector is present
func (m *Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// ScoredMemory is a retrieval result. Distance is nil for recency ordered results.
type ScoredMemory struct {
	*Memory
	Username string   `json:"username"`
	Distance *float64 `json:"distance,omitempty"`
}
