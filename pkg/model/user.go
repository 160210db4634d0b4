package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type UserID string

// NewUserID generates a new unique UserID
func NewUserID() UserID {
	return UserID(uuid.New().String())
}

// UserProfile is the owner of memories, identified by a unique username
type UserProfile struct {
	ID         UserID         `json:"id" yaml:"id"`
	Username   string         `json:"username" yaml:"username"`
	CustomInfo map[string]any `json:"custom_info" yaml:"custom_info"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" yaml:"updated_at"`
}

// NewUserProfile creates a profile for username with empty custom info
func NewUserProfile(username string) *UserProfile {
	now := time.Now().UTC()
	return &UserProfile{
		ID:         NewUserID(),
		Username:   username,
		CustomInfo: map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks if the profile can be persisted
func (u *UserProfile) Validate() error {
	if u.ID == "" {
		return goerr.New("user id is empty")
	}
	if u.Username == "" {
		return goerr.New("username is empty")
	}
	return nil
}

// UserSummary is a profile with the number of memories it owns
type UserSummary struct {
	*UserProfile
	MemoryCount int `json:"memory_count"`
}
