package model

import (
	"time"

	"github.com/google/uuid"
)

type TickID string

func NewTickID() TickID {
	return TickID(uuid.New().String())
}

type UserResultStatus string

const (
	UserResultSummarized UserResultStatus = "summarized"
	UserResultSkipped    UserResultStatus = "skipped"
	UserResultRace       UserResultStatus = "race"
	UserResultFailed     UserResultStatus = "failed"
)

// UserResult is the outcome of one user's consolidation pipeline
type UserResult struct {
	UserID          UserID           `json:"user_id"`
	Status          UserResultStatus `json:"status"`
	SummaryID       MemoryID         `json:"summary_id,omitempty"`
	MemoryCount     int              `json:"memory_count"`
	ChunksProcessed int              `json:"chunks_processed"`
	DroppedChunks   int              `json:"dropped_chunks"`
	Placeholder     bool             `json:"placeholder"`
	Error           string           `json:"error,omitempty"`
	Duration        time.Duration    `json:"duration"`
}

// TickReport collects per user results of one consolidation tick
type TickReport struct {
	ID            TickID        `json:"id"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	EligibleUsers int           `json:"eligible_users"`
	Results       []*UserResult `json:"results"`
}

// Count returns the number of results with the given status
func (r *TickReport) Count(status UserResultStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}
