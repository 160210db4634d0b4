package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrEmbeddingService is returned when the embedding service fails or returns malformed data.
	ErrEmbeddingService = goerr.New("embedding service error")
	// ErrDimensionMismatch is returned when a vector does not match the index dimensionality.
	ErrDimensionMismatch = goerr.New("embedding dimension mismatch")
	// ErrLinkageRace is returned when memories to be linked were already claimed by another run.
	ErrLinkageRace  = goerr.New("memories already linked to a summary")
	ErrSummaryCycle = goerr.New("summary link would create a cycle")

	ErrUserNotFound   = goerr.New("user not found")
	ErrMemoryNotFound = goerr.New("memory not found")

	ErrInvalidMemory    = goerr.New("invalid memory")
	ErrRejectedByPolicy = goerr.New("memory rejected by ingest policy")

	// ErrTickInProgress is returned when a consolidation tick is started while another is running.
	ErrTickInProgress = goerr.New("consolidation tick already in progress")
)
