package consolidate

import (
	"context"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// ConsolidateUser summarizes every unsummarized memory of the user into one
// summary memory and links them to it. Runs for the same user are serialized.
func (e *Engine) ConsolidateUser(ctx context.Context, userID model.UserID) (*model.UserResult, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	logger := logging.From(ctx)
	result := &model.UserResult{UserID: userID}

	memories, err := e.repo.FetchUnsummarized(ctx, userID)
	if err != nil {
		return result, goerr.Wrap(err, "failed to load unsummarized memories", goerr.V("user_id", userID))
	}
	result.MemoryCount = len(memories)
	if len(memories) <= e.chunkSize {
		logger.Debug("not enough unsummarized memories", "count", len(memories))
		result.Status = model.UserResultSkipped
		return result, nil
	}

	chunks := Chunk(memories, e.chunkSize)
	result.ChunksProcessed = len(chunks)

	summaries := e.summarizeChunks(ctx, chunks)
	result.DroppedChunks = len(chunks) - len(summaries)
	if result.DroppedChunks > 0 {
		logger.Warn("chunks dropped from summary",
			"dropped", result.DroppedChunks,
			"chunks", len(chunks),
		)
	}

	content, placeholder := e.merge(ctx, summaries, len(memories))
	result.Placeholder = placeholder

	vector, err := e.embedder.EmbedOne(ctx, content)
	if err != nil {
		return result, goerr.Wrap(err, "failed to embed summary", goerr.V("user_id", userID))
	}

	summary := newSummaryMemory(userID, content, vector, memories, len(chunks))
	if err := e.repo.InsertSummary(ctx, summary, memoryIDs(memories)); err != nil {
		if errors.Is(err, model.ErrLinkageRace) {
			logger.Info("memories already claimed by another run", "error", err)
			result.Status = model.UserResultRace
			return result, nil
		}
		return result, goerr.Wrap(err, "failed to persist summary", goerr.V("user_id", userID))
	}

	result.Status = model.UserResultSummarized
	result.SummaryID = summary.ID
	logger.Info("memories consolidated",
		"summary_id", summary.ID,
		"count", len(memories),
		"chunks", len(chunks),
		"placeholder", placeholder,
	)
	return result, nil
}

// summarizeChunks returns the summaries of chunks that succeeded, oldest chunk first
func (e *Engine) summarizeChunks(ctx context.Context, chunks [][]*model.Memory) []string {
	logger := logging.From(ctx)
	outputs := make([]string, len(chunks))
	succeeded := make([]bool, len(chunks))

	var g errgroup.Group
	g.SetLimit(e.chunkConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			text := joinContents(chunk)
			for attempt := 0; attempt <= e.chunkRetries; attempt++ {
				if ctx.Err() != nil {
					break
				}
				if s, ok := e.summarizer.Summarize(ctx, text); ok {
					outputs[i] = s
					succeeded[i] = true
					return nil
				}
			}
			logger.Warn("chunk summarization failed", "chunk", i+1, "size", len(chunk))
			return nil
		})
	}
	_ = g.Wait()

	summaries := make([]string, 0, len(chunks))
	for i, ok := range succeeded {
		if ok {
			summaries = append(summaries, outputs[i])
		}
	}
	return summaries
}

// merge reduces chunk summaries to the final text with at most one extra
// summarizer call. The bool reports whether the placeholder was used.
func (e *Engine) merge(ctx context.Context, summaries []string, n int) (string, bool) {
	switch len(summaries) {
	case 0:
		return Placeholder(n), true
	case 1:
		return summaries[0], false
	}

	if merged, ok := e.summarizer.Summarize(ctx, strings.Join(summaries, chunkSeparator)); ok {
		return merged, false
	}

	logging.From(ctx).Warn("merge summarization failed, joining chunk summaries", "summaries", len(summaries))
	return strings.Join(summaries, " "), false
}
