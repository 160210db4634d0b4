package consolidate

import (
	"fmt"
	"strings"

	"github.com/m-mizutani/memoire/pkg/model"
)

// DefaultChunkSize is both the eligibility threshold and the chunk size
const DefaultChunkSize = 10

const chunkSeparator = "\n\n"

// Chunk splits items into contiguous groups of at most size items. Only the
// last group may be smaller.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Placeholder is the summary content used when no chunk could be summarized
func Placeholder(n int) string {
	return fmt.Sprintf("Summary of %d memories (automatic summarization failed)", n)
}

func joinContents(memories []*model.Memory) string {
	contents := make([]string, len(memories))
	for i, m := range memories {
		contents[i] = m.Content
	}
	return strings.Join(contents, chunkSeparator)
}

func memoryIDs(memories []*model.Memory) []model.MemoryID {
	ids := make([]model.MemoryID, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	return ids
}

func newSummaryMemory(userID model.UserID, content string, embedding []float32, members []*model.Memory, chunks int) *model.Memory {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = string(m.ID)
	}

	summary := model.NewMemory(userID, content)
	summary.Embedding = embedding
	summary.Metadata = map[string]any{
		model.MetaType:                model.MemoryTypeSummary,
		model.MetaSummarizedMemoryIDs: ids,
		model.MetaCount:               len(members),
		model.MetaChunksProcessed:     chunks,
	}
	return summary
}
