package repository

import (
	"math"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
)

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	// rounding can push identical vectors slightly past 1
	return max(-1, min(1, dot/(math.Sqrt(normA)*math.Sqrt(normB))))
}

// CosineDistance returns 1 - cosine similarity. Vectors must have the same length.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, goerr.Wrap(model.ErrDimensionMismatch, "vectors have different lengths",
			goerr.V("left", len(a)), goerr.V("right", len(b)))
	}
	return 1 - cosineSimilarity(a, b), nil
}

func checkDimensions(vec []float32, dimensions int) error {
	if len(vec) == 0 {
		return goerr.Wrap(model.ErrInvalidMemory, "embedding is missing")
	}
	if dimensions > 0 && len(vec) != dimensions {
		return goerr.Wrap(model.ErrDimensionMismatch, "embedding has unexpected dimensions",
			goerr.V("expected", dimensions), goerr.V("actual", len(vec)))
	}
	return nil
}

func uniqueIDs(ids []model.MemoryID) []model.MemoryID {
	seen := make(map[model.MemoryID]struct{}, len(ids))
	out := make([]model.MemoryID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func checkSummaryTarget(ids []model.MemoryID, summaryID model.MemoryID) error {
	if summaryID == "" {
		return goerr.Wrap(model.ErrInvalidMemory, "summary id is empty")
	}
	for _, id := range ids {
		if id == summaryID {
			return goerr.Wrap(model.ErrSummaryCycle, "summary cannot summarize itself", goerr.V("summary_id", summaryID))
		}
	}
	return nil
}
