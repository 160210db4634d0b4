package report

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/adapter"
	"github.com/m-mizutani/memoire/pkg/model"
)

// Row is one user result of a tick as stored in BigQuery
type Row struct {
	TickID          string    `bigquery:"tick_id"`
	StartedAt       time.Time `bigquery:"started_at"`
	UserID          string    `bigquery:"user_id"`
	Status          string    `bigquery:"status"`
	SummaryID       string    `bigquery:"summary_id"`
	MemoryCount     int64     `bigquery:"memory_count"`
	ChunksProcessed int64     `bigquery:"chunks_processed"`
	DroppedChunks   int64     `bigquery:"dropped_chunks"`
	Placeholder     bool      `bigquery:"placeholder"`
	Error           string    `bigquery:"error"`
	DurationMS      int64     `bigquery:"duration_ms"`
}

// Rows flattens a report into one row per user result
func Rows(report *model.TickReport) []*Row {
	rows := make([]*Row, 0, len(report.Results))
	for _, res := range report.Results {
		rows = append(rows, &Row{
			TickID:          string(report.ID),
			StartedAt:       report.StartedAt,
			UserID:          string(res.UserID),
			Status:          string(res.Status),
			SummaryID:       string(res.SummaryID),
			MemoryCount:     int64(res.MemoryCount),
			ChunksProcessed: int64(res.ChunksProcessed),
			DroppedChunks:   int64(res.DroppedChunks),
			Placeholder:     res.Placeholder,
			Error:           res.Error,
			DurationMS:      res.Duration.Milliseconds(),
		})
	}
	return rows
}

// BigQuery streams per user results into a table, creating it on first use
type BigQuery struct {
	client    adapter.BigQuery
	datasetID string
	tableID   string

	once    sync.Once
	initErr error
}

func NewBigQuery(client adapter.BigQuery, datasetID, tableID string) *BigQuery {
	return &BigQuery{
		client:    client,
		datasetID: datasetID,
		tableID:   tableID,
	}
}

func (x *BigQuery) Report(ctx context.Context, report *model.TickReport) error {
	rows := Rows(report)
	if len(rows) == 0 {
		return nil
	}

	x.once.Do(func() {
		x.initErr = x.client.EnsureTable(ctx, x.datasetID, x.tableID, Row{})
	})
	if x.initErr != nil {
		return goerr.Wrap(x.initErr, "failed to prepare report table",
			goerr.V("dataset", x.datasetID), goerr.V("table", x.tableID))
	}

	if err := x.client.Insert(ctx, x.datasetID, x.tableID, rows); err != nil {
		return goerr.Wrap(err, "failed to insert tick report", goerr.V("tick_id", report.ID))
	}
	return nil
}
