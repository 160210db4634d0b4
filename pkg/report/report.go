// Package report delivers consolidation tick reports to log, Cloud Storage
// and BigQuery sinks.
package report

import (
	"context"

	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
)

// Log writes a one line digest of each tick plus a line per failed user
type Log struct{}

func NewLog() *Log {
	return &Log{}
}

func (x *Log) Report(ctx context.Context, report *model.TickReport) error {
	logger := logging.From(ctx)

	for _, res := range report.Results {
		if res.Status != model.UserResultFailed {
			continue
		}
		logger.Warn("consolidation failed for user",
			"tick_id", report.ID,
			"user_id", res.UserID,
			"error", res.Error,
		)
	}

	logger.Info("consolidation tick finished",
		"tick_id", report.ID,
		"eligible", report.EligibleUsers,
		"summarized", report.Count(model.UserResultSummarized),
		"skipped", report.Count(model.UserResultSkipped),
		"race", report.Count(model.UserResultRace),
		"failed", report.Count(model.UserResultFailed),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return nil
}
