package report

import (
	"context"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/adapter"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
)

// Storage archives every tick report as a JSON object
type Storage struct {
	storage adapter.Storage
}

func NewStorage(storage adapter.Storage) *Storage {
	return &Storage{storage: storage}
}

// Key returns the object key of a report: reports/<YYYY-MM-DD>/<tick id>.json
func Key(report *model.TickReport) string {
	return "reports/" + report.StartedAt.UTC().Format("2006-01-02") + "/" + string(report.ID) + ".json"
}

func (x *Storage) Report(ctx context.Context, report *model.TickReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal tick report", goerr.V("tick_id", report.ID))
	}

	key := Key(report)
	if err := x.storage.Write(ctx, key, data, "application/json"); err != nil {
		return goerr.Wrap(err, "failed to archive tick report", goerr.V("tick_id", report.ID))
	}

	logging.From(ctx).Debug("tick report archived", "key", key)
	return nil
}

// Load reads an archived report back
func (x *Storage) Load(ctx context.Context, key string) (*model.TickReport, error) {
	data, err := x.storage.Read(ctx, key)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read tick report", goerr.V("key", key))
	}

	var report model.TickReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal tick report", goerr.V("key", key))
	}
	return &report, nil
}
