package adapter

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/googleapi"
)

// BigQuery is an interface for streaming rows into BigQuery tables
type BigQuery interface {
	// EnsureTable creates the table with a schema inferred from sample if it does not exist
	EnsureTable(ctx context.Context, datasetID, tableID string, sample any) error

	// Insert streams rows into the table. rows must be a struct, a slice of structs or ValueSaver.
	Insert(ctx context.Context, datasetID, tableID string, rows any) error
}

type bigqueryClient struct {
	client *bigquery.Client
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID string) (BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &bigqueryClient{
		client: client,
	}, nil
}

func (bq *bigqueryClient) EnsureTable(ctx context.Context, datasetID, tableID string, sample any) error {
	tbl := bq.client.Dataset(datasetID).Table(tableID)

	_, err := tbl.Metadata(ctx)
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return goerr.Wrap(err, "failed to get table metadata", goerr.V("dataset", datasetID), goerr.V("table", tableID))
	}

	schema, err := bigquery.InferSchema(sample)
	if err != nil {
		return goerr.Wrap(err, "failed to infer schema", goerr.V("table", tableID))
	}

	if err := tbl.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
		return goerr.Wrap(err, "failed to create table", goerr.V("dataset", datasetID), goerr.V("table", tableID))
	}
	return nil
}

func (bq *bigqueryClient) Insert(ctx context.Context, datasetID, tableID string, rows any) error {
	inserter := bq.client.Dataset(datasetID).Table(tableID).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return goerr.Wrap(err, "failed to insert rows", goerr.V("dataset", datasetID), goerr.V("table", tableID))
	}
	return nil
}
