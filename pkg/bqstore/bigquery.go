// Package bqstore streams canonical readings into a BigQuery table.
package bqstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/illmade-knight/machine-telemetry/pkg/flusher"
	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// Config holds configuration for the BigQuery sink.
type Config struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: ADC is used when empty
}

// NewClient creates a BigQuery client, honouring an explicit credentials file.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...option.ClientOption) (*bigquery.Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("bigquery project id is required")
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client")
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// ReadingsSchema is the table layout used when the sink has to create its table.
func ReadingsSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "id_mesin", Type: bigquery.StringFieldType, Required: true},
		{Name: "waktu_mesin", Type: bigquery.TimestampFieldType},
		{Name: "oxygen_purity", Type: bigquery.NumericFieldType},
		{Name: "o2_tank", Type: bigquery.NumericFieldType},
		{Name: "flow_meter", Type: bigquery.NumericFieldType},
		{Name: "flow_meter2", Type: bigquery.NumericFieldType},
		{Name: "total_flow", Type: bigquery.NumericFieldType},
		{Name: "running_time", Type: bigquery.NumericFieldType},
		{Name: "nama_dinas", Type: bigquery.StringFieldType},
		{Name: "created_at", Type: bigquery.TimestampFieldType, Required: true},
	}
}

// Inserter writes readings with the streaming insert API. BigQuery does not
// echo row identifiers, so acks are never Returning.
type Inserter struct {
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

var _ flusher.ReadingInserter = (*Inserter)(nil)

// NewInserter binds to the configured table, creating it partitioned by
// ingestion day when it does not exist yet.
func NewInserter(ctx context.Context, client *bigquery.Client, cfg Config, logger zerolog.Logger) (*Inserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg.DatasetID == "" || cfg.TableID == "" {
		return nil, errors.New("DatasetID and TableID must be provided")
	}
	logger = logger.With().Str("component", "BigQueryInserter").Str("dataset", cfg.DatasetID).Str("table", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	meta, err := table.Metadata(ctx)
	switch {
	case isNotFound(err):
		logger.Warn().Msg("BigQuery table not found, creating it.")
		md := &bigquery.TableMetadata{
			Schema: ReadingsSchema(),
			TimePartitioning: &bigquery.TimePartitioning{
				Type:  bigquery.DayPartitioningType,
				Field: "created_at",
			},
		}
		if err := table.Create(ctx, md); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to get BigQuery table metadata for %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
	default:
		logger.Info().Int("schema_length", len(meta.Schema)).Msg("BigQuery table metadata loaded.")
	}

	return &Inserter{table: table, inserter: table.Inserter(), logger: logger}, nil
}

// InsertReadings streams one chunk. A partial failure fails the whole chunk.
func (i *Inserter) InsertReadings(ctx context.Context, rows []types.CanonicalReading) (flusher.InsertAck, error) {
	if len(rows) == 0 {
		return flusher.InsertAck{}, nil
	}
	savers := make([]bigquery.ValueSaver, len(rows))
	for idx := range rows {
		savers[idx] = readingRow(rows[idx])
	}

	if err := i.inserter.Put(ctx, savers); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return flusher.InsertAck{}, fmt.Errorf("bigquery Inserter.Put: %w", err)
	}
	return flusher.InsertAck{}, nil
}

// Close is a no-op as the client lifecycle is managed externally.
func (i *Inserter) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// readingRow adapts a CanonicalReading to the ValueSaver interface.
type readingRow types.CanonicalReading

func (r readingRow) Save() (map[string]bigquery.Value, string, error) {
	row := map[string]bigquery.Value{
		"id_mesin":      r.DeviceID,
		"oxygen_purity": numeric(r.OxygenPurity),
		"o2_tank":       numeric(r.O2Tank),
		"flow_meter":    numeric(r.FlowMeter),
		"flow_meter2":   numeric(r.FlowMeter2),
		"total_flow":    numeric(r.TotalFlow),
		"running_time":  numeric(r.RunningTime),
		"created_at":    r.IngestedAt,
	}
	if !r.DeviceTime.IsZero() {
		row["waktu_mesin"] = r.DeviceTime
	} else {
		row["waktu_mesin"] = nil
	}
	if r.Organization != nil {
		row["nama_dinas"] = *r.Organization
	} else {
		row["nama_dinas"] = nil
	}
	// One row per device per flush window is expected, which makes this a
	// usable best-effort dedup key for retried requests.
	insertID := fmt.Sprintf("%s-%d", r.DeviceID, r.IngestedAt.UnixNano())
	return row, insertID, nil
}

// numeric renders a fixed-2 value as a NUMERIC literal.
func numeric(d decimal.NullDecimal) bigquery.Value {
	if !d.Valid {
		return nil
	}
	return d.Decimal.StringFixed(2)
}
