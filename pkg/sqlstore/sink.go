// Package sqlstore writes canonical readings to a Postgres-compatible table.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/flusher"
	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// DefaultReadingsTable is the destination table for readings.
const DefaultReadingsTable = "mqtt_datas"

var readingColumns = []string{
	"id_mesin", "waktu_mesin", "oxygen_purity", "o2_tank", "flow_meter",
	"flow_meter2", "total_flow", "running_time", "nama_dinas", "created_at",
}

// Open opens a pooled connection through the pgx driver and verifies it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// ReadingSink is a multi-row INSERT sink. With Returning set, the statement
// carries RETURNING id_mesin so the ack reflects rows the server really wrote.
type ReadingSink struct {
	db        *sql.DB
	table     string
	returning bool
	logger    zerolog.Logger
}

var _ flusher.ReadingInserter = (*ReadingSink)(nil)

func NewReadingSink(db *sql.DB, table string, returning bool, logger zerolog.Logger) *ReadingSink {
	if table == "" {
		table = DefaultReadingsTable
	}
	return &ReadingSink{
		db:        db,
		table:     table,
		returning: returning,
		logger:    logger.With().Str("component", "ReadingSink").Str("table", table).Logger(),
	}
}

// InsertReadings writes one chunk as a single statement.
func (s *ReadingSink) InsertReadings(ctx context.Context, rows []types.CanonicalReading) (flusher.InsertAck, error) {
	if len(rows) == 0 {
		return flusher.InsertAck{Returning: s.returning}, nil
	}
	query, args := s.buildInsert(rows)

	if !s.returning {
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return flusher.InsertAck{}, fmt.Errorf("insert readings: %w", err)
		}
		return flusher.InsertAck{}, nil
	}

	result, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return flusher.InsertAck{}, fmt.Errorf("insert readings: %w", err)
	}
	defer result.Close()

	ack := flusher.InsertAck{Returning: true, DeviceIDs: make([]string, 0, len(rows))}
	for result.Next() {
		var id string
		if err := result.Scan(&id); err != nil {
			return flusher.InsertAck{}, fmt.Errorf("scan returned id: %w", err)
		}
		ack.DeviceIDs = append(ack.DeviceIDs, id)
	}
	if err := result.Err(); err != nil {
		return flusher.InsertAck{}, fmt.Errorf("read returned ids: %w", err)
	}
	if len(ack.DeviceIDs) != len(rows) {
		s.logger.Warn().Int("rows", len(rows)).Int("returned", len(ack.DeviceIDs)).Msg("Returned row count differs from chunk size")
	}
	return ack, nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (s *ReadingSink) Close() error {
	return nil
}

func (s *ReadingSink) buildInsert(rows []types.CanonicalReading) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	b.WriteString(" (")
	b.WriteString(strings.Join(readingColumns, ", "))
	b.WriteString(") VALUES ")

	n := len(readingColumns)
	args := make([]any, 0, len(rows)*n)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 0; c < n; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c+1)
		}
		b.WriteString(")")

		var deviceTime any
		if !r.DeviceTime.IsZero() {
			deviceTime = r.DeviceTime
		}
		args = append(args,
			r.DeviceID,
			deviceTime,
			r.OxygenPurity,
			r.O2Tank,
			r.FlowMeter,
			r.FlowMeter2,
			r.TotalFlow,
			r.RunningTime,
			r.Organization,
			r.IngestedAt,
		)
	}
	if s.returning {
		b.WriteString(" RETURNING id_mesin")
	}
	return b.String(), args
}
