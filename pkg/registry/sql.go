package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

// DefaultMachinesTable holds one row per registered machine.
const DefaultMachinesTable = "machines"

// DefaultActiveColumn is the boolean column marking machines in service.
const DefaultActiveColumn = "is_active"

// SQLRegistry reads devices from a relational machines table.
type SQLRegistry struct {
	db     *sql.DB
	query  string
	logger zerolog.Logger
}

// NewSQLRegistry reads from table, keeping only rows whose activeColumn is
// true. An empty activeColumn returns every row.
func NewSQLRegistry(db *sql.DB, table, activeColumn string, logger zerolog.Logger) *SQLRegistry {
	if table == "" {
		table = DefaultMachinesTable
	}
	query := fmt.Sprintf("SELECT id_mesin, COALESCE(manufacture, ''), COALESCE(nama_dinas, '') FROM %s", table)
	if activeColumn != "" {
		query += fmt.Sprintf(" WHERE %s IS TRUE", activeColumn)
	}
	return &SQLRegistry{
		db:     db,
		query:  query,
		logger: logger.With().Str("component", "SQLRegistry").Logger(),
	}
}

func (r *SQLRegistry) Devices(ctx context.Context) ([]types.Device, error) {
	rows, err := r.db.QueryContext(ctx, r.query)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()

	var devices []types.Device
	for rows.Next() {
		var id, manufacture, org string
		if err := rows.Scan(&id, &manufacture, &org); err != nil {
			return nil, fmt.Errorf("scan machine row: %w", err)
		}
		devices = append(devices, types.Device{
			ID:           id,
			Manufacturer: types.ParseManufacturer(manufacture),
			Organization: org,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate machines: %w", err)
	}

	devices = Dedupe(devices)
	r.logger.Debug().Int("devices", len(devices)).Msg("Loaded devices from database")
	return devices, nil
}
