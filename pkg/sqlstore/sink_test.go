package sqlstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/machine-telemetry/pkg/types"
)

const insertPrefix = "INSERT INTO mqtt_datas (id_mesin, waktu_mesin, oxygen_purity, o2_tank, flow_meter, flow_meter2, total_flow, running_time, nama_dinas, created_at) VALUES "

func testReadings() []types.CanonicalReading {
	org := "Dinas Kesehatan"
	ingested := time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC)
	return []types.CanonicalReading{
		{
			DeviceID:     "2618034",
			DeviceTime:   time.Date(2025, 5, 1, 8, 29, 0, 0, time.UTC),
			OxygenPurity: types.Fixed2(93.5),
			O2Tank:       types.Fixed2(40),
			Organization: &org,
			IngestedAt:   ingested,
		},
		{
			DeviceID:   "X-9",
			IngestedAt: ingested,
		},
	}
}

func TestReadingSink_ReturningInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewReadingSink(db, "", true, zerolog.Nop())
	rows := testReadings()

	expectedQuery := regexp.QuoteMeta(insertPrefix +
		"($1,$2,$3,$4,$5,$6,$7,$8,$9,$10),($11,$12,$13,$14,$15,$16,$17,$18,$19,$20) RETURNING id_mesin")
	mock.ExpectQuery(expectedQuery).
		WithArgs(
			"2618034", rows[0].DeviceTime, types.Fixed2(93.5), types.Fixed2(40), nil, nil, nil, nil, "Dinas Kesehatan", rows[0].IngestedAt,
			"X-9", nil, nil, nil, nil, nil, nil, nil, nil, rows[1].IngestedAt,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id_mesin"}).AddRow("2618034").AddRow("X-9"))

	ack, err := sink.InsertReadings(context.Background(), rows)
	require.NoError(t, err)
	assert.True(t, ack.Returning)
	assert.Equal(t, []string{"2618034", "X-9"}, ack.DeviceIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingSink_ReturningNothingWritten(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewReadingSink(db, "", true, zerolog.Nop())
	mock.ExpectQuery(regexp.QuoteMeta(insertPrefix)).
		WillReturnRows(sqlmock.NewRows([]string{"id_mesin"}))

	ack, err := sink.InsertReadings(context.Background(), testReadings())
	require.NoError(t, err)
	assert.True(t, ack.Returning)
	assert.Empty(t, ack.DeviceIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingSink_ExecInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewReadingSink(db, "readings_copy", false, zerolog.Nop())
	mock.ExpectExec(`^INSERT INTO readings_copy \(.+\) VALUES \(.+\),\(.+\)$`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	ack, err := sink.InsertReadings(context.Background(), testReadings())
	require.NoError(t, err)
	assert.False(t, ack.Returning)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingSink_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewReadingSink(db, "", true, zerolog.Nop())
	mock.ExpectQuery(regexp.QuoteMeta(insertPrefix)).WillReturnError(errors.New("permission denied for table mqtt_datas"))

	_, err = sink.InsertReadings(context.Background(), testReadings())
	assert.ErrorContains(t, err, "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingSink_EmptyChunk(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewReadingSink(db, "", false, zerolog.Nop())
	_, err = sink.InsertReadings(context.Background(), nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
