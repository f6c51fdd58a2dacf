package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

func TestPostgresMirror_Write(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := NewWithDB(db, "sensor_mirror")
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO sensor_mirror (group_key, ts, metric_name, value) VALUES ($1,$2,$3,$4) ON CONFLICT (group_key, ts, metric_name) DO NOTHING",
	)).
		WithArgs("S1", ts, "temperature_c", 21.5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = m.Write(context.Background(), []reading.Reading{
		{GroupKey: "S1", Timestamp: ts, Metrics: map[string]float64{"temperature_c": 21.5}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMirror_WriteBatchesMultipleValues(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := NewWithDB(db, "sensor_mirror")
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Two entries land in a single multi-VALUES statement.
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1,$2,$3,$4),($5,$6,$7,$8)")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err = m.Write(context.Background(), []reading.Reading{
		{GroupKey: "S1", Timestamp: ts, Metrics: map[string]float64{"temperature_c": 21.5}},
		{GroupKey: "S2", Timestamp: ts, Metrics: map[string]float64{"temperature_c": 18.0}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMirror_WriteChunksLargePasses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := NewWithDB(db, "sensor_mirror")
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// 2001 entries must split into a full 2000-row statement (8000 bind
	// parameters) plus a single-row remainder, staying clear of the
	// 65535-parameter statement cap.
	mock.ExpectExec(regexp.QuoteMeta("($7997,$7998,$7999,$8000) ON CONFLICT")).
		WillReturnResult(sqlmock.NewResult(0, 2000))
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1,$2,$3,$4) ON CONFLICT")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := make([]reading.Reading, 2001)
	for i := range rows {
		rows[i] = reading.Reading{
			GroupKey:  "S1",
			Timestamp: ts.Add(time.Duration(i) * time.Minute),
			Metrics:   map[string]float64{"temperature_c": 20.0},
		}
	}
	require.NoError(t, m.Write(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMirror_WriteSkipsEmptyAndUnstamped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := NewWithDB(db, "sensor_mirror")

	// Zero-timestamp rows never reach the mirror; no SQL is issued.
	err = m.Write(context.Background(), []reading.Reading{
		{GroupKey: "S1", Metrics: map[string]float64{"temperature_c": 21.5}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMirror_Query(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := NewWithDB(db, "sensor_mirror")
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"group_key", "ts", "metric_name", "value"}).
		AddRow("S1", ts, "temperature_c", 21.5).
		AddRow("S1", ts.Add(15*time.Minute), "temperature_c", 21.8)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT group_key, ts, metric_name, value FROM sensor_mirror")).
		WithArgs("S1", ts, ts.Add(time.Hour)).
		WillReturnRows(rows)

	entries, err := m.Query(context.Background(), "S1", ts, ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "temperature_c", entries[0].Metric)
	require.Equal(t, 21.5, entries[0].Value)
	require.Equal(t, ts.Add(15*time.Minute), entries[1].Timestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}
