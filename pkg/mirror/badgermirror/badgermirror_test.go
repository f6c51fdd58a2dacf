package badgermirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	m, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func obs(group string, ts time.Time, metrics map[string]float64) reading.Reading {
	return reading.Reading{GroupKey: group, Timestamp: ts, Metrics: metrics}
}

func TestBadgerMirror_WriteQueryRoundTrip(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := m.Write(ctx, []reading.Reading{
		obs("S1", ts, map[string]float64{"temperature_c": 21.5}),
		obs("S1", ts.Add(15*time.Minute), map[string]float64{"temperature_c": 21.8}),
		obs("S2", ts, map[string]float64{"temperature_c": 18.0}),
	})
	require.NoError(t, err)

	entries, err := m.Query(ctx, "S1", ts, ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "S1", entries[0].GroupKey)
	require.Equal(t, ts, entries[0].Timestamp)
	require.Equal(t, 21.5, entries[0].Value)
	require.Equal(t, ts.Add(15*time.Minute), entries[1].Timestamp)
}

func TestBadgerMirror_DuplicateWritesIdempotent(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := []reading.Reading{obs("S1", ts, map[string]float64{"temperature_c": 21.5})}

	require.NoError(t, m.Write(ctx, rows))
	require.NoError(t, m.Write(ctx, rows))

	entries, err := m.Query(ctx, "S1", ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestBadgerMirror_TimeRangeFilter(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, m.Write(ctx, []reading.Reading{
		obs("S1", ts, map[string]float64{"temperature_c": 21}),
		obs("S1", ts.Add(time.Hour), map[string]float64{"temperature_c": 22}),
		obs("S1", ts.Add(2*time.Hour), map[string]float64{"temperature_c": 23}),
	}))

	entries, err := m.Query(ctx, "S1", ts.Add(30*time.Minute), ts.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 22.0, entries[0].Value)
}

func TestBadgerMirror_GroupsIsolated(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, m.Write(ctx, []reading.Reading{
		obs("S1", ts, map[string]float64{"temperature_c": 21}),
		obs("S2", ts, map[string]float64{"temperature_c": 99}),
	}))

	entries, err := m.Query(ctx, "S2", ts.Add(-time.Minute), ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 99.0, entries[0].Value)
}
