package reading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContentHash_IgnoresProvenanceAndQuality(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Reading{
		GroupKey:  "S1",
		Timestamp: ts,
		Metrics:   map[string]float64{"temperature_c": 21.5, "humidity_pct": 40},
		Source:    "pull-2026-03-01.csv",
		Quality:   TagOK,
	}
	b := a
	b.Source = "pull-2026-03-02.csv"
	b.Quality = TagSuspect

	require.Equal(t, a.ContentHash(), b.ContentHash(),
		"re-pulls of the same observation must hash identically")
}

func TestContentHash_SensitiveToIdentity(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	base := Reading{GroupKey: "S1", Timestamp: ts, Metrics: map[string]float64{"temperature_c": 21.5}}

	otherGroup := base
	otherGroup.GroupKey = "S2"
	require.NotEqual(t, base.ContentHash(), otherGroup.ContentHash())

	otherTime := base
	otherTime.Timestamp = ts.Add(time.Second)
	require.NotEqual(t, base.ContentHash(), otherTime.ContentHash())

	otherValue := base
	otherValue.Metrics = map[string]float64{"temperature_c": 21.6}
	require.NotEqual(t, base.ContentHash(), otherValue.ContentHash())
}

func TestSortChronological(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := []Reading{
		{GroupKey: "B", Timestamp: ts.Add(2 * time.Minute)},
		{GroupKey: "A", Timestamp: ts},
		{GroupKey: "C"}, // zero timestamp sorts first
		{GroupKey: "A", Timestamp: ts.Add(time.Minute)},
	}
	SortChronological(rows)

	require.Equal(t, "C", rows[0].GroupKey)
	require.Equal(t, ts, rows[1].Timestamp)
	require.Equal(t, ts.Add(time.Minute), rows[2].Timestamp)
	require.Equal(t, ts.Add(2*time.Minute), rows[3].Timestamp)
}

func TestGroupBy(t *testing.T) {
	rows := []Reading{
		{GroupKey: "A"}, {GroupKey: "B"}, {GroupKey: "A"},
	}
	groups := GroupBy(rows)
	require.Len(t, groups, 2)
	require.Len(t, groups["A"], 2)
	require.Len(t, groups["B"], 1)
}
