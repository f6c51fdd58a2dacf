package mirror

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

func TestExplode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := []reading.Reading{
		{
			GroupKey:  "S1",
			Timestamp: ts,
			Metrics:   map[string]float64{"temperature_c": 21.5, "humidity_pct": 40},
		},
		// No usable timestamp: canonical-file only, never mirrored.
		{GroupKey: "S1", Metrics: map[string]float64{"temperature_c": 20}},
	}

	entries := Explode(rows)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, "S1", e.GroupKey)
		require.Equal(t, ts, e.Timestamp)
	}
}
