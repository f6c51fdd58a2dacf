package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

func row(metrics map[string]float64) reading.Reading {
	return reading.Reading{
		GroupKey:  "S1",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Metrics:   metrics,
	}
}

func TestAcceptable_BoundsInclusive(t *testing.T) {
	rules := DefaultRules()

	require.True(t, rules.Acceptable(row(map[string]float64{"humidity_pct": 0})))
	require.True(t, rules.Acceptable(row(map[string]float64{"humidity_pct": 100})))
	require.False(t, rules.Acceptable(row(map[string]float64{"humidity_pct": 100.01})))
	require.False(t, rules.Acceptable(row(map[string]float64{"temperature_c": 500})))
}

func TestAcceptable_UnknownMetricPasses(t *testing.T) {
	rules := DefaultRules()
	require.True(t, rules.Acceptable(row(map[string]float64{"solar_w_m2": 912.4})))
}

func TestAcceptable_AnyViolationRejects(t *testing.T) {
	rules := DefaultRules()
	ok := row(map[string]float64{"temperature_c": 21, "humidity_pct": 40})
	bad := row(map[string]float64{"temperature_c": 21, "humidity_pct": -3})

	require.True(t, rules.Acceptable(ok))
	require.False(t, rules.Acceptable(bad))
}

func TestMerge_OverridesWin(t *testing.T) {
	rules := DefaultRules().Merge(RuleSet{
		"temperature_c": {Min: -40, Max: 50},
		"noise_db":      {Min: 0, Max: 140},
	})

	require.False(t, rules.Acceptable(row(map[string]float64{"temperature_c": 55})))
	require.True(t, rules.Acceptable(row(map[string]float64{"noise_db": 80})))
	require.False(t, rules.Acceptable(row(map[string]float64{"noise_db": 150})))

	// Merge must not mutate the defaults.
	require.True(t, DefaultRules().Acceptable(row(map[string]float64{"temperature_c": 55})))
}

func TestTag(t *testing.T) {
	rules := DefaultRules()

	require.Equal(t, reading.TagOK, rules.Tag(row(map[string]float64{"temperature_c": 21})))
	require.Equal(t, reading.TagSuspect, rules.Tag(row(map[string]float64{"temperature_c": 500})))

	unparsed := row(map[string]float64{"temperature_c": 21})
	unparsed.Quality = reading.TagUnparsed
	require.Equal(t, reading.TagUnparsed, rules.Tag(unparsed))
}
