package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecotrace/sensorvault/pkg/normalize"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sensorvault.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithMinimalFile(t *testing.T) {
	path := writeConfig(t, `
sources:
  - name: city-weather
    kind: weather
    input_glob: "inputs/city-weather/*.csv"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, DefaultListen, cfg.Listen)
	require.Equal(t, DefaultTolerance, cfg.Tolerance.Std())
	require.Equal(t, DefaultIntervalWidth, cfg.IntervalWidth.Std())
	require.Equal(t, DefaultRequiredFraction, cfg.RequiredFraction)
	require.Equal(t, DefaultPassWorkers, cfg.PassWorkers)
	require.Equal(t, "badger", cfg.Mirror.Backend)
	require.Len(t, cfg.Sources, 1)
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
tolerance: 2m
interval_width: 30m
required_fraction: 0.5
schedule: "@every 15m"
sources:
  - name: city-weather
    kind: weather
    input_glob: "inputs/city-weather/*.csv"
  - name: downtown-air
    kind: airquality
    input_glob: "inputs/downtown-air/*.csv"
mirror:
  backend: postgres
  dsn: "host=localhost dbname=sensors sslmode=disable"
quality_rules:
  temperature_c:
    min: -40
    max: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, 2*time.Minute, cfg.Tolerance.Std())
	require.Equal(t, 30*time.Minute, cfg.IntervalWidth.Std())
	require.Equal(t, 0.5, cfg.RequiredFraction)
	require.Equal(t, "postgres", cfg.Mirror.Backend)
	require.Len(t, cfg.Sources, 2)

	rules := cfg.Rules()
	require.Equal(t, 50.0, rules["temperature_c"].Max)
	// Untouched defaults survive the merge.
	require.Equal(t, 100.0, rules["humidity_pct"].Max)
}

func TestLoad_FieldMaps(t *testing.T) {
	path := writeConfig(t, `
sources:
  - name: rooftop
    kind: rooftop-station
    input_glob: "inputs/rooftop/*.csv"
field_maps:
  rooftop-station:
    group_key: [unit]
    timestamp: [logged_at]
    metrics:
      temperature_c:
        - field: celsius
        - field: fahrenheit
          scale: 0.5555555555555556
          offset: -17.77777777777778
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	fm, ok := cfg.FieldMaps["rooftop-station"]
	require.True(t, ok)
	require.Equal(t, []string{"unit"}, fm.GroupKey)
	require.Equal(t, []string{"logged_at"}, fm.Timestamp)
	require.Len(t, fm.Metrics["temperature_c"], 2)
	require.Equal(t, "celsius", fm.Metrics["temperature_c"][0].Field)
}

func TestValidate_UnknownSourceKind(t *testing.T) {
	cfg := Default()
	cfg.Sources = []Source{{Name: "s", Kind: "sonar", InputGlob: "*.csv"}}
	require.Error(t, cfg.Validate())

	// The same kind passes once a field map registers it.
	cfg.FieldMaps = map[string]normalize.FieldMap{
		"sonar": {GroupKey: []string{"id"}, Timestamp: []string{"ts"}},
	}
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
tolerance: "five minutes"
sources:
  - name: s
    kind: weather
    input_glob: "*.csv"
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid duration")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Sources = []Source{{Name: "s", Kind: "weather", InputGlob: "*.csv"}}
		return cfg
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Sources = nil
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Sources = append(cfg.Sources, Source{Name: "s", Kind: "weather", InputGlob: "*.csv"})
	require.Error(t, cfg.Validate(), "duplicate source names rejected")

	cfg = base()
	cfg.Sources[0].InputGlob = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.RequiredFraction = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.RequiredFraction = 1.5
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Mirror.Backend = "redis"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Mirror.Backend = "postgres"
	cfg.Mirror.DSN = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.PassWorkers = 0
	require.Error(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}
