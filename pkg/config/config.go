// Package config loads the process configuration. It is read once at
// startup and immutable afterwards; every component receives the values it
// needs explicitly instead of consulting shared mutable state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ecotrace/sensorvault/pkg/normalize"
	"github.com/ecotrace/sensorvault/pkg/quality"
)

// Defaults.
const (
	DefaultListen           = ":8080"
	DefaultDataDir          = "./data/sensorvault"
	DefaultMirrorDir        = "./data/sensorvault-mirror"
	DefaultSchedule         = "@every 1h"
	DefaultTolerance        = 5 * time.Minute
	DefaultIntervalWidth    = 15 * time.Minute
	DefaultRequiredFraction = 0.75
	DefaultRetention        = 365 * 24 * time.Hour
	DefaultPassWorkers      = 4
)

// Duration wraps time.Duration so YAML values like "5m" parse directly.
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Source configures one logical data source to consolidate.
type Source struct {
	// Name scopes the canonical dataset (one dataset per source).
	Name string `yaml:"name"`

	// Kind selects the normalizer field map.
	Kind string `yaml:"kind"`

	// InputGlob matches the source's historical/incremental input files,
	// e.g. "inputs/roof-station/*/*.csv".
	InputGlob string `yaml:"input_glob"`
}

// Logger configures zap output.
type Logger struct {
	Mode       string `yaml:"mode"` // "production" or "development"
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// MirrorConfig selects the optional query mirror backend.
type MirrorConfig struct {
	// Backend: "badger" (default), "postgres", or "none".
	Backend string `yaml:"backend"`
	// Dir is the badger database directory.
	Dir string `yaml:"dir"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
	// Table is the postgres mirror table name.
	Table string `yaml:"table"`
}

// Config is the full process configuration.
type Config struct {
	Listen   string   `yaml:"listen"`
	DataDir  string   `yaml:"data_dir"`
	Sources  []Source `yaml:"sources"`
	Schedule string   `yaml:"schedule"`

	// Tolerance is the dedup minimum spacing per group.
	Tolerance Duration `yaml:"tolerance"`

	// IntervalWidth and RequiredFraction drive uptime scoring.
	IntervalWidth    Duration `yaml:"interval_width"`
	RequiredFraction float64  `yaml:"required_fraction"`

	// Retention is the version snapshot age threshold enforced by the
	// daily cleanup pass.
	Retention Duration `yaml:"retention"`

	// PassWorkers bounds how many sources consolidate concurrently.
	PassWorkers int `yaml:"pass_workers"`

	// QualityRules override or extend the built-in plausible ranges.
	QualityRules quality.RuleSet `yaml:"quality_rules"`

	// FieldMaps register additional normalizer kinds or override the
	// built-ins of the same name.
	FieldMaps map[string]normalize.FieldMap `yaml:"field_maps"`

	Mirror MirrorConfig `yaml:"mirror"`
	Logger Logger       `yaml:"logger"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with defaults; Load overlays the file
// on top of it.
func Default() *Config {
	return &Config{
		Listen:           DefaultListen,
		DataDir:          DefaultDataDir,
		Schedule:         DefaultSchedule,
		Tolerance:        Duration(DefaultTolerance),
		IntervalWidth:    Duration(DefaultIntervalWidth),
		RequiredFraction: DefaultRequiredFraction,
		Retention:        Duration(DefaultRetention),
		PassWorkers:      DefaultPassWorkers,
		Mirror:           MirrorConfig{Backend: "badger", Dir: DefaultMirrorDir, Table: "sensor_mirror"},
		Logger:           Logger{Mode: "development"},
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" || src.Kind == "" || src.InputGlob == "" {
			return fmt.Errorf("config: source needs name, kind and input_glob (got %+v)", src)
		}
		if seen[src.Name] {
			return fmt.Errorf("config: duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
		if _, err := normalize.NewNormalizer(src.Kind, c.FieldMaps); err != nil {
			return fmt.Errorf("config: source %q: %v", src.Name, err)
		}
	}
	if c.RequiredFraction <= 0 || c.RequiredFraction > 1 {
		return fmt.Errorf("config: required_fraction must be in (0, 1], got %g", c.RequiredFraction)
	}
	if c.IntervalWidth.Std() <= 0 {
		return fmt.Errorf("config: interval_width must be positive")
	}
	switch c.Mirror.Backend {
	case "", "badger", "postgres", "none":
	default:
		return fmt.Errorf("config: unknown mirror backend %q", c.Mirror.Backend)
	}
	if c.Mirror.Backend == "postgres" && c.Mirror.DSN == "" {
		return fmt.Errorf("config: postgres mirror requires dsn")
	}
	if c.PassWorkers <= 0 {
		return fmt.Errorf("config: pass_workers must be positive")
	}
	return nil
}

// Rules returns the effective quality rule set: built-in defaults merged
// with the configured overrides.
func (c *Config) Rules() quality.RuleSet {
	return quality.DefaultRules().Merge(c.QualityRules)
}
