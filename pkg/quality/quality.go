// Package quality classifies readings against per-metric plausible ranges.
package quality

import (
	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Rule is an inclusive plausible range for one metric.
type Rule struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies inside the rule's inclusive range.
func (r Rule) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// RuleSet maps canonical metric names to their plausibility rules. Metrics
// without a registered rule are ignored when filtering.
type RuleSet map[string]Rule

// DefaultRules covers the metrics the built-in source kinds produce.
// Bounds are physical-plausibility limits, not alert thresholds.
func DefaultRules() RuleSet {
	return RuleSet{
		"temperature_c": {Min: -90, Max: 60},
		"humidity_pct":  {Min: 0, Max: 100},
		"pressure_hpa":  {Min: 850, Max: 1100},
		"pm2_5":         {Min: 0, Max: 1500},
		"pm10":          {Min: 0, Max: 2000},
		"co2_ppm":       {Min: 0, Max: 10000},
		"battery_pct":   {Min: 0, Max: 100},
	}
}

// Merge returns a copy of the rule set with overrides applied on top.
// An override for an existing metric replaces it; new metrics are added.
func (rs RuleSet) Merge(overrides RuleSet) RuleSet {
	merged := make(RuleSet, len(rs)+len(overrides))
	for name, rule := range rs {
		merged[name] = rule
	}
	for name, rule := range overrides {
		merged[name] = rule
	}
	return merged
}

// Acceptable reports whether every rated metric the reading carries is
// inside its plausible range. Pure: the reading is never mutated.
func (rs RuleSet) Acceptable(r reading.Reading) bool {
	for name, value := range r.Metrics {
		rule, rated := rs[name]
		if !rated {
			continue
		}
		if !rule.Contains(value) {
			return false
		}
	}
	return true
}

// Tag returns the quality tag Acceptable implies for a reading, preserving
// an existing unparsed-timestamp flag.
func (rs RuleSet) Tag(r reading.Reading) reading.QualityTag {
	if r.Quality == reading.TagUnparsed {
		return reading.TagUnparsed
	}
	if rs.Acceptable(r) {
		return reading.TagOK
	}
	return reading.TagSuspect
}
