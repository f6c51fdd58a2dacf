// Package uptime derives per-sensor completeness percentages from canonical
// dataset rows. Reports are recomputable at any time and never a source of
// truth.
package uptime

import (
	"math"
	"time"

	"github.com/ecotrace/sensorvault/pkg/quality"
	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Defaults for the reporting engine.
const (
	DefaultIntervalWidth    = 15 * time.Minute
	DefaultRequiredFraction = 0.75
	// DefaultExpectedPerInterval is how many observations a fully healthy
	// sensor delivers per interval. One by default; sensors reporting more
	// often can be scored with a higher expectation.
	DefaultExpectedPerInterval = 1
)

// Report is the derived completeness result for one group over one window.
type Report struct {
	GroupKey          string    `json:"group_key"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	IntervalWidth     string    `json:"interval_width"`
	CoveredIntervals  int       `json:"covered_intervals"`
	ExpectedIntervals int       `json:"expected_intervals"`
	UptimePercent     float64   `json:"uptime_percent"`
}

// Engine scores dataset rows against fixed-width interval buckets. The
// quality rules are applied as a hard filter: implausible readings count as
// absent data, not bad-but-present data.
type Engine struct {
	rules               quality.RuleSet
	intervalWidth       time.Duration
	requiredFraction    float64
	expectedPerInterval int
}

// Option adjusts engine defaults.
type Option func(*Engine)

// WithIntervalWidth overrides the default 15 minute bucket width.
func WithIntervalWidth(w time.Duration) Option {
	return func(e *Engine) {
		if w > 0 {
			e.intervalWidth = w
		}
	}
}

// WithRequiredFraction overrides the fraction of expected observations an
// interval needs to count as covered.
func WithRequiredFraction(f float64) Option {
	return func(e *Engine) {
		if f > 0 {
			e.requiredFraction = f
		}
	}
}

// WithExpectedPerInterval overrides the expected observation count per
// interval.
func WithExpectedPerInterval(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.expectedPerInterval = n
		}
	}
}

// NewEngine builds an engine over the given quality rules.
func NewEngine(rules quality.RuleSet, opts ...Option) *Engine {
	e := &Engine{
		rules:               rules,
		intervalWidth:       DefaultIntervalWidth,
		requiredFraction:    DefaultRequiredFraction,
		expectedPerInterval: DefaultExpectedPerInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IntervalWidth returns the configured bucket width.
func (e *Engine) IntervalWidth() time.Duration { return e.intervalWidth }

// Compute scores one group's completeness over [windowStart, windowEnd].
//
// Rows in the leading partial interval (before the first bucket boundary
// aligned to the interval width) are discarded so a truncated first bucket
// does not bias the score. The result is always clamped into [0, 100];
// degenerate windows score 0 rather than dividing by zero.
func (e *Engine) Compute(rows []reading.Reading, groupKey string, windowStart, windowEnd time.Time) Report {
	report := Report{
		GroupKey:      groupKey,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		IntervalWidth: e.intervalWidth.String(),
	}

	window := windowEnd.Sub(windowStart)
	if window <= 0 {
		return report
	}
	report.ExpectedIntervals = int(math.Ceil(float64(window) / float64(e.intervalWidth)))
	if report.ExpectedIntervals == 0 {
		return report
	}

	// Window + group filter.
	var inRange []reading.Reading
	for _, r := range rows {
		if r.GroupKey != groupKey || r.Timestamp.IsZero() {
			continue
		}
		if r.Timestamp.Before(windowStart) || r.Timestamp.After(windowEnd) {
			continue
		}
		inRange = append(inRange, r)
	}
	if len(inRange) < 2 {
		return report
	}

	// Discard the leading partial interval, then bucket the acceptable
	// remainder into interval-aligned slots.
	firstBoundary := alignUp(windowStart, e.intervalWidth)
	counts := make(map[int]int)
	for _, r := range inRange {
		if r.Timestamp.Before(firstBoundary) {
			continue
		}
		if !e.rules.Acceptable(r) {
			continue
		}
		bucket := int(r.Timestamp.Sub(firstBoundary) / e.intervalWidth)
		counts[bucket]++
	}

	required := int(math.Ceil(e.requiredFraction * float64(e.expectedPerInterval)))
	if required < 1 {
		required = 1
	}
	for _, n := range counts {
		if n >= required {
			report.CoveredIntervals++
		}
	}

	pct := 100 * float64(report.CoveredIntervals) / float64(report.ExpectedIntervals)
	report.UptimePercent = clamp(pct, 0, 100)
	return report
}

// alignUp rounds t up to the next multiple of width since the Unix epoch.
// A t already on a boundary is returned unchanged.
func alignUp(t time.Time, width time.Duration) time.Time {
	truncated := t.Truncate(width)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(width)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
