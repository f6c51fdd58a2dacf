// Package normalize maps heterogeneous per-source records onto the canonical
// row schema. A Normalizer is constructed once per source kind with a
// resolved field map; normalization itself is pure and stateless.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Taxonomy sentinels. Wrapped errors satisfy errors.Is against these.
var (
	// ErrUnparseableTimestamp is returned when a raw row carries no
	// recognized timestamp field at all.
	ErrUnparseableTimestamp = errors.New("no recognized timestamp field")

	// ErrMissingGroupKey is returned when none of the kind's candidate
	// identifier fields is present and non-empty.
	ErrMissingGroupKey = errors.New("no recognized group key field")

	// ErrUnknownKind is returned by NewNormalizer for an unregistered
	// source kind.
	ErrUnknownKind = errors.New("unknown source kind")
)

// RawRow is one field-keyed input record as decoded from a source batch.
type RawRow map[string]string

// AmbiguousFieldError records two source fields mapping to the same
// canonical metric with different values. The conflict is resolved by
// keeping the first non-empty value; the error is surfaced for audit
// logging, not to reject the row.
type AmbiguousFieldError struct {
	Metric       string
	KeptField    string
	KeptValue    float64
	DroppedField string
	DroppedValue float64
}

func (e *AmbiguousFieldError) Error() string {
	return fmt.Sprintf("ambiguous field for metric %q: kept %s=%g, dropped %s=%g",
		e.Metric, e.KeptField, e.KeptValue, e.DroppedField, e.DroppedValue)
}

// Alias names one source field feeding a canonical metric, with an optional
// linear unit conversion (canonical = raw*Scale + Offset). An alias with
// neither scale nor offset set is treated as the identity mapping.
type Alias struct {
	Field  string  `yaml:"field"`
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

func plain(field string) Alias { return Alias{Field: field, Scale: 1} }

// FieldMap declares how one source kind's fields resolve to the canonical
// schema. Candidate lists are ordered: the first present non-empty field
// wins.
type FieldMap struct {
	// GroupKey lists candidate identifier fields. Only the first match
	// becomes the group key; remaining identifiers are preserved in Extra.
	GroupKey []string `yaml:"group_key"`

	// Timestamp lists candidate timestamp fields.
	Timestamp []string `yaml:"timestamp"`

	// Metrics maps canonical metric names to ordered source aliases.
	Metrics map[string][]Alias `yaml:"metrics"`
}

// builtinKinds is the registry of source kinds the collectors produce today.
// Config may register additional kinds or override these at load time.
var builtinKinds = map[string]FieldMap{
	"weather": {
		GroupKey:  []string{"station_id", "station", "device_id", "name"},
		Timestamp: []string{"timestamp", "observed_at", "time", "datetime"},
		Metrics: map[string][]Alias{
			"temperature_c": {
				plain("temperature_c"), plain("temperature"), plain("temp_c"),
				// Fahrenheit feeds convert on the way in.
				{Field: "temperature_f", Scale: 5.0 / 9.0, Offset: -160.0 / 9.0},
				{Field: "temp_f", Scale: 5.0 / 9.0, Offset: -160.0 / 9.0},
			},
			"humidity_pct": {plain("humidity_pct"), plain("humidity"), plain("rh")},
			"pressure_hpa": {
				plain("pressure_hpa"), plain("pressure"),
				// Kilopascal feeds.
				{Field: "pressure_kpa", Scale: 10},
			},
		},
	},
	"airquality": {
		GroupKey:  []string{"sensor_id", "device_id", "id", "name"},
		Timestamp: []string{"timestamp", "time", "ts", "sampled_at"},
		Metrics: map[string][]Alias{
			"pm2_5":         {plain("pm2_5"), plain("pm25"), plain("pm_2_5")},
			"pm10":          {plain("pm10"), plain("pm_10")},
			"co2_ppm":       {plain("co2_ppm"), plain("co2")},
			"temperature_c": {plain("temperature_c"), plain("temperature"), plain("temp")},
			"humidity_pct":  {plain("humidity_pct"), plain("humidity")},
			"battery_pct":   {plain("battery_pct"), plain("battery")},
		},
	},
	// generic accepts the common field spellings across vendors; useful for
	// one-off sources that don't warrant a dedicated kind.
	"generic": {
		GroupKey:  []string{"group_key", "sensor_id", "device_id", "station_id", "id", "name"},
		Timestamp: []string{"timestamp", "time", "ts", "datetime", "date"},
		Metrics: map[string][]Alias{
			"temperature_c": {plain("temperature_c"), plain("temperature"), plain("temp")},
			"humidity_pct":  {plain("humidity_pct"), plain("humidity"), plain("rh")},
			"pressure_hpa":  {plain("pressure_hpa"), plain("pressure")},
			"pm2_5":         {plain("pm2_5"), plain("pm25")},
			"pm10":          {plain("pm10")},
			"co2_ppm":       {plain("co2_ppm"), plain("co2")},
			"battery_pct":   {plain("battery_pct"), plain("battery")},
		},
	},
}

// Kinds returns the registered source kind names.
func Kinds() []string {
	kinds := make([]string, 0, len(builtinKinds))
	for k := range builtinKinds {
		kinds = append(kinds, k)
	}
	return kinds
}

// Result is the per-row outcome of normalization. Exactly one of Row/Err is
// meaningful; Conflicts carries resolved field ambiguities for audit.
type Result struct {
	Row       reading.Reading
	Err       error
	Conflicts []*AmbiguousFieldError
}

// Accepted reports whether the row normalized successfully.
func (r Result) Accepted() bool { return r.Err == nil }

// Normalizer maps raw rows of one source kind onto canonical readings.
// The field map is resolved once at construction and immutable thereafter.
type Normalizer struct {
	kind     string
	fieldMap FieldMap
}

// NewNormalizer resolves the field map for a source kind. Extra maps beyond
// the built-ins (e.g. from configuration) may be supplied and take
// precedence over built-in kinds of the same name.
func NewNormalizer(kind string, extra map[string]FieldMap) (*Normalizer, error) {
	if fm, ok := extra[kind]; ok {
		return &Normalizer{kind: kind, fieldMap: withIdentityDefaults(fm)}, nil
	}
	fm, ok := builtinKinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return &Normalizer{kind: kind, fieldMap: fm}, nil
}

// withIdentityDefaults fills in Scale 1 for aliases that set neither scale
// nor offset, so hand-written field maps from config don't need scale: 1 on
// every line.
func withIdentityDefaults(fm FieldMap) FieldMap {
	for metric, aliases := range fm.Metrics {
		for i, a := range aliases {
			if a.Scale == 0 && a.Offset == 0 {
				aliases[i].Scale = 1
			}
		}
		fm.Metrics[metric] = aliases
	}
	return fm
}

// Kind returns the source kind this normalizer was built for.
func (n *Normalizer) Kind() string { return n.kind }

// Normalize maps one raw row onto the canonical schema. The source argument
// records provenance (input batch or file id).
//
// Failure modes: a missing timestamp field or group key rejects the row. A
// present-but-unparseable timestamp does not: the row is kept with a zero
// timestamp and the unparsed quality tag so it can be routed to manual
// review instead of being silently dropped.
func (n *Normalizer) Normalize(raw RawRow, source string) Result {
	groupKey, keyField := firstNonEmpty(raw, n.fieldMap.GroupKey)
	if groupKey == "" {
		return Result{Err: fmt.Errorf("%w (kind %q)", ErrMissingGroupKey, n.kind)}
	}

	tsValue, tsField := firstNonEmpty(raw, n.fieldMap.Timestamp)
	if tsField == "" {
		return Result{Err: fmt.Errorf("%w (kind %q)", ErrUnparseableTimestamp, n.kind)}
	}

	row := reading.Reading{
		GroupKey: groupKey,
		Metrics:  make(map[string]float64),
		Source:   source,
		Quality:  reading.TagOK,
	}

	ts, err := dateparse.ParseAny(tsValue)
	if err != nil {
		row.Quality = reading.TagUnparsed
	} else {
		row.Timestamp = ts.UTC()
	}

	var conflicts []*AmbiguousFieldError
	consumed := map[string]bool{keyField: true, tsField: true}

	for metric, aliases := range n.fieldMap.Metrics {
		kept := false
		var keptAlias Alias
		var keptValue float64
		for _, alias := range aliases {
			rawValue, ok := raw[alias.Field]
			if !ok || strings.TrimSpace(rawValue) == "" {
				continue
			}
			consumed[alias.Field] = true
			v, err := cast.ToFloat64E(strings.TrimSpace(rawValue))
			if err != nil {
				// Non-numeric value for a numeric metric: keep the raw
				// text so nothing is lost.
				if row.Extra == nil {
					row.Extra = make(map[string]string)
				}
				row.Extra[alias.Field] = rawValue
				continue
			}
			v = v*alias.Scale + alias.Offset
			if !kept {
				kept = true
				keptAlias = alias
				keptValue = v
				row.Metrics[metric] = v
				continue
			}
			if v != keptValue {
				conflicts = append(conflicts, &AmbiguousFieldError{
					Metric:       metric,
					KeptField:    keptAlias.Field,
					KeptValue:    keptValue,
					DroppedField: alias.Field,
					DroppedValue: v,
				})
			}
		}
	}

	// Preserve everything the field map did not claim. Numeric leftovers
	// become opaque metrics, the rest land in Extra.
	for field, rawValue := range raw {
		if consumed[field] || strings.TrimSpace(rawValue) == "" {
			continue
		}
		if v, err := cast.ToFloat64E(strings.TrimSpace(rawValue)); err == nil {
			if _, taken := row.Metrics[field]; !taken {
				row.Metrics[field] = v
			}
			continue
		}
		if row.Extra == nil {
			row.Extra = make(map[string]string)
		}
		row.Extra[field] = rawValue
	}

	return Result{Row: row, Conflicts: conflicts}
}

// NormalizeBatch maps a batch of raw rows, one Result per input row.
func (n *Normalizer) NormalizeBatch(raws []RawRow, source string) []Result {
	results := make([]Result, 0, len(raws))
	for _, raw := range raws {
		results = append(results, n.Normalize(raw, source))
	}
	return results
}

// Partition splits results into accepted rows and rejection errors.
func Partition(results []Result) (accepted []reading.Reading, rejected []error) {
	for _, res := range results {
		if res.Accepted() {
			accepted = append(accepted, res.Row)
		} else {
			rejected = append(rejected, res.Err)
		}
	}
	return accepted, rejected
}

// firstNonEmpty returns the first candidate field present with a non-empty
// value, plus the field name that matched.
func firstNonEmpty(raw RawRow, candidates []string) (string, string) {
	for _, field := range candidates {
		if v, ok := raw[field]; ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed, field
			}
		}
	}
	return "", ""
}
