package reading

import (
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// QualityTag classifies a reading's plausibility. It is informational at
// ingest time; the uptime engine treats anything but TagOK as absent data.
type QualityTag string

const (
	// TagOK means every rated metric on the reading is within its
	// plausible range.
	TagOK QualityTag = "ok"

	// TagSuspect means at least one rated metric is out of range. The
	// reading is retained in the dataset but excluded from uptime scoring.
	TagSuspect QualityTag = "suspect"

	// TagUnparsed marks a reading whose timestamp could not be recovered.
	// Such rows are kept for manual review and skipped by the time-based
	// dedup pass.
	TagUnparsed QualityTag = "unparsed"
)

// Reading is one normalized sensor observation: the canonical row every
// component downstream of the normalizer operates on.
type Reading struct {
	// GroupKey identifies the sensor/device the observation belongs to.
	// It partitions rows for deduplication and uptime scoring.
	GroupKey string `json:"group_key"`

	// Timestamp is the observation instant in UTC. A zero value means the
	// source row carried a timestamp field that could not be parsed.
	Timestamp time.Time `json:"timestamp"`

	// Metrics maps canonical metric names to values. Unrecognized numeric
	// source fields are preserved here under their original name.
	Metrics map[string]float64 `json:"metrics"`

	// Extra preserves unrecognized non-numeric source fields so no
	// information is silently discarded.
	Extra map[string]string `json:"extra,omitempty"`

	// Source records provenance: the input batch or file the row came from.
	Source string `json:"source"`

	// Quality is the informational tag set at ingest time.
	Quality QualityTag `json:"quality"`
}

// Metric returns a metric value and whether the reading carries it.
func (r Reading) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// ContentHash computes a stable digest over the reading's identifying
// fields (group key, timestamp, all metric values). Two readings with equal
// hashes represent the same physical observation byte-for-byte; the digest
// deliberately ignores provenance and quality so a re-pull of the same row
// from a different file still dedups.
func (r Reading) ContentHash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(r.GroupKey)
	_, _ = d.WriteString("\x1f")
	_, _ = d.WriteString(strconv.FormatInt(r.Timestamp.UTC().UnixNano(), 10))

	names := make([]string, 0, len(r.Metrics))
	for name := range r.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		_, _ = d.WriteString("\x1f")
		_, _ = d.WriteString(name)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(strconv.FormatFloat(r.Metrics[name], 'g', -1, 64))
	}
	return d.Sum64()
}

// SortChronological orders readings by timestamp ascending, breaking ties by
// group key so the order is deterministic.
func SortChronological(rows []Reading) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].GroupKey < rows[j].GroupKey
		}
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})
}

// GroupBy partitions readings by group key, preserving input order within
// each group.
func GroupBy(rows []Reading) map[string][]Reading {
	groups := make(map[string][]Reading)
	for _, r := range rows {
		groups[r.GroupKey] = append(groups[r.GroupKey], r)
	}
	return groups
}
