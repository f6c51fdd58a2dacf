// Package mirror maintains an optional row mirror keyed by
// (group_key, timestamp, metric_name) for downstream query access. The
// canonical CSV dataset stays the source of truth; mirrors are rebuildable
// caches and every write is idempotent on the key.
//
// Implementations: memory (testing), badger (embedded), postgres
// (relational).
package mirror

import (
	"context"
	"time"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Entry is one mirrored metric observation.
type Entry struct {
	GroupKey  string    `json:"group_key"`
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
}

// Mirror is the write/query surface consolidation feeds after every
// committed pass.
type Mirror interface {
	// Write mirrors readings, one entry per metric. Re-writing the same
	// reading is a no-op.
	Write(ctx context.Context, rows []reading.Reading) error

	// Query returns entries for a group inside [start, end], ordered by
	// timestamp ascending.
	Query(ctx context.Context, groupKey string, start, end time.Time) ([]Entry, error)

	// Close releases the backing resources.
	Close() error
}

// Explode flattens readings into mirror entries. Rows without a usable
// timestamp are skipped; they are only meaningful in the canonical file.
func Explode(rows []reading.Reading) []Entry {
	var entries []Entry
	for _, r := range rows {
		if r.Timestamp.IsZero() {
			continue
		}
		for metric, value := range r.Metrics {
			entries = append(entries, Entry{
				GroupKey:  r.GroupKey,
				Timestamp: r.Timestamp.UTC(),
				Metric:    metric,
				Value:     value,
			})
		}
	}
	return entries
}
