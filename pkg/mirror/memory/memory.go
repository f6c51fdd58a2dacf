// Package memory is an in-memory mirror. Data is lost on restart; useful
// for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ecotrace/sensorvault/pkg/mirror"
	"github.com/ecotrace/sensorvault/pkg/reading"
)

type key struct {
	group  string
	ts     int64
	metric string
}

// Mirror stores entries in a map keyed by (group_key, timestamp, metric)
// so duplicate writes collapse naturally.
type Mirror struct {
	mu      sync.RWMutex
	entries map[key]mirror.Entry
}

// New creates an empty in-memory mirror.
func New() *Mirror {
	return &Mirror{entries: make(map[key]mirror.Entry)}
}

// Write mirrors readings; re-writing an existing key overwrites in place.
func (m *Mirror) Write(ctx context.Context, rows []reading.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range mirror.Explode(rows) {
		m.entries[key{e.GroupKey, e.Timestamp.UnixNano(), e.Metric}] = e
	}
	return nil
}

// Query returns a group's entries inside [start, end], timestamp ascending.
func (m *Mirror) Query(ctx context.Context, groupKey string, start, end time.Time) ([]mirror.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []mirror.Entry
	for k, e := range m.entries {
		if k.group != groupKey {
			continue
		}
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		results = append(results, e)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Metric < results[j].Metric
		}
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return results, nil
}

// Len returns the number of mirrored entries.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op for the in-memory mirror.
func (m *Mirror) Close() error { return nil }
