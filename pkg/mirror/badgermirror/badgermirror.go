// Package badgermirror implements the row mirror on BadgerDB (LSM tree),
// the embedded backend used when no relational database is configured.
package badgermirror

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/ecotrace/sensorvault/pkg/mirror"
	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool
}

// Mirror implements mirror.Mirror using BadgerDB.
type Mirror struct {
	db *badger.DB
}

// New opens a BadgerDB-backed mirror. The options are tuned for a small
// sensor workload: bounded memtable and caches so the mirror never
// dominates the process footprint.
func New(cfg Config) (*Mirror, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	const memTableSize = 16 * 1024 * 1024
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger mirror: %w", err)
	}
	return &Mirror{db: db}, nil
}

// Write stores one entry per (group, timestamp, metric). Keys are content
// addressed, so duplicate writes overwrite identical values in place.
func (m *Mirror) Write(ctx context.Context, rows []reading.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries := mirror.Explode(rows)
	// Batched in chunks so one giant consolidation pass does not exceed
	// Badger's single-transaction limits.
	const chunk = 2000
	for offset := 0; offset < len(entries); offset += chunk {
		hi := offset + chunk
		if hi > len(entries) {
			hi = len(entries)
		}
		err := m.db.Update(func(txn *badger.Txn) error {
			for i, e := range entries[offset:hi] {
				if i%500 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}
				value, err := json.Marshal(e)
				if err != nil {
					return fmt.Errorf("encode mirror entry: %w", err)
				}
				if err := txn.Set(makeKey(e), value); err != nil {
					return fmt.Errorf("write mirror entry: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Query scans the group's key prefix and filters by time range.
func (m *Mirror) Query(ctx context.Context, groupKey string, start, end time.Time) ([]mirror.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(groupKey))

	var results []mirror.Entry
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			ts := parseKeyTimestamp(it.Item().Key())
			if ts.Before(start) || ts.After(end) {
				continue
			}
			err := it.Item().Value(func(val []byte) error {
				var e mirror.Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("decode mirror entry: %w", err)
				}
				// Hash prefixes can collide across groups, so confirm
				// against the decoded entry.
				if e.GroupKey == groupKey {
					results = append(results, e)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// RunGC runs Badger's value log garbage collection.
func (m *Mirror) RunGC(discardRatio float64) error {
	return m.db.RunValueLogGC(discardRatio)
}

// Close shuts down the database cleanly.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// makeKey builds a sortable key:
// [group hash (8 bytes)][timestamp (8 bytes)][metric name].
// The group hash prefix keeps each group's entries contiguous and the
// timestamp keeps them time ordered within the group.
func makeKey(e mirror.Entry) []byte {
	key := make([]byte, 16, 16+len(e.Metric))
	binary.BigEndian.PutUint64(key[0:8], xxhash.Sum64String(e.GroupKey))
	binary.BigEndian.PutUint64(key[8:16], uint64(e.Timestamp.UnixNano()))
	return append(key, e.Metric...)
}

func parseKeyTimestamp(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[8:16]))).UTC()
}
