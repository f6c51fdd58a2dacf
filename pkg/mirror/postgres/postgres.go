// Package postgres implements the row mirror on a relational table keyed by
// (group_key, ts, metric_name), for deployments that want SQL access to the
// consolidated data.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"

	"github.com/ecotrace/sensorvault/pkg/mirror"
	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Mirror writes mirror entries into one table. Inserts are idempotent via
// the table's unique key and ON CONFLICT DO NOTHING.
type Mirror struct {
	db        *sql.DB
	tableName string
}

// Open connects to PostgreSQL and ensures the mirror table exists.
func Open(dsn, table string) (*Mirror, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres mirror: %w", err)
	}
	m := NewWithDB(db, table)
	if err := m.ensureTable(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewWithDB wraps an existing connection (used in tests).
func NewWithDB(db *sql.DB, table string) *Mirror {
	return &Mirror{db: db, tableName: table}
}

func (m *Mirror) ensureTable() error {
	_, err := m.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		group_key   TEXT             NOT NULL,
		ts          TIMESTAMPTZ      NOT NULL,
		metric_name TEXT             NOT NULL,
		value       DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (group_key, ts, metric_name)
	)`, m.tableName))
	if err != nil {
		return fmt.Errorf("create mirror table: %w", err)
	}
	return nil
}

// Write inserts one row per metric with ON CONFLICT DO NOTHING so replayed
// consolidation passes are harmless.
func (m *Mirror) Write(ctx context.Context, rows []reading.Reading) error {
	entries := mirror.Explode(rows)

	// Batched in chunks: each row takes four bind parameters and PostgreSQL
	// caps a statement at 65535 of them.
	const chunk = 2000
	for offset := 0; offset < len(entries); offset += chunk {
		hi := offset + chunk
		if hi > len(entries) {
			hi = len(entries)
		}
		if err := m.insertBatch(ctx, entries[offset:hi]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) insertBatch(ctx context.Context, entries []mirror.Entry) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(m.tableName)
	b.WriteString(" (group_key, ts, metric_name, value) VALUES ")

	args := make([]any, 0, len(entries)*4)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d)", len(args)+1, len(args)+2, len(args)+3, len(args)+4)
		args = append(args, e.GroupKey, e.Timestamp, e.Metric, e.Value)
	}
	b.WriteString(" ON CONFLICT (group_key, ts, metric_name) DO NOTHING")

	if _, err := m.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("mirror insert: %w", err)
	}
	return nil
}

// Query selects a group's entries inside [start, end], timestamp ascending.
func (m *Mirror) Query(ctx context.Context, groupKey string, start, end time.Time) ([]mirror.Entry, error) {
	q := fmt.Sprintf(`SELECT group_key, ts, metric_name, value FROM %s
		WHERE group_key = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC, metric_name ASC`, m.tableName)

	rows, err := m.db.QueryContext(ctx, q, groupKey, start, end)
	if err != nil {
		return nil, fmt.Errorf("mirror query: %w", err)
	}
	defer rows.Close()

	var results []mirror.Entry
	for rows.Next() {
		var e mirror.Entry
		if err := rows.Scan(&e.GroupKey, &e.Timestamp, &e.Metric, &e.Value); err != nil {
			return nil, fmt.Errorf("scan mirror entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		results = append(results, e)
	}
	return results, rows.Err()
}

// Close closes the database handle.
func (m *Mirror) Close() error { return m.db.Close() }
