package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Txn is a scoped write transaction over one source's canonical dataset.
//
// Begin takes an immutable backup of the current canonical file (when one
// exists), the new state is staged into a temp file, and Commit installs it
// with an atomic rename. Any failure before Commit leaves the prior
// canonical file byte-for-byte untouched; Rollback only has to discard the
// staging file.
type Txn struct {
	store     *Store
	source    string
	stagePath string
	staged    bool
	done      bool
	startedAt time.Time
}

// Begin opens a write transaction, backing up the current canonical file
// first so a committed-then-regretted consolidation can still be recovered.
func (s *Store) Begin(source string, now time.Time) (*Txn, error) {
	dir := s.sourceDir(source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create dataset dir: %v", ErrPersistence, err)
	}

	if s.Exists(source) {
		backups := filepath.Join(dir, backupsDir)
		if err := os.MkdirAll(backups, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create backups dir: %v", ErrPersistence, err)
		}
		stamp := now.UTC().Format(stampLayout)
		dst := filepath.Join(backups, "backup-"+stamp+".csv")
		if err := copyFile(s.canonicalPath(source), dst); err != nil {
			return nil, fmt.Errorf("%w: backup before mutate: %v", ErrPersistence, err)
		}
	}

	return &Txn{
		store:     s,
		source:    source,
		stagePath: filepath.Join(dir, ".canonical.csv.tmp"),
		startedAt: now,
	}, nil
}

// Stage writes the new canonical row set to the staging file. The canonical
// file itself is not touched until Commit.
func (t *Txn) Stage(rows []reading.Reading) error {
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrPersistence)
	}
	f, err := os.Create(t.stagePath)
	if err != nil {
		return fmt.Errorf("%w: create staging file: %v", ErrPersistence, err)
	}
	if err := encodeRows(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("%w: stage canonical rows: %v", ErrPersistence, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close staging file: %v", ErrPersistence, err)
	}
	t.staged = true
	return nil
}

// Commit atomically installs the staged rows as the canonical file and
// persists the recomputed metadata record.
func (t *Txn) Commit(meta Metadata) error {
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrPersistence)
	}
	if !t.staged {
		return fmt.Errorf("%w: commit without staged rows", ErrPersistence)
	}
	if err := os.Rename(t.stagePath, t.store.canonicalPath(t.source)); err != nil {
		return fmt.Errorf("%w: install canonical file: %v", ErrPersistence, err)
	}
	t.done = true

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", ErrPersistence, err)
	}
	metaTmp := t.store.metadataPath(t.source) + ".tmp"
	if err := os.WriteFile(metaTmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write metadata: %v", ErrPersistence, err)
	}
	if err := os.Rename(metaTmp, t.store.metadataPath(t.source)); err != nil {
		return fmt.Errorf("%w: install metadata: %v", ErrPersistence, err)
	}
	return nil
}

// Rollback discards the staged state. Safe to call after Commit (no-op) and
// on every error path, typically via defer.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	_ = os.Remove(t.stagePath)
}
