package dataset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/ecotrace/sensorvault/pkg/dedup"
	"github.com/ecotrace/sensorvault/pkg/reading"
)

// State is the consolidation lifecycle of one canonical dataset.
type State string

const (
	StateAbsent   State = "absent"
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateUpdating State = "updating"
	StateFailed   State = "failed"
)

// PassReport summarizes one successful build/update pass. It feeds logging,
// the Prometheus counters and the event stream.
type PassReport struct {
	PassID          string        `json:"pass_id"`
	Source          string        `json:"source"`
	Built           bool          `json:"built"`
	Incoming        int           `json:"incoming"`
	ExactDuplicates int           `json:"exact_duplicates"`
	NearDuplicates  int           `json:"near_duplicates"`
	Unparsed        int           `json:"unparsed"`
	DatasetRows     int           `json:"dataset_rows"`
	NewRows         int           `json:"new_rows"`
	VersionPath     string        `json:"version_path"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// Consolidator exclusively owns canonical dataset writes. Independent
// sources may consolidate concurrently, but each dataset admits at most one
// in-flight build/update at a time via a per-dataset mutex. There is no
// cancellation of an in-progress pass; ctx is only checked before work
// starts.
type Consolidator struct {
	store     *Store
	tolerance time.Duration
	node      *snowflake.Node

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]State
}

// NewConsolidator wires a consolidator over a store. node generates pass
// ids; tolerance <= 0 falls back to the dedup default.
func NewConsolidator(store *Store, tolerance time.Duration, node *snowflake.Node) *Consolidator {
	if tolerance <= 0 {
		tolerance = dedup.DefaultTolerance
	}
	return &Consolidator{
		store:     store,
		tolerance: tolerance,
		node:      node,
		locks:     make(map[string]*sync.Mutex),
		states:    make(map[string]State),
	}
}

// Store exposes the underlying dataset store for read-only consumers.
func (c *Consolidator) Store() *Store { return c.store }

// State returns the lifecycle state of a source's dataset.
func (c *Consolidator) State(source string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[source]; ok {
		return st
	}
	if c.store.Exists(source) {
		return StateReady
	}
	return StateAbsent
}

func (c *Consolidator) setState(source string, st State) {
	c.mu.Lock()
	c.states[source] = st
	c.mu.Unlock()
}

func (c *Consolidator) lockFor(source string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[source]
	if !ok {
		l = &sync.Mutex{}
		c.locks[source] = l
	}
	return l
}

// Consolidate runs a build when no dataset exists for the source yet, and
// an incremental update otherwise.
func (c *Consolidator) Consolidate(ctx context.Context, source string, incoming []reading.Reading) (*PassReport, error) {
	if c.store.Exists(source) {
		return c.Update(ctx, source, incoming)
	}
	return c.Build(ctx, source, incoming)
}

// Build constructs the initial canonical dataset from the full historical
// input set. Zero usable rows fail with ErrNoInputData and leave nothing
// behind.
func (c *Consolidator) Build(ctx context.Context, source string, incoming []reading.Reading) (*PassReport, error) {
	lock := c.lockFor(source)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(incoming) == 0 {
		return nil, fmt.Errorf("%w: build %q", ErrNoInputData, source)
	}

	c.setState(source, StateBuilding)
	report, err := c.consolidate(source, nil, incoming, true)
	if err != nil {
		// A failed build leaves the dataset absent; there is no prior
		// state to protect.
		c.setState(source, StateAbsent)
		return nil, err
	}
	c.setState(source, StateReady)
	return report, nil
}

// Update merges incoming rows into an existing dataset. The pre-update
// backup taken by the write transaction remains even on success; on any
// failure the prior canonical file is untouched and retrying with identical
// inputs is safe.
func (c *Consolidator) Update(ctx context.Context, source string, incoming []reading.Reading) (*PassReport, error) {
	lock := c.lockFor(source)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	existing, err := c.store.Rows(source)
	if err != nil {
		return nil, err
	}

	c.setState(source, StateUpdating)
	report, err := c.consolidate(source, existing, incoming, false)
	if err != nil {
		c.setState(source, StateFailed)
		zap.L().Error("no update applied, previous dataset unchanged",
			zap.String("source", source), zap.Error(err))
		return nil, err
	}
	c.setState(source, StateReady)
	return report, nil
}

// consolidate is the shared build/update path. The caller holds the
// per-dataset lock.
func (c *Consolidator) consolidate(source string, existing, incoming []reading.Reading, built bool) (*PassReport, error) {
	start := time.Now()
	report := &PassReport{
		PassID:    c.node.Generate().String(),
		Source:    source,
		Built:     built,
		Incoming:  len(incoming),
		StartedAt: start.UTC(),
	}

	merged, stats := dedup.Merge(existing, incoming, c.tolerance)
	report.ExactDuplicates = stats.ExactDuplicates
	report.NearDuplicates = stats.NearDuplicates
	report.Unparsed = stats.Unparsed

	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: %q yielded zero usable rows", ErrNoInputData, source)
	}
	// Near-duplicate collapse is the only sanctioned way an existing row
	// leaves the dataset (e.g. after the tolerance was raised); any other
	// disappearance is data loss and aborts the pass.
	mergedHashes := make(map[uint64]struct{}, len(merged))
	for _, r := range merged {
		mergedHashes[r.ContentHash()] = struct{}{}
	}
	for _, r := range existing {
		h := r.ContentHash()
		if _, kept := mergedHashes[h]; kept {
			continue
		}
		if _, collapsed := stats.Collapsed[h]; collapsed {
			continue
		}
		return nil, fmt.Errorf("merge invariant violated for %q: row (group %q at %s) dropped without cause",
			source, r.GroupKey, r.Timestamp.Format(time.RFC3339))
	}

	txn, err := c.store.Begin(source, start)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	if err := txn.Stage(merged); err != nil {
		return nil, err
	}
	if err := txn.Commit(ComputeMetadata(merged, start)); err != nil {
		return nil, err
	}

	version, err := c.store.Snapshot(source, start)
	if err != nil {
		// The commit already succeeded; surface the snapshot failure so
		// the pass is retried, which is safe and will re-snapshot.
		return nil, err
	}

	report.DatasetRows = len(merged)
	report.NewRows = len(merged) - len(existing)
	report.VersionPath = version.Path
	report.Duration = time.Since(start)

	zap.L().Info("consolidation pass committed",
		zap.String("pass_id", report.PassID),
		zap.String("source", source),
		zap.Bool("built", built),
		zap.Int("incoming", report.Incoming),
		zap.Int("exact_duplicates", report.ExactDuplicates),
		zap.Int("near_duplicates", report.NearDuplicates),
		zap.Int("dataset_rows", report.DatasetRows),
		zap.Int("new_rows", report.NewRows),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}
