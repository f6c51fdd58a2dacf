// Package dedup removes exact and near-duplicate readings.
//
// Collectors overlap their pulls on purpose, so the same physical
// observation routinely shows up in multiple batches, sometimes with
// sub-minute timestamp skew. Merge collapses those in two passes: a cheap
// content-hash pass for byte-identical rows, then a per-group minimum-spacing
// pass that drops rows closer than the tolerance to the previously kept one.
package dedup

import (
	"time"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

// DefaultTolerance is the minimum spacing enforced between retained
// observations of the same group key.
const DefaultTolerance = 5 * time.Minute

// Stats summarizes what a Merge call collapsed.
type Stats struct {
	// Input is the combined existing+incoming row count.
	Input int
	// ExactDuplicates counts rows dropped by the content-hash pass.
	ExactDuplicates int
	// NearDuplicates counts rows dropped by the tolerance pass.
	NearDuplicates int
	// Unparsed counts rows kept but excluded from the tolerance pass
	// because their timestamp could not be recovered.
	Unparsed int
	// Kept is the final retained row count.
	Kept int
	// Collapsed holds the content hashes the tolerance pass dropped, so
	// callers can tell intentional near-duplicate collapse from data loss.
	Collapsed map[uint64]struct{}
}

// Merge combines existing and incoming readings into a deduplicated,
// chronologically ordered set. It is deterministic and idempotent:
// Merge(X, X) == X for any X.
//
// tolerance <= 0 degenerates to hash-only dedup. Rows with a zero timestamp
// are kept and flagged for manual review, never silently discarded; they
// sort ahead of all timestamped rows and are skipped by the spacing pass.
func Merge(existing, incoming []reading.Reading, tolerance time.Duration) ([]reading.Reading, Stats) {
	stats := Stats{
		Input:     len(existing) + len(incoming),
		Collapsed: make(map[uint64]struct{}),
	}

	// Pass 1: exact duplicates by content hash. Existing rows come first so
	// the retained representative keeps its original provenance.
	seen := make(map[uint64]struct{}, stats.Input)
	unique := make([]reading.Reading, 0, stats.Input)
	for _, rows := range [][]reading.Reading{existing, incoming} {
		for _, r := range rows {
			h := r.ContentHash()
			if _, dup := seen[h]; dup {
				stats.ExactDuplicates++
				continue
			}
			seen[h] = struct{}{}
			unique = append(unique, r)
		}
	}

	// Rows without a usable timestamp bypass the spacing pass entirely.
	var timestamped, unparsed []reading.Reading
	for _, r := range unique {
		if r.Timestamp.IsZero() {
			r.Quality = reading.TagUnparsed
			unparsed = append(unparsed, r)
			continue
		}
		timestamped = append(timestamped, r)
	}
	stats.Unparsed = len(unparsed)

	// Pass 2: per-group minimum spacing. Sorting each group ascending and
	// comparing against the previously *kept* row enforces the tolerance
	// without assuming any fixed sampling grid.
	kept := make([]reading.Reading, 0, len(timestamped)+len(unparsed))
	kept = append(kept, unparsed...)

	for _, group := range reading.GroupBy(timestamped) {
		reading.SortChronological(group)
		var lastKept time.Time
		first := true
		for _, r := range group {
			if !first && tolerance > 0 && r.Timestamp.Sub(lastKept) < tolerance {
				stats.NearDuplicates++
				stats.Collapsed[r.ContentHash()] = struct{}{}
				continue
			}
			kept = append(kept, r)
			lastKept = r.Timestamp
			first = false
		}
	}

	reading.SortChronological(kept)
	stats.Kept = len(kept)
	return kept, stats
}
