// Package dataset owns the canonical per-source dataset lifecycle: the
// primary CSV store, immutable pre-mutation backups, versioned snapshots,
// and the metadata record recomputed after every successful consolidation.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Taxonomy sentinels.
var (
	// ErrNoInputData means a build was attempted with zero usable rows.
	ErrNoInputData = errors.New("no input data")

	// ErrPersistence wraps any write/backup I/O failure. When it is
	// returned the previously persisted state is untouched.
	ErrPersistence = errors.New("persistence failure")

	// ErrDatasetMissing is returned when reading a dataset that was never
	// built.
	ErrDatasetMissing = errors.New("dataset does not exist")
)

const (
	canonicalFile = "canonical.csv"
	metadataFile  = "metadata.json"
	backupsDir    = "backups"
	versionsDir   = "versions"
	rejectedDir   = "rejected"

	// stampLayout names backup/version artifacts by consolidation time.
	stampLayout = "20060102T150405.000000000"
)

// TimeRange is the inclusive span covered by a dataset's timestamped rows.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Metadata is the structured bookkeeping record persisted next to each
// canonical file.
type Metadata struct {
	LastUpdate  time.Time `json:"last_update"`
	RowCount    int       `json:"row_count"`
	TimeRange   TimeRange `json:"time_range"`
	SourceCount int       `json:"source_count"`
}

// Version describes one immutable snapshot of a canonical dataset.
type Version struct {
	Source    string    `json:"source"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the filesystem layout under one root directory:
//
//	<root>/<source>/canonical.csv
//	<root>/<source>/metadata.json
//	<root>/<source>/backups/backup-<stamp>.csv
//	<root>/<source>/versions/version-<stamp>.csv
//	<root>/<source>/rejected/rejected-<passid>.csv
//
// Only the Consolidator writes through a Store; readers observe the last
// committed canonical file because commits replace it atomically by rename.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a dataset store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store root: %v", ErrPersistence, err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) sourceDir(source string) string { return filepath.Join(s.root, source) }

func (s *Store) canonicalPath(source string) string {
	return filepath.Join(s.sourceDir(source), canonicalFile)
}

func (s *Store) metadataPath(source string) string {
	return filepath.Join(s.sourceDir(source), metadataFile)
}

// Exists reports whether a canonical dataset has been built for the source.
func (s *Store) Exists(source string) bool {
	_, err := os.Stat(s.canonicalPath(source))
	return err == nil
}

// Sources lists every source with a built canonical dataset, sorted.
func (s *Store) Sources() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	var sources []string
	for _, e := range entries {
		if e.IsDir() && s.Exists(e.Name()) {
			sources = append(sources, e.Name())
		}
	}
	sort.Strings(sources)
	return sources, nil
}

// Rows reads the last committed canonical dataset for a source.
func (s *Store) Rows(source string) ([]reading.Reading, error) {
	f, err := os.Open(s.canonicalPath(source))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetMissing, source)
		}
		return nil, fmt.Errorf("open canonical dataset: %w", err)
	}
	defer f.Close()
	return decodeRows(f)
}

// Metadata reads the persisted metadata record for a source.
func (s *Store) Metadata(source string) (*Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(source))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetMissing, source)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// ComputeMetadata derives the metadata record from a row set.
func ComputeMetadata(rows []reading.Reading, now time.Time) Metadata {
	meta := Metadata{LastUpdate: now.UTC(), RowCount: len(rows)}
	sources := make(map[string]struct{})
	for _, r := range rows {
		if r.Source != "" {
			sources[r.Source] = struct{}{}
		}
		if r.Timestamp.IsZero() {
			continue
		}
		if meta.TimeRange.Start.IsZero() || r.Timestamp.Before(meta.TimeRange.Start) {
			meta.TimeRange.Start = r.Timestamp
		}
		if r.Timestamp.After(meta.TimeRange.End) {
			meta.TimeRange.End = r.Timestamp
		}
	}
	meta.SourceCount = len(sources)
	return meta
}

// Snapshot copies the current canonical file into an immutable,
// consolidation-timestamp-named version artifact.
func (s *Store) Snapshot(source string, now time.Time) (*Version, error) {
	dir := filepath.Join(s.sourceDir(source), versionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create versions dir: %v", ErrPersistence, err)
	}
	stamp := now.UTC().Format(stampLayout)
	dst := filepath.Join(dir, "version-"+stamp+".csv")
	if err := copyFile(s.canonicalPath(source), dst); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrPersistence, err)
	}
	return &Version{Source: source, Path: dst, CreatedAt: now.UTC()}, nil
}

// Versions lists a source's snapshots, oldest first.
func (s *Store) Versions(source string) ([]Version, error) {
	dir := filepath.Join(s.sourceDir(source), versionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read versions dir: %w", err)
	}
	var versions []Version
	for _, e := range entries {
		createdAt, ok := parseStamp(e.Name(), "version-")
		if !ok {
			continue
		}
		versions = append(versions, Version{
			Source:    source,
			Path:      filepath.Join(dir, e.Name()),
			CreatedAt: createdAt,
		})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].CreatedAt.Before(versions[j].CreatedAt) })
	return versions, nil
}

// PruneVersions removes snapshots older than the cutoff and returns how many
// were deleted. Versions are never mutated, only pruned by this explicit
// age-based policy.
func (s *Store) PruneVersions(source string, cutoff time.Time) (int, error) {
	versions, err := s.Versions(source)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, v := range versions {
		if !v.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(v.Path); err != nil {
			return removed, fmt.Errorf("%w: prune version: %v", ErrPersistence, err)
		}
		removed++
	}
	return removed, nil
}

// RejectedRow is one input row that failed normalization, persisted for
// manual review rather than silently discarded.
type RejectedRow struct {
	Provenance string `csv:"provenance"`
	Reason     string `csv:"reason"`
	Fields     string `csv:"fields"`
}

// WriteRejected persists the rejected set of one consolidation pass.
// Returns the file path, or "" when there was nothing to write.
func (s *Store) WriteRejected(source, passID string, rows []RejectedRow) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	dir := filepath.Join(s.sourceDir(source), rejectedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create rejected dir: %v", ErrPersistence, err)
	}
	path := filepath.Join(dir, "rejected-"+passID+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: create rejected file: %v", ErrPersistence, err)
	}
	defer f.Close()
	if err := gocsv.Marshal(rows, f); err != nil {
		return "", fmt.Errorf("%w: write rejected file: %v", ErrPersistence, err)
	}
	return path, nil
}

// record is the canonical tabular row layout. Metric and extra maps are
// JSON-encoded columns so the file stays a fixed-width header-plus-rows CSV
// regardless of which metrics a source carries.
type record struct {
	GroupKey  string `csv:"group_key"`
	Timestamp string `csv:"timestamp"`
	Quality   string `csv:"quality"`
	Source    string `csv:"source"`
	Metrics   string `csv:"metrics"`
	Extra     string `csv:"extra"`
}

func encodeRows(w io.Writer, rows []reading.Reading) error {
	records := make([]record, 0, len(rows))
	for _, r := range rows {
		metrics, err := json.Marshal(r.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
		rec := record{
			GroupKey: r.GroupKey,
			Quality:  string(r.Quality),
			Source:   r.Source,
			Metrics:  string(metrics),
		}
		if !r.Timestamp.IsZero() {
			rec.Timestamp = r.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		if len(r.Extra) > 0 {
			extra, err := json.Marshal(r.Extra)
			if err != nil {
				return fmt.Errorf("encode extra: %w", err)
			}
			rec.Extra = string(extra)
		}
		records = append(records, rec)
	}
	return gocsv.Marshal(records, w)
}

func decodeRows(r io.Reader) ([]reading.Reading, error) {
	var records []record
	if err := gocsv.Unmarshal(r, &records); err != nil {
		return nil, fmt.Errorf("decode canonical dataset: %w", err)
	}
	rows := make([]reading.Reading, 0, len(records))
	for _, rec := range records {
		row := reading.Reading{
			GroupKey: rec.GroupKey,
			Source:   rec.Source,
			Quality:  reading.QualityTag(rec.Quality),
		}
		if rec.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("decode row timestamp %q: %w", rec.Timestamp, err)
			}
			row.Timestamp = ts.UTC()
		}
		if rec.Metrics != "" {
			if err := json.Unmarshal([]byte(rec.Metrics), &row.Metrics); err != nil {
				return nil, fmt.Errorf("decode row metrics: %w", err)
			}
		}
		if rec.Extra != "" {
			if err := json.Unmarshal([]byte(rec.Extra), &row.Extra); err != nil {
				return nil, fmt.Errorf("decode row extra: %w", err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseStamp(name, prefix string) (time.Time, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".csv") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".csv")
	t, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
