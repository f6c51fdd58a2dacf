// Package ingest drives batch consolidation passes: it discovers a source's
// input files, decodes the raw rows, normalizes and tags them, and hands the
// result to the dataset consolidator.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gocarina/gocsv"

	"github.com/ecotrace/sensorvault/pkg/normalize"
)

// DiscoverInputs expands a source's input glob into a sorted file list.
// Inputs live one or more per period under a source-specific hierarchy, so
// the glob typically spans directories.
func DiscoverInputs(glob string) ([]string, error) {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("expand input glob %q: %w", glob, err)
	}
	var files []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// ReadRawFile decodes one delimited header-plus-rows input file into
// field-keyed raw rows.
func ReadRawFile(path string) ([]normalize.RawRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input %q: %w", path, err)
	}
	defer f.Close()

	maps, err := gocsv.CSVToMaps(f)
	if err != nil {
		return nil, fmt.Errorf("decode input %q: %w", path, err)
	}
	rows := make([]normalize.RawRow, 0, len(maps))
	for _, m := range maps {
		rows = append(rows, normalize.RawRow(m))
	}
	return rows, nil
}
