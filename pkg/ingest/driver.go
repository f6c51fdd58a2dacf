package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/ecotrace/sensorvault/pkg/config"
	"github.com/ecotrace/sensorvault/pkg/dataset"
	"github.com/ecotrace/sensorvault/pkg/mirror"
	"github.com/ecotrace/sensorvault/pkg/normalize"
	"github.com/ecotrace/sensorvault/pkg/obs"
	"github.com/ecotrace/sensorvault/pkg/quality"
	"github.com/ecotrace/sensorvault/pkg/reading"
)

// Driver orchestrates consolidation passes over every configured source.
// Sources run concurrently on a bounded worker pool; within one source the
// pipeline is strictly sequential (normalize, tag, dedup, persist) and the
// consolidator's per-dataset lock guarantees a single in-flight mutation.
type Driver struct {
	sources      []config.Source
	rules        quality.RuleSet
	fieldMaps    map[string]normalize.FieldMap
	consolidator *dataset.Consolidator
	mirror       mirror.Mirror // nil when mirroring is disabled
	metrics      *obs.Metrics
	workers      int

	// OnPass, when set, observes every successful pass report (used to
	// feed the event stream).
	OnPass func(*dataset.PassReport)
}

// NewDriver wires a pass driver. mir may be nil.
func NewDriver(
	cfg *config.Config,
	consolidator *dataset.Consolidator,
	mir mirror.Mirror,
	metrics *obs.Metrics,
) *Driver {
	return &Driver{
		sources:      cfg.Sources,
		rules:        cfg.Rules(),
		fieldMaps:    cfg.FieldMaps,
		consolidator: consolidator,
		mirror:       mir,
		metrics:      metrics,
		workers:      cfg.PassWorkers,
	}
}

// PassSummary aggregates one full pass over all sources.
type PassSummary struct {
	Reports []*dataset.PassReport
	Errors  []error
}

// Failed reports whether any source's consolidation failed.
func (s *PassSummary) Failed() bool { return len(s.Errors) > 0 }

// RunPass consolidates every configured source once. Independent sources
// run in parallel; one source failing never aborts the others, and a failed
// source keeps its previous dataset unchanged.
func (d *Driver) RunPass(ctx context.Context) *PassSummary {
	summary := &PassSummary{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	pool, err := ants.NewPool(d.workers)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Errorf("create worker pool: %w", err))
		return summary
	}
	defer pool.Release()

	for _, src := range d.sources {
		src := src
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			report, err := d.ConsolidateSource(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Errorf("source %q: %w", src.Name, err))
				return
			}
			if report != nil {
				summary.Reports = append(summary.Reports, report)
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			summary.Errors = append(summary.Errors, fmt.Errorf("submit source %q: %w", src.Name, err))
			mu.Unlock()
		}
	}
	wg.Wait()
	return summary
}

// ConsolidateSource runs one source's full pipeline: discover inputs, decode
// and normalize raw rows, persist the rejected set, tag quality, then build
// or update the canonical dataset and feed the mirror.
func (d *Driver) ConsolidateSource(ctx context.Context, src config.Source) (*dataset.PassReport, error) {
	norm, err := normalize.NewNormalizer(src.Kind, d.fieldMaps)
	if err != nil {
		d.metrics.PassesTotal.WithLabelValues(src.Name, "failed").Inc()
		return nil, err
	}

	files, err := DiscoverInputs(src.InputGlob)
	if err != nil {
		d.metrics.PassesTotal.WithLabelValues(src.Name, "failed").Inc()
		return nil, err
	}
	if len(files) == 0 && !d.consolidator.Store().Exists(src.Name) {
		d.metrics.PassesTotal.WithLabelValues(src.Name, "failed").Inc()
		return nil, fmt.Errorf("%w: no input files match %q", dataset.ErrNoInputData, src.InputGlob)
	}

	var accepted []reading.Reading
	var rejected []dataset.RejectedRow
	for _, file := range files {
		raws, err := ReadRawFile(file)
		if err != nil {
			// A torn or half-written file rejects that file, not the
			// whole pass.
			zap.L().Warn("skipping unreadable input file",
				zap.String("source", src.Name), zap.String("file", file), zap.Error(err))
			rejected = append(rejected, dataset.RejectedRow{Provenance: file, Reason: err.Error()})
			continue
		}
		for i, res := range norm.NormalizeBatch(raws, file) {
			for _, conflict := range res.Conflicts {
				zap.L().Warn("ambiguous source field resolved",
					zap.String("source", src.Name),
					zap.String("file", file),
					zap.String("detail", conflict.Error()))
			}
			if !res.Accepted() {
				rejected = append(rejected, dataset.RejectedRow{
					Provenance: file,
					Reason:     res.Err.Error(),
					Fields:     encodeRawFields(raws[i]),
				})
				continue
			}
			row := res.Row
			row.Quality = d.rules.Tag(row)
			accepted = append(accepted, row)
		}
	}

	d.metrics.RowsIngested.WithLabelValues(src.Name).Add(float64(len(accepted)))
	d.metrics.RowsRejected.WithLabelValues(src.Name).Add(float64(len(rejected)))

	if len(accepted) == 0 && len(rejected) == 0 && d.consolidator.Store().Exists(src.Name) {
		// Nothing new arrived; don't churn a backup+version for a no-op.
		zap.L().Debug("no input rows, skipping consolidation", zap.String("source", src.Name))
		return nil, nil
	}

	report, err := d.consolidator.Consolidate(ctx, src.Name, accepted)
	if err != nil {
		d.metrics.PassesTotal.WithLabelValues(src.Name, "failed").Inc()
		if errors.Is(err, dataset.ErrNoInputData) && len(rejected) > 0 {
			// Still persist the rejects so the bad batch can be reviewed.
			d.writeRejected(src.Name, "prepass", rejected)
		}
		return nil, err
	}

	if len(rejected) > 0 {
		d.writeRejected(src.Name, report.PassID, rejected)
	}

	if d.mirror != nil {
		rows, err := d.consolidator.Store().Rows(src.Name)
		if err == nil {
			err = d.mirror.Write(ctx, rows)
		}
		if err != nil {
			// The canonical dataset committed; the mirror is a
			// rebuildable cache, so log and move on.
			zap.L().Error("mirror write failed", zap.String("source", src.Name), zap.Error(err))
		}
	}

	d.metrics.PassesTotal.WithLabelValues(src.Name, "ok").Inc()
	d.metrics.DuplicatesCollapsed.WithLabelValues(src.Name, "exact").Add(float64(report.ExactDuplicates))
	d.metrics.DuplicatesCollapsed.WithLabelValues(src.Name, "near").Add(float64(report.NearDuplicates))
	d.metrics.DatasetRows.WithLabelValues(src.Name).Set(float64(report.DatasetRows))
	d.metrics.PassDuration.Observe(report.Duration.Seconds())

	if d.OnPass != nil {
		d.OnPass(report)
	}
	return report, nil
}

func (d *Driver) writeRejected(source, passID string, rows []dataset.RejectedRow) {
	path, err := d.consolidator.Store().WriteRejected(source, passID, rows)
	if err != nil {
		zap.L().Error("failed to persist rejected rows",
			zap.String("source", source), zap.Error(err))
		return
	}
	zap.L().Info("rejected rows persisted for review",
		zap.String("source", source), zap.Int("count", len(rows)), zap.String("path", path))
}

// encodeRawFields keeps the rejected row's original fields alongside the
// reason so review never needs the input file.
func encodeRawFields(raw normalize.RawRow) string {
	data, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(data)
}
