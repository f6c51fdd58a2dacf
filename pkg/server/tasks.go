package server

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ecotrace/sensorvault/pkg/config"
	"github.com/ecotrace/sensorvault/pkg/dataset"
	"github.com/ecotrace/sensorvault/pkg/ingest"
	"github.com/ecotrace/sensorvault/pkg/server/monitor"
)

// Scheduler owns the background jobs: the consolidation cadence and the
// daily version retention prune. The core stays a synchronous batch
// pipeline; the scheduler only decides when the next pass runs, and never
// cancels one mid-flight.
type Scheduler struct {
	cron        *cron.Cron
	driver      *ingest.Driver
	store       *dataset.Store
	sources     []config.Source
	retention   time.Duration
	passMonitor *monitor.ConsolidationMonitor
}

// NewScheduler builds the job runner.
func NewScheduler(
	driver *ingest.Driver,
	store *dataset.Store,
	cfg *config.Config,
	passMonitor *monitor.ConsolidationMonitor,
) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		driver:      driver,
		store:       store,
		sources:     cfg.Sources,
		retention:   cfg.Retention.Std(),
		passMonitor: passMonitor,
	}
}

// Start registers the jobs and kicks off an immediate first pass.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.RunConsolidation(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", func() { s.RunRetention() }); err != nil {
		return err
	}
	s.cron.Start()

	// First pass on startup, without waiting a full schedule interval.
	go s.RunConsolidation(ctx)
	return nil
}

// Stop halts the cron runner; an in-flight pass finishes on its own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// RunConsolidation executes one pass over all sources and records the
// outcome. A failed pass leaves every affected dataset at its last good
// state; re-running is always safe.
func (s *Scheduler) RunConsolidation(ctx context.Context) {
	start := time.Now()
	summary := s.driver.RunPass(ctx)

	if summary.Failed() {
		for _, err := range summary.Errors {
			s.passMonitor.RecordFailure(err)
			zap.L().Error("consolidation pass error: no update applied, previous dataset unchanged",
				zap.Error(err))
		}
		return
	}

	s.passMonitor.RecordSuccess()
	zap.L().Info("consolidation pass finished",
		zap.Int("sources", len(summary.Reports)),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
}

// RunRetention prunes version snapshots older than the retention threshold.
func (s *Scheduler) RunRetention() {
	cutoff := time.Now().Add(-s.retention)
	total := 0
	for _, src := range s.sources {
		removed, err := s.store.PruneVersions(src.Name, cutoff)
		if err != nil {
			zap.L().Error("version retention prune failed",
				zap.String("source", src.Name), zap.Error(err))
			continue
		}
		total += removed
	}
	if total > 0 {
		zap.L().Info("pruned version snapshots", zap.Int("removed", total),
			zap.Time("cutoff", cutoff))
	}
}
