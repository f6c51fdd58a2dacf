package server

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/ecotrace/sensorvault/pkg/config"
	"github.com/ecotrace/sensorvault/pkg/dataset"
	"github.com/ecotrace/sensorvault/pkg/ingest"
	"github.com/ecotrace/sensorvault/pkg/mirror"
	"github.com/ecotrace/sensorvault/pkg/mirror/badgermirror"
	"github.com/ecotrace/sensorvault/pkg/mirror/postgres"
	"github.com/ecotrace/sensorvault/pkg/obs"
	"github.com/ecotrace/sensorvault/pkg/server/monitor"
	"github.com/ecotrace/sensorvault/pkg/uptime"
)

// App bundles everything the entrypoint needs to run.
type App struct {
	Config       *config.Config
	Consolidator *dataset.Consolidator
	Driver       *ingest.Driver
	Handler      *Handler
	Scheduler    *Scheduler
	Hub          *EventHub
	Mirror       mirror.Mirror
}

// NewApp wires the full application from configuration.
func NewApp(cfg *config.Config) (*App, error) {
	store, err := dataset.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("init pass id generator: %w", err)
	}
	consolidator := dataset.NewConsolidator(store, cfg.Tolerance.Std(), node)

	mir, err := openMirror(cfg.Mirror)
	if err != nil {
		return nil, err
	}

	metrics := obs.NewMetrics()
	driver := ingest.NewDriver(cfg, consolidator, mir, metrics)

	hub := NewEventHub()
	driver.OnPass = func(report *dataset.PassReport) {
		_ = hub.Broadcast(map[string]interface{}{
			"type":   "consolidation_pass",
			"report": report,
		})
	}

	// Passes are considered stale after two missed schedule intervals at
	// the default hourly cadence.
	passMonitor := monitor.NewConsolidationMonitor(2 * time.Hour)
	storageMonitor := monitor.NewStorageMonitor(cfg.DataDir, 0)

	engine := uptime.NewEngine(cfg.Rules(),
		uptime.WithIntervalWidth(cfg.IntervalWidth.Std()),
		uptime.WithRequiredFraction(cfg.RequiredFraction),
	)

	handler := NewHandler(consolidator, engine, metrics, hub, passMonitor, storageMonitor)
	scheduler := NewScheduler(driver, store, cfg, passMonitor)

	return &App{
		Config:       cfg,
		Consolidator: consolidator,
		Driver:       driver,
		Handler:      handler,
		Scheduler:    scheduler,
		Hub:          hub,
		Mirror:       mir,
	}, nil
}

func openMirror(cfg config.MirrorConfig) (mirror.Mirror, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "postgres":
		m, err := postgres.Open(cfg.DSN, cfg.Table)
		if err != nil {
			return nil, err
		}
		zap.L().Info("relational mirror enabled", zap.String("table", cfg.Table))
		return m, nil
	default:
		m, err := badgermirror.New(badgermirror.Config{Path: cfg.Dir})
		if err != nil {
			return nil, err
		}
		zap.L().Info("embedded mirror enabled", zap.String("dir", cfg.Dir))
		return m, nil
	}
}

// Close releases the app's long-lived resources.
func (a *App) Close() {
	a.Scheduler.Stop()
	if a.Mirror != nil {
		if err := a.Mirror.Close(); err != nil {
			zap.L().Error("mirror close failed", zap.Error(err))
		}
	}
	_ = zap.L().Sync()
}
