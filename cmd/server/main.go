// Command server runs the sensorvault consolidation service: scheduled
// consolidation passes over the configured sources plus a read-only HTTP API
// for dataset metadata, uptime reports and pass health.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ecotrace/sensorvault/pkg/config"
	"github.com/ecotrace/sensorvault/pkg/logging"
	"github.com/ecotrace/sensorvault/pkg/server"
)

func main() {
	configPath := flag.String("config", "sensorvault.yml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet.
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Setup(cfg.Logger); err != nil {
		os.Stderr.WriteString("logging setup error: " + err.Error() + "\n")
		os.Exit(1)
	}

	app, err := server.NewApp(cfg)
	if err != nil {
		zap.L().Fatal("startup failed", zap.Error(err))
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go app.Hub.Run(ctx)

	if err := app.Scheduler.Start(ctx, cfg.Schedule); err != nil {
		zap.L().Fatal("scheduler start failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: app.Handler.Router(),
	}
	go func() {
		zap.L().Info("http server listening",
			zap.String("addr", cfg.Listen),
			zap.Int("sources", len(cfg.Sources)),
			zap.String("schedule", cfg.Schedule))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("http server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zap.L().Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("http shutdown error", zap.Error(err))
	}
	cancel()
}
