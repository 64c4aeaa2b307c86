package main

import (
	"context"
	"time"

	"predictive-maintenance-core/core/internal/app"
	"predictive-maintenance-core/core/internal/monitor"
	"predictive-maintenance-core/shared/metricsx"
)

func main() {
	cfg, logger, stopTracing := app.Boot("monitor", 8085, app.RequireDatabase)
	defer stopTracing()
	metricsx.Register()

	ctx, cancel := app.SignalContext(logger)
	defer cancel()

	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		app.Fatal(logger, "infra_init_failed", "infrastructure init failed", err)
	}
	defer infra.Close()
	app.ServeOps(ctx, cfg, logger)

	m := monitor.New(infra.Store, monitor.Config{
		EscalationInterval: time.Duration(cfg.EscalationIntervalSec) * time.Second,
		ReminderInterval:   time.Duration(cfg.ReminderIntervalSec) * time.Second,
		StaleAfter:         time.Duration(cfg.ReminderStaleHours) * time.Hour,
		RescanInterval:     time.Duration(cfg.OutboxRescanSec) * time.Second,
		BatchSize:          cfg.OutboxBatchSize,
	}, logger)
	logger.Info(ctx, "monitor_start", "monitor started")
	if err := m.Run(ctx); err != nil {
		app.Fatal(logger, "monitor_failed", "monitor failed", err)
	}
	logger.Info(context.Background(), "monitor_stop", "monitor stopped")
}
