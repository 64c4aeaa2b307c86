package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"predictive-maintenance-core/core/internal/app"
	"predictive-maintenance-core/core/internal/pipeline"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/mqx"
)

func main() {
	cfg, logger, stopTracing := app.Boot("consumer", 8084, app.RequireDatabase, app.RequireKafka)
	defer stopTracing()
	metricsx.Register()

	ctx, cancel := app.SignalContext(logger)
	defer cancel()

	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		app.Fatal(logger, "infra_init_failed", "infrastructure init failed", err)
	}
	defer infra.Close()

	// Delivery is consumed by the core process, which owns the websockets.
	router := app.NewChainRouter(infra, app.NewServices(cfg, infra, logger), nil, logger)
	reader, err := mqx.NewConsumer(cfg, router.Topics(), cfg.KafkaGroupID)
	if err != nil {
		app.Fatal(logger, "kafka_init_failed", "kafka consumer init failed", err)
	}
	defer reader.Close()

	app.ServeOps(ctx, cfg, logger)
	go reportLag(ctx, reader, cfg.KafkaGroupID)

	consumer := &pipeline.Consumer{
		Reader:      reader,
		Router:      router,
		Outbox:      infra.Store,
		MaxAttempts: cfg.ConsumerMaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		Log:         logger,
	}
	logger.Info(ctx, "consumer_start", "consumer started",
		slog.Any("topics", router.Topics()),
		slog.String("group", cfg.KafkaGroupID),
	)
	if err := consumer.Run(ctx); err != nil {
		app.Fatal(logger, "consumer_failed", "consumer failed", err)
	}
	logger.Info(context.Background(), "consumer_stop", "consumer stopped")
}

func reportLag(ctx context.Context, reader *kafka.Reader, group string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := reader.Stats()
			metricsx.SetKafkaLag(stats.Topic, group, stats.Lag)
		}
	}
}
