package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"predictive-maintenance-core/core/internal/app"
	"predictive-maintenance-core/core/internal/outbox"
	"predictive-maintenance-core/shared/config"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/mqx"
)

const (
	taskOutboxScan     = "outbox.scan"
	taskOutboxDispatch = "outbox.dispatch"
)

type dispatchPayload struct {
	EventID string `json:"event_id"`
	Owner   string `json:"owner"`
}

func main() {
	cfg, logger, stopTracing := app.Boot("outbox-worker", 8083, app.RequireDatabase, requireBroker)
	defer stopTracing()
	metricsx.Register()

	ctx, cancel := app.SignalContext(logger)
	defer cancel()

	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		app.Fatal(logger, "infra_init_failed", "infrastructure init failed", err)
	}
	defer infra.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		app.Fatal(logger, "kafka_init_failed", "kafka producer init failed", err)
	}
	defer producer.Close()

	dispatcher := outbox.NewDispatcher(infra.Store, producer, outbox.Config{
		Owner:        cfg.ServiceName + "-" + strconv.Itoa(os.Getpid()),
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: time.Duration(cfg.OutboxPollMS) * time.Millisecond,
		Lease:        time.Duration(cfg.OutboxLeaseSec) * time.Second,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	}, logger)

	app.ServeOps(ctx, cfg, logger)
	if !cfg.AsynqEnabled {
		if err := dispatcher.Run(ctx); err != nil {
			app.Fatal(logger, "worker_failed", "outbox dispatcher failed", err)
		}
		return
	}
	runAsynq(ctx, cfg, logger, dispatcher)
}

// runAsynq spreads dispatch over asynq workers: a scheduled scan claims a
// batch and enqueues one dispatch task per row. Tasks queued behind a long
// backlog find their lease lapsed and skip; the next scan claims them again.
func runAsynq(ctx context.Context, cfg config.Config, logger logx.Logger, dispatcher *outbox.Dispatcher) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{cfg.AsynqQueue: 1},
	})
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskOutboxScan, func(ctx context.Context, t *asynq.Task) error {
		claimed, err := dispatcher.Claim(ctx)
		if err != nil {
			return err
		}
		for _, event := range claimed {
			payload, _ := json.Marshal(dispatchPayload{EventID: event.EventID.String(), Owner: dispatcher.Owner()})
			task := asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(cfg.AsynqQueue), asynq.MaxRetry(0))
			if _, err := client.EnqueueContext(ctx, task); err != nil {
				// the lease lapses and the next scan claims the row again
				logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
					logx.Tenant(event.TenantID),
					slog.String("event_id", event.EventID.String()),
					logx.Err(err),
				)
			}
		}
		return nil
	})
	mux.HandleFunc(taskOutboxDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, taskOutboxDispatch)
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()
		var payload dispatchPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
		if err != nil {
			return err
		}
		// any replica may run the task; it acts under the scanning replica's lease
		return dispatcher.DispatchByID(ctx, eventID, payload.Owner)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	pollSec := cfg.OutboxPollMS / 1000
	if pollSec < 1 {
		pollSec = 1
	}
	if _, err := scheduler.Register("@every "+strconv.Itoa(pollSec)+"s", asynq.NewTask(taskOutboxScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		app.Fatal(logger, "scheduler_init_failed", "scheduler init failed", err)
	}
	if err := scheduler.Start(); err != nil {
		app.Fatal(logger, "scheduler_start_failed", "scheduler start failed", err)
	}
	defer scheduler.Shutdown()

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	if err := server.Start(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		app.Fatal(logger, "worker_failed", "worker failed", err)
	}
	logger.Info(context.Background(), "worker_start", "outbox worker started",
		slog.String("queue", cfg.AsynqQueue),
		slog.Int("concurrency", cfg.AsynqConcurrency),
	)
	<-ctx.Done()
	server.Shutdown()
	logger.Info(context.Background(), "worker_stop", "outbox worker stopped")
}

func requireBroker(cfg config.Config) []config.Problem {
	var problems []config.Problem
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.AsynqEnabled && cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required when ASYNQ_ENABLED"})
	}
	return problems
}
