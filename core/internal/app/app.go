// Package app wires the core binaries: config checks, tracing, the Postgres
// store, the tenant cache and the consumer chain.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"predictive-maintenance-core/core/internal/alerting"
	"predictive-maintenance-core/core/internal/assets"
	"predictive-maintenance-core/core/internal/notify"
	"predictive-maintenance-core/core/internal/pipeline"
	"predictive-maintenance-core/core/internal/repos"
	"predictive-maintenance-core/core/internal/rul"
	"predictive-maintenance-core/core/internal/wshub"
	"predictive-maintenance-core/shared/cachex"
	"predictive-maintenance-core/shared/config"
	"predictive-maintenance-core/shared/dbx"
	"predictive-maintenance-core/shared/httpx"
	"predictive-maintenance-core/shared/influxx"
	"predictive-maintenance-core/shared/lockx"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/observability"
)

type Check func(cfg config.Config) []config.Problem

func RequireDatabase(cfg config.Config) []config.Problem {
	if cfg.DatabaseURL == "" {
		return []config.Problem{{Field: "DATABASE_URL", Message: "DATABASE_URL is required"}}
	}
	return nil
}

func RequireKafka(cfg config.Config) []config.Problem {
	var problems []config.Problem
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	return problems
}

// Boot loads config, builds the logger and starts tracing. Any config
// problem is logged and ends the process.
func Boot(service string, port int, checks ...Check) (config.Config, logx.Logger, func()) {
	cfg, problems := config.Load(service, port)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	for _, check := range checks {
		problems = append(problems, check(cfg)...)
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	shutdown := func() {}
	if cfg.OtelEnabled {
		stop, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Warn(context.Background(), "otel_init_failed", "tracing disabled", logx.Err(err))
		} else {
			shutdown = func() { _ = stop(context.Background()) }
		}
	}
	return cfg, logger, shutdown
}

// Fatal logs a startup failure and exits.
func Fatal(logger logx.Logger, event string, msg string, err error) {
	logger.Error(context.Background(), event, msg,
		slog.String("error_code", "FAILED_PRECONDITION"),
		logx.Err(err),
	)
	os.Exit(1)
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(logger logx.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Infra holds the shared connections of one process.
type Infra struct {
	Pool   *pgxpool.Pool
	Store  *repos.Postgres
	Redis  *cachex.Redis
	Cache  *cachex.Cache
	Influx *influxx.Client
}

// OpenInfra connects Postgres (applying the schema), the Redis cache and
// lock when REDIS_ADDR is set, and InfluxDB when configured. Without Redis
// the cache is process-local.
func OpenInfra(ctx context.Context, cfg config.Config, logger logx.Logger) (*Infra, error) {
	pool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := repos.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	infra := &Infra{Pool: pool}

	var locker lockx.Locker
	if cfg.RedisAddr != "" {
		rdb, err := cachex.NewRedis(cfg)
		if err != nil {
			pool.Close()
			return nil, err
		}
		infra.Redis = rdb
		infra.Cache = cachex.New(rdb)
		locker = lockx.NewRedisLocker(rdb.Client(), time.Duration(cfg.AssetLockTTLSec)*time.Second)
	} else {
		logger.Warn(ctx, "cache_local", "REDIS_ADDR not set, using process-local cache and locks")
		infra.Cache = cachex.New(cachex.NewMemory())
	}
	infra.Store = repos.NewPostgres(pool, locker)

	if cfg.InfluxURL != "" {
		client, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(ctx, "influx_disabled", "damage series disabled", logx.Err(err))
		} else {
			infra.Influx = client
		}
	}
	return infra, nil
}

func (i *Infra) Close() {
	if i.Influx != nil {
		i.Influx.Close()
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	i.Pool.Close()
}

// Services are the domain services shared by the HTTP surface and the chain.
type Services struct {
	Assets *assets.Service
	RUL    *rul.Service
	Alerts *alerting.Engine
}

func NewServices(cfg config.Config, infra *Infra, logger logx.Logger) Services {
	return Services{
		Assets: assets.NewService(infra.Store, infra.Cache, time.Duration(cfg.MetadataCacheTTLSec)*time.Second, logger),
		RUL:    rul.NewService(infra.Store, infra.Cache, time.Duration(cfg.RULCacheTTLSec)*time.Second, logger),
		Alerts: alerting.NewEngine(infra.Store, logger),
	}
}

// NewNotifier builds the delivery dispatcher. hub is nil in processes that
// hold no websocket connections; email and webhook channels follow the config.
func NewNotifier(cfg config.Config, infra *Infra, hub *wshub.Hub, logger logx.Logger) *notify.Dispatcher {
	var ws notify.Broadcaster
	if hub != nil {
		ws = hub
	}
	var email notify.EmailSender
	if sender, err := notify.NewSMTPSender(cfg); err == nil {
		email = sender
	} else {
		logger.Info(context.Background(), "email_disabled", "email channel disabled", logx.Err(err))
	}
	attemptTimeout := time.Duration(cfg.NotifyAttemptTimeoutMS) * time.Millisecond
	return notify.NewDispatcher(infra.Store, infra.Cache, ws, email, notify.NewWebhookClient(attemptTimeout), notify.Config{
		Cooldown:        time.Duration(cfg.NotifyCooldownSec) * time.Second,
		AttemptTimeout:  attemptTimeout,
		BaseDelay:       time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		EmailAttempts:   cfg.EmailMaxAttempts,
		WebhookAttempts: cfg.WebhookMaxAttempts,
	}, logger)
}

// NewChainRouter registers the chain stages, plus notification delivery when
// notifier is non-nil.
func NewChainRouter(infra *Infra, svc Services, notifier pipeline.Notifier, logger logx.Logger) *pipeline.Router {
	stages := &pipeline.Stages{
		Store:    infra.Store,
		Assets:   svc.Assets,
		RUL:      svc.RUL,
		Alerts:   svc.Alerts,
		Notifier: notifier,
		Log:      logger,
	}
	if infra.Influx != nil {
		stages.Series = infra.Influx
	}
	router := pipeline.NewRouter(logger)
	stages.Register(router)
	return router
}

// ServeOps exposes /healthz and /metrics for the worker binaries until ctx
// is cancelled.
func ServeOps(ctx context.Context, cfg config.Config, logger logx.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": cfg.ServiceName})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           httpx.Chain(mux, httpx.WithRequestID, httpx.WithRecover(logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "ops_server_failed", "ops server failed", logx.Err(err))
		}
	}()
}
