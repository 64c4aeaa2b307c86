package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"predictive-maintenance-core/core/internal/app"
	"predictive-maintenance-core/core/internal/outbox"
	"predictive-maintenance-core/core/internal/pipeline"
	"predictive-maintenance-core/core/internal/wshub"
	"predictive-maintenance-core/shared/authx"
	"predictive-maintenance-core/shared/config"
	"predictive-maintenance-core/shared/dbx"
	"predictive-maintenance-core/shared/httpx"
	"predictive-maintenance-core/shared/logx"
	"predictive-maintenance-core/shared/metricsx"
	"predictive-maintenance-core/shared/mqx"
)

type statusResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Env       string `json:"env,omitempty"`
	Version   string `json:"version,omitempty"`
	ChainMode string `json:"chain_mode,omitempty"`
}

func main() {
	cfg, logger, stopTracing := app.Boot("core", 8081, app.RequireDatabase, requireKafkaForMode)
	defer stopTracing()
	version := strings.TrimSpace(os.Getenv("VERSION"))
	metricsx.Register()

	ctx, cancel := app.SignalContext(logger)
	defer cancel()

	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		app.Fatal(logger, "infra_init_failed", "infrastructure init failed", err)
	}
	defer infra.Close()

	hub := wshub.New(logger)
	defer hub.Close()
	notifier := app.NewNotifier(cfg, infra, hub, logger)

	var verifier authx.Verifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			app.Fatal(logger, "auth_init_failed", "failed to initialize JWT verifier", err)
		}
		verifier = v
	} else {
		logger.Warn(ctx, "ws_auth_disabled", "OIDC not configured, websocket tokens are not checked")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbx.Ping(r.Context(), infra.Pool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable", map[string]any{"problem": "db_ping_failed"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:    "ready",
			Service:   cfg.ServiceName,
			Env:       cfg.Env,
			Version:   version,
			ChainMode: cfg.ChainMode,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.Handle("GET /ws/{tenant_id}/{user_id}", httpx.Chain(&wshub.Handler{
		Hub:            hub,
		Verifier:       verifier,
		AllowedOrigins: cfg.WSAllowedOrigins,
		Log:            logger,
	}, httpx.WithRateLimit(httpx.NewRateLimiter(cfg.WSConnectRPS, cfg.WSConnectBurst, 0))))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		metricsx.Instrument,
		httpx.WithRequestLog(logger, "/healthz", "/metrics"),
	)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http")
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.String("chain_mode", cfg.ChainMode),
			slog.String("log_level", cfg.LogLevel),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	switch cfg.ChainMode {
	case config.ChainModeInProcess:
		router := app.NewChainRouter(infra, app.NewServices(cfg, infra, logger), notifier, logger)
		dispatcher := outbox.NewDispatcher(infra.Store, pipeline.LocalPublisher{Router: router}, outbox.Config{
			Owner:        cfg.ServiceName + "-" + strconv.Itoa(os.Getpid()),
			BatchSize:    cfg.OutboxBatchSize,
			PollInterval: time.Duration(cfg.OutboxPollMS) * time.Millisecond,
			Lease:        time.Duration(cfg.OutboxLeaseSec) * time.Second,
			MaxAttempts:  cfg.OutboxMaxAttempts,
		}, logger)
		g.Go(func() error { return dispatcher.Run(gctx) })
	case config.ChainModeKafka:
		// The chain runs in the consumer binary; delivery stays here because
		// this process holds the websocket connections.
		router := pipeline.NewRouter(logger)
		pipeline.RegisterNotifier(router, notifier)
		reader, err := mqx.NewConsumer(cfg, router.Topics(), cfg.KafkaGroupID+"-notify")
		if err != nil {
			app.Fatal(logger, "kafka_init_failed", "kafka consumer init failed", err)
		}
		defer reader.Close()
		consumer := &pipeline.Consumer{
			Reader:      reader,
			Router:      router,
			Outbox:      infra.Store,
			MaxAttempts: cfg.ConsumerMaxAttempts,
			BaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
			Log:         logger,
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "service_failed", "service failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func requireKafkaForMode(cfg config.Config) []config.Problem {
	if cfg.ChainMode != config.ChainModeKafka {
		return nil
	}
	return app.RequireKafka(cfg)
}
