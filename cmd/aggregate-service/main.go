// aggregate-service is the HTTP API server that fills aggregate records from
// asynchronous provider jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aggregator/internal/aggregate"
	"aggregator/internal/api"
	"aggregator/internal/config"
	"aggregator/internal/health"
	"aggregator/internal/notify"
	"aggregator/internal/observability"
	"aggregator/internal/provider/fake"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	aggCfg := aggregate.LoadConfigFromEnv()
	aggCfg.MaxSlots = svcCfg.MaxSlots
	notifyCfg := notify.LoadConfigFromEnv()

	// Setup metrics and tracing
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	tracerProvider := observability.NewTracerProvider()
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			slog.Warn("Tracer provider shutdown error", "error", err)
		}
	}()
	tracer := observability.NewTracer(tracerProvider)

	// Open collaborators
	store, err := openStore(ctx, loadStoreConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	prov, err := openProvider(svcCfg.PublicURL)
	if err != nil {
		return err
	}

	objects, err := openStorage(ctx, svcCfg.PublicURL)
	if err != nil {
		return err
	}

	// Create webhook notifier
	notifier := notify.New(notifyCfg, metrics)
	if notifyCfg.Enabled() {
		slog.Info("Webhook notifications enabled", "url", notifyCfg.URL)
	}

	// Create health checker
	healthChecker := health.NewChecker()
	healthChecker.Register("store", store)
	healthChecker.Register("provider", prov, health.Optional())
	healthChecker.Register("storage", objects)

	// Create aggregation service
	svc := aggregate.NewService(aggregate.Deps{
		Store:    store,
		Provider: prov,
		Objects:  objects,
		Notifier: notifier,
		Metrics:  metrics,
		Tracer:   tracer,
	}, aggCfg)

	extra := map[string]http.Handler{}
	if prov.outputs != nil {
		extra["GET "+fake.OutputPath] = prov.outputs
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:         svc,
		Metrics:         metrics,
		Tracer:          tracer,
		HealthChecker:   healthChecker,
		PrincipalHeader: svcCfg.PrincipalHeader,
		APIKey:          svcCfg.APIKey,
		Objects:         objects.handler,
		Extra:           extra,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server. Polls that observe success download and upload the
	// result inline, so the write timeout leaves room for materialization.
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "publicUrl", svcCfg.PublicURL)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight polls
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain webhook notifier
	slog.Info("Draining notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	// Log final notifier stats
	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Nothing is in flight server-side: clients hold their job handles and
	// resume polling against any other instance.
	slog.Info("Shutdown complete")
	return nil
}
