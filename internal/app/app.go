package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/UTKARSH698/CloudFlow/internal/health"
	"github.com/UTKARSH698/CloudFlow/internal/service/idempotency"
	"github.com/UTKARSH698/CloudFlow/internal/version"
)

// Config описывает настройки запуска ядра.
type Config struct {
	MetricsAddr   string
	PostgresDSN   string
	KafkaBrokers  []string
	SagaWorkers   int
	SagaQueueSize int
}

// DefaultConfig возвращает дев-умолчания: in-memory store, без Kafka.
func DefaultConfig() Config {
	return Config{
		MetricsAddr:   ":9090",
		SagaWorkers:   4,
		SagaQueueSize: 100,
	}
}

// Run собирает граф сервисов и держит его до отмены ctx: пул саг, диспетчер
// уведомлений, воркер очистки TTL-записей и HTTP-сервер метрик и health.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(logger)

	deps.Pool.Start(ctx)
	deps.Dispatcher.Start(ctx)

	cleanup := idempotency.NewCleanupWorker(deps.Reaper)
	go cleanup.Run(ctx)

	healthHandler := healthcheck.NewHandler(version.String())
	healthHandler.RegisterChecker("record_store",
		healthcheck.NewRecordStoreChecker(deps.Pinger, 2*time.Second))

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping workers")

	deps.Pool.Stop()
	deps.Dispatcher.Stop()
	shutdownHTTP(metricsSrv, logger)

	return ctx.Err()
}

// startMetricsServer поднимает /metrics и health-эндпоинты.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
