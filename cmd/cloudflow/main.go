package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/app"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if v := os.Getenv("CLOUDFLOW_LOG_LEVEL"); v != "" {
		if level, err := log.ParseLevel(v); err == nil {
			log.SetLevel(level)
		}
	}
}

// readConfig формирует конфигурацию приложения из переменных окружения.
func readConfig() app.Config {
	cfg := app.DefaultConfig()
	if v := os.Getenv("CLOUDFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CLOUDFLOW_PG_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CLOUDFLOW_SAGA_WORKERS"); v != "" {
		if workers, err := strconv.Atoi(v); err == nil && workers > 0 {
			cfg.SagaWorkers = workers
		}
	}
	if v := os.Getenv("CLOUDFLOW_SAGA_QUEUE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			cfg.SagaQueueSize = size
		}
	}
	return cfg
}

func main() {
	setupLogger()
	cfg := readConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"metrics_addr": cfg.MetricsAddr,
		"saga_workers": cfg.SagaWorkers,
		"postgres":     cfg.PostgresDSN != "",
		"kafka":        len(cfg.KafkaBrokers) > 0,
	}).Info("запускаем CloudFlow")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("CloudFlow остановлен")
}
