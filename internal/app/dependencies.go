package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/messaging/kafka"
	"github.com/UTKARSH698/CloudFlow/internal/service/breaker"
	"github.com/UTKARSH698/CloudFlow/internal/service/eventlog"
	"github.com/UTKARSH698/CloudFlow/internal/service/idempotency"
	"github.com/UTKARSH698/CloudFlow/internal/service/inventory"
	"github.com/UTKARSH698/CloudFlow/internal/service/notify"
	"github.com/UTKARSH698/CloudFlow/internal/service/order"
	"github.com/UTKARSH698/CloudFlow/internal/service/payment"
	"github.com/UTKARSH698/CloudFlow/internal/service/saga"
	"github.com/UTKARSH698/CloudFlow/internal/storage"
	"github.com/UTKARSH698/CloudFlow/internal/storage/memory"
	"github.com/UTKARSH698/CloudFlow/internal/storage/postgres"
)

// Dependencies — собранный граф сервисов ядра.
type Dependencies struct {
	Store        storage.RecordStore
	Pinger       storage.Pinger
	Reaper       idempotency.ExpiredReaper
	EventLog     *eventlog.Log
	Ledger       *idempotency.Ledger
	Breakers     *breaker.Registry
	Inventory    *inventory.Engine
	Payments     *payment.Client
	Dispatcher   *notify.Dispatcher
	Orchestrator *saga.Orchestrator
	Pool         *saga.Pool
	Orders       *order.Service

	kafkaProducer *kafka.Producer
	pg            *postgres.Store
}

// buildDependencies собирает граф сервисов по конфигурации: PostgreSQL при
// заданном DSN, иначе in-memory store; Kafka при заданных брокерах, иначе
// уведомления уходят в лог.
func buildDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	deps := &Dependencies{}

	if cfg.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		recordStore := postgres.NewRecordStore(pg)
		deps.pg = pg
		deps.Store = recordStore
		deps.Pinger = recordStore
		deps.Reaper = recordStore
		logger.Info("using postgres record store")
	} else {
		memStore := memory.NewStore()
		deps.Store = memStore
		deps.Pinger = memStore
		deps.Reaper = memStore
		logger.Info("using in-memory record store")
	}

	var publisher domain.NotificationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			logger.WithError(err).Warn("failed to create kafka producer, notifications go to the log")
			publisher = logPublisher{logger: logger}
		} else {
			deps.kafkaProducer = producer
			publisher = producer
			logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
		}
	} else {
		publisher = logPublisher{logger: logger}
	}

	deps.Ledger = idempotency.NewLedger(deps.Store)
	deps.Breakers = breaker.NewRegistry(deps.Store)
	deps.Inventory = inventory.NewEngine(deps.Store, deps.Ledger)
	deps.Payments = payment.NewClient(deps.Store, deps.Breakers, payment.NewStubProvider())
	var logOptions []eventlog.Option
	if deps.kafkaProducer != nil {
		// Зеркало событий заказов живет только при реальном брокере.
		logOptions = append(logOptions, eventlog.WithPublisher(deps.kafkaProducer))
	}
	deps.EventLog = eventlog.NewLog(deps.Store, logOptions...)
	deps.Dispatcher = notify.NewDispatcher(deps.Store, publisher)
	deps.Orchestrator = saga.NewOrchestrator(
		deps.EventLog,
		deps.Inventory,
		deps.Payments,
		deps.Ledger,
		deps.Dispatcher,
	)
	deps.Pool = saga.NewPool(deps.Orchestrator,
		saga.WithWorkers(cfg.SagaWorkers),
		saga.WithQueueSize(cfg.SagaQueueSize),
	)
	deps.Orders = order.NewService(deps.EventLog, deps.Pool)

	return deps, nil
}

// Close освобождает внешние ресурсы графа.
func (d *Dependencies) Close(logger *log.Entry) {
	if d.kafkaProducer != nil {
		if err := d.kafkaProducer.Close(); err != nil {
			logger.WithError(err).Warn("failed to close kafka producer")
		} else {
			logger.Info("kafka producer closed")
		}
	}
	if d.pg != nil {
		if err := d.pg.Close(); err != nil {
			logger.WithError(err).Warn("failed to close postgres connection")
		}
	}
}

// logPublisher — дев-заглушка очереди уведомлений: пишет их в лог.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(_ context.Context, n domain.Notification) error {
	p.logger.WithFields(log.Fields{
		"type":           string(n.Type),
		"order_id":       n.OrderID,
		"customer_id":    n.CustomerID,
		"correlation_id": n.CorrelationID,
	}).Info("notification published to log")
	return nil
}

var _ domain.NotificationPublisher = logPublisher{}
