package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/service/eventlog"
)

// SagaStarter принимает заказ в обработку сагой.
type SagaStarter interface {
	Submit(ctx context.Context, orderID string)
}

// SubmitRequest — входной запрос на создание заказа.
// OrderID опционален: клиент передает его для дедупликации повторных сабмитов.
type SubmitRequest struct {
	OrderID       string
	CustomerID    string
	CorrelationID string
	Items         []domain.OrderItem
}

// SubmitResult — исход приема заказа.
type SubmitResult struct {
	Order domain.Order
	// Duplicate выставлен, если заказ с таким id уже существовал:
	// возвращен его текущий summary, новая сага не запускалась.
	Duplicate bool
}

// StatusResult — summary заказа вместе с полной историей событий.
type StatusResult struct {
	Order  domain.Order
	Events []domain.OrderEvent
}

// Options задает параметры сервиса заказов.
type Options struct {
	Logger *log.Entry
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задает logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// Service — входная точка ядра: валидация заказа, запись ORDER_CREATED и
// передача заказа в пул саг. Сумма заказа считается на сервере из позиций,
// клиентскому значению не доверяем.
type Service struct {
	eventLog *eventlog.Log
	sagas    SagaStarter
	logger   *log.Entry
}

// NewService создает сервис заказов.
func NewService(eventLog *eventlog.Log, sagas SagaStarter, options ...Option) *Service {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-service")
	}

	return &Service{
		eventLog: eventLog,
		sagas:    sagas,
		logger:   logger,
	}
}

// Submit принимает заказ: валидирует позиции, создает историю и ставит сагу
// в очередь. Повторный сабмит с тем же order_id схлопывается в существующий
// заказ без второй саги.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	order := domain.Order{
		ID:            req.OrderID,
		CustomerID:    req.CustomerID,
		CorrelationID: req.CorrelationID,
		Items:         req.Items,
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CorrelationID == "" {
		order.CorrelationID = uuid.NewString()
	}
	for _, item := range order.Items {
		order.TotalMinor += int64(item.Quantity) * item.UnitPriceMinor
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return SubmitResult{}, fmt.Errorf("%w: %w", domain.ErrValidation, errors.Join(errs...))
	}

	created, err := s.eventLog.CreateOrder(ctx, order)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.logger.WithField("order_id", order.ID).Info("duplicate submit collapsed into existing order")
			return SubmitResult{Order: created, Duplicate: true}, nil
		}
		return SubmitResult{}, fmt.Errorf("create order %s: %w", order.ID, err)
	}

	s.logger.WithFields(log.Fields{
		"order_id":       created.ID,
		"correlation_id": created.CorrelationID,
		"total_minor":    created.TotalMinor,
	}).Info("order accepted")

	s.sagas.Submit(ctx, created.ID)
	return SubmitResult{Order: created}, nil
}

// Status возвращает summary и историю заказа. Summary читается eventual —
// для статусного опроса этого достаточно, history читается строго.
func (s *Service) Status(ctx context.Context, orderID string) (StatusResult, error) {
	order, err := s.eventLog.Current(ctx, orderID, false)
	if err != nil {
		return StatusResult{}, err
	}
	events, err := s.eventLog.History(ctx, orderID)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Order: order, Events: events}, nil
}
