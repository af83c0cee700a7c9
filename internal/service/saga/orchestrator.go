package saga

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/metrics"
	"github.com/UTKARSH698/CloudFlow/internal/service/eventlog"
	"github.com/UTKARSH698/CloudFlow/internal/service/idempotency"
	"github.com/UTKARSH698/CloudFlow/internal/service/inventory"
	"github.com/UTKARSH698/CloudFlow/internal/service/payment"
)

const (
	// Причины терминальных исходов, видимые в GetOrder.
	ReasonInsufficientStock   = "INSUFFICIENT_STOCK"
	ReasonPaymentDeclined     = "PAYMENT_DECLINED"
	ReasonProviderUnavailable = "PAYMENT_PROVIDER_UNAVAILABLE"

	// Бэкофф компенсационного release/refund: повторы не ограничены,
	// пауза растет до потолка; финальный предохранитель — TTL резерва.
	releaseBaseDelay = 100 * time.Millisecond
	releaseMaxDelay  = 5 * time.Second
)

// errYield — конкурентный воркер уже продвинул сагу этого заказа; текущий
// запуск завершается молча, все выполненные эффекты идемпотентны.
var errYield = errors.New("saga yielded to a concurrent worker")

// Notifier ставит терминальное уведомление в очередь на доставку.
type Notifier interface {
	Enqueue(ctx context.Context, n domain.Notification) error
}

// Options задает параметры оркестратора.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.SagaMetrics
	Policies map[Step]StepPolicy
}

// Option настраивает Orchestrator.
type Option func(*Options)

// WithLogger задает logger оркестратора.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задает метрики; nil отключает их (для тестов).
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithPolicies задает бюджеты шагов.
func WithPolicies(policies map[Step]StepPolicy) Option {
	return func(opts *Options) {
		opts.Policies = policies
	}
}

// Orchestrator гоняет сагу заказа: reserve → charge → confirm с компенсацией
// незавершенных шагов. Вся координация между воркерами идет через record
// store; оркестратор не держит состояния в памяти и может быть перезапущен
// на любом статусе заказа — Run продолжает с места, которое видно в summary.
type Orchestrator struct {
	eventLog  *eventlog.Log
	inventory *inventory.Engine
	payments  *payment.Client
	ledger    *idempotency.Ledger
	notifier  Notifier
	logger    *log.Entry
	metrics   *metrics.SagaMetrics
	policies  map[Step]StepPolicy
}

// NewOrchestrator создает рабочий экземпляр оркестратора.
func NewOrchestrator(
	eventLog *eventlog.Log,
	inv *inventory.Engine,
	payments *payment.Client,
	ledger *idempotency.Ledger,
	notifier Notifier,
	options ...Option,
) *Orchestrator {
	opts := Options{
		Metrics:  metrics.NewSagaMetrics(),
		Policies: DefaultPolicies(),
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "saga-orchestrator")
	}
	if opts.Policies == nil {
		opts.Policies = DefaultPolicies()
	}

	return &Orchestrator{
		eventLog:  eventLog,
		inventory: inv,
		payments:  payments,
		ledger:    ledger,
		notifier:  notifier,
		logger:    logger,
		metrics:   opts.Metrics,
		policies:  opts.Policies,
	}
}

// Run выполняет (или возобновляет) сагу заказа до терминального статуса.
// Метод идемпотентен: повторный запуск на терминальном заказе — no-op,
// запуск на промежуточном статусе продолжает с него.
func (o *Orchestrator) Run(ctx context.Context, orderID string) {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.RecordSagaStarted()
		defer func() {
			o.metrics.RecordSagaFinished()
			o.metrics.RecordSagaDuration(time.Since(start))
		}()
	}

	order, err := o.eventLog.Current(ctx, orderID, true)
	if err != nil {
		o.logger.WithError(err).WithField("order_id", orderID).Warn("order not found for saga")
		return
	}

	logger := o.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"correlation_id": order.CorrelationID,
	})

	if order.Status == domain.OrderStatusPending {
		next, err := o.stepReserve(ctx, logger, order)
		if err != nil {
			if !errors.Is(err, errYield) {
				o.failOrder(ctx, logger, order, err)
			}
			return
		}
		order = next
	}

	if order.Status == domain.OrderStatusStockReserved {
		next, err := o.stepCharge(ctx, logger, order)
		if err != nil {
			if errors.Is(err, errYield) || errors.Is(err, domain.ErrInProgress) {
				return
			}
			compensating, beginErr := o.beginCompensation(ctx, logger, order, err)
			if beginErr != nil {
				return
			}
			order = compensating
		} else {
			order = next
		}
	}

	if order.Status == domain.OrderStatusPaymentCharged {
		next, err := o.stepConfirm(ctx, logger, order)
		if err != nil {
			return
		}
		order = next
	}

	if order.Status == domain.OrderStatusCompensating {
		o.compensate(ctx, logger, order)
		return
	}

	if order.Status.Terminal() {
		logger.WithField("status", string(order.Status)).Debug("order already terminal, skipping saga")
	}
}

// stepReserve резервирует все позиции заказа. Идемпотентность обеспечивает
// ledger внутри движка инвентаря: повтор возвращает те же reservation_id.
func (o *Orchestrator) stepReserve(ctx context.Context, logger *log.Entry, order domain.Order) (domain.Order, error) {
	start := time.Now()

	var reservationIDs []string
	err := executeWithPolicy(ctx, logger, StepReserve, o.policies[StepReserve], func(ctx context.Context) error {
		var stepErr error
		reservationIDs, stepErr = o.inventory.Reserve(ctx, order.ID, order.ID, order.Items)
		return stepErr
	})
	o.recordStep(StepReserve, err, time.Since(start))
	if err != nil {
		if errors.Is(err, domain.ErrInProgress) {
			// Конкурентный воркер держит идемпотентный ключ шага — уступаем.
			return domain.Order{}, errYield
		}
		logger.WithError(err).Warn("reserve step failed")
		return domain.Order{}, err
	}

	next, tErr := o.eventLog.Transition(ctx, order.ID, domain.EventStockReserved, map[string]any{
		"reservation_ids": reservationIDs,
	}, func(ord *domain.Order) {
		ord.ReservationIDs = reservationIDs
	})
	if tErr != nil {
		return o.yield(logger, next, tErr, domain.OrderStatusStockReserved)
	}

	logger.WithField("reservations", len(reservationIDs)).Info("stock reserved")
	return next, nil
}

// stepCharge списывает оплату через circuit breaker и идемпотентный ledger:
// ровно одно обращение к провайдеру на заказ, что бы ни случилось с воркером.
func (o *Orchestrator) stepCharge(ctx context.Context, logger *log.Entry, order domain.Order) (domain.Order, error) {
	start := time.Now()

	result, err := o.ledger.Run(ctx, "saga:"+order.ID+":charge", func(ctx context.Context) (map[string]any, error) {
		var pay domain.Payment
		chargeErr := executeWithPolicy(ctx, logger, StepCharge, o.policies[StepCharge], func(ctx context.Context) error {
			var callErr error
			pay, callErr = o.payments.Charge(ctx, domain.ChargeRequest{
				IdempotencyKey: "charge:" + order.ID,
				OrderID:        order.ID,
				CustomerID:     order.CustomerID,
				AmountMinor:    order.TotalMinor,
				Currency:       domain.DefaultCurrency,
				CorrelationID:  order.CorrelationID,
			})
			return callErr
		})
		if chargeErr != nil {
			return nil, chargeErr
		}
		return map[string]any{"payment_id": pay.ID}, nil
	})
	o.recordStep(StepCharge, err, time.Since(start))
	if err != nil {
		logger.WithError(err).Warn("charge step failed")
		return domain.Order{}, err
	}

	paymentID, _ := result["payment_id"].(string)
	next, tErr := o.eventLog.Transition(ctx, order.ID, domain.EventPaymentCharged, map[string]any{
		"payment_id": paymentID,
	}, func(ord *domain.Order) {
		ord.PaymentID = paymentID
	})
	if tErr != nil {
		return o.yield(logger, next, tErr, domain.OrderStatusPaymentCharged)
	}

	logger.WithField("payment_id", paymentID).Info("payment charged")
	return next, nil
}

// stepConfirm закрывает резервы и фиксирует успех саги. Исчерпанный бюджет
// транзиентных повторов оставляет заказ в PAYMENT_CHARGED — следующий запуск
// повторит подтверждение, все эффекты шага идемпотентны. Неретраябельная
// ошибка означает мертвый форвард-путь при уже списанных деньгах: заказ
// уходит в компенсацию, refund обязателен.
func (o *Orchestrator) stepConfirm(ctx context.Context, logger *log.Entry, order domain.Order) (domain.Order, error) {
	start := time.Now()

	confirmed := order
	err := executeWithPolicy(ctx, logger, StepConfirm, o.policies[StepConfirm], func(ctx context.Context) error {
		for _, reservationID := range order.ReservationIDs {
			if err := o.inventory.Consume(ctx, reservationID); err != nil {
				return err
			}
		}

		next, tErr := o.eventLog.Transition(ctx, order.ID, domain.EventOrderConfirmed, nil, nil)
		if tErr != nil && next.Status != domain.OrderStatusConfirmed {
			return tErr
		}
		confirmed = next
		return nil
	})
	o.recordStep(StepConfirm, err, time.Since(start))
	if err != nil {
		if domain.Retryable(err) {
			logger.WithError(err).Warn("confirm step exhausted retries, order left in PAYMENT_CHARGED for resume")
			return domain.Order{}, err
		}
		logger.WithError(err).Error("confirm step failed, compensating captured payment")
		return o.beginCompensation(ctx, logger, order, err)
	}

	o.enqueueNotification(ctx, logger, order, domain.NotificationOrderConfirmed)
	if o.metrics != nil {
		o.metrics.RecordSagaConfirmed()
	}
	logger.Info("saga completed, order confirmed")
	return confirmed, nil
}

// failOrder закрывает сагу без компенсации: ни один шаг не оставил следа.
func (o *Orchestrator) failOrder(ctx context.Context, logger *log.Entry, order domain.Order, rootErr error) {
	reason := string(domain.Kind(rootErr))

	payload := map[string]any{
		"reason": reason,
		"error":  rootErr.Error(),
	}
	for k, v := range domain.Details(rootErr) {
		payload[k] = v
	}

	if _, tErr := o.eventLog.Transition(ctx, order.ID, domain.EventOrderFailed, payload, func(ord *domain.Order) {
		ord.Reason = reason
	}); tErr != nil && !errors.Is(tErr, domain.ErrConflict) && !errors.Is(tErr, domain.ErrOrderTerminal) {
		logger.WithError(tErr).Error("failed to mark order FAILED")
		return
	}

	if o.metrics != nil {
		o.metrics.RecordSagaFailed()
	}
	logger.WithField("reason", reason).Info("saga failed without side effects")
}

// beginCompensation фиксирует провал форвард-пути и переводит заказ в
// COMPENSATING: после провала charge или неретраябельного провала confirm.
func (o *Orchestrator) beginCompensation(ctx context.Context, logger *log.Entry, order domain.Order, rootErr error) (domain.Order, error) {
	reason := compensationReason(rootErr)

	payload := map[string]any{
		"reason": reason,
		"error":  rootErr.Error(),
	}
	for k, v := range domain.Details(rootErr) {
		payload[k] = v
	}

	next, tErr := o.eventLog.Transition(ctx, order.ID, domain.EventPaymentFailed, payload, func(ord *domain.Order) {
		ord.Reason = reason
	})
	if tErr != nil {
		if next.Status == domain.OrderStatusCompensating {
			return next, nil
		}
		logger.WithError(tErr).Warn("payment failure transition lost")
		return domain.Order{}, errYield
	}

	logger.WithField("reason", reason).Warn("payment failed, starting compensation")
	return next, nil
}

// compensate раскручивает завершенные шаги в обратном порядке: refund
// захваченного платежа, release всех резервов, терминальный COMPENSATED.
// Release обязан завершиться — гарантия "нет удержанного товара без оплаты"
// держится на нем, поэтому повторы не ограничены.
func (o *Orchestrator) compensate(ctx context.Context, logger *log.Entry, order domain.Order) {
	if order.PaymentID != "" {
		if err := o.withUnlimitedRetry(ctx, logger, "refund", func(ctx context.Context) error {
			return o.payments.Refund(ctx, order.PaymentID, order.CorrelationID)
		}); err != nil {
			logger.WithError(err).Error("refund did not complete, compensation aborted for retry")
			return
		}
	}

	released, err := o.stockAlreadyReleased(ctx, order.ID)
	if err != nil {
		logger.WithError(err).Warn("failed to read history during compensation")
		return
	}

	if !released {
		for _, reservationID := range order.ReservationIDs {
			reservationID := reservationID
			if err := o.withUnlimitedRetry(ctx, logger, "release", func(ctx context.Context) error {
				return o.inventory.Release(ctx, reservationID)
			}); err != nil {
				logger.WithError(err).Error("release did not complete, reservation ttl is the backstop")
				return
			}
		}

		next, tErr := o.eventLog.Transition(ctx, order.ID, domain.EventStockReleased, map[string]any{
			"reservation_ids": order.ReservationIDs,
		}, nil)
		if tErr != nil && next.Status != domain.OrderStatusCompensating {
			logger.WithError(tErr).Warn("stock release transition lost")
			return
		}
	}

	next, tErr := o.eventLog.Transition(ctx, order.ID, domain.EventOrderCompensated, map[string]any{
		"reason": order.Reason,
	}, nil)
	if tErr != nil {
		if next.Status != domain.OrderStatusCompensated {
			logger.WithError(tErr).Warn("compensated transition lost")
		}
		return
	}

	o.enqueueNotification(ctx, logger, next, domain.NotificationOrderCompensated)
	if o.metrics != nil {
		o.metrics.RecordSagaCompensated()
	}
	logger.WithField("reason", order.Reason).Info("saga compensated")
}

// stockAlreadyReleased определяет по истории, выполнен ли уже release:
// компенсация может возобновляться после падения воркера на любом шаге.
func (o *Orchestrator) stockAlreadyReleased(ctx context.Context, orderID string) (bool, error) {
	events, err := o.eventLog.History(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, event := range events {
		if event.Type == domain.EventStockReleased {
			return true, nil
		}
	}
	return false, nil
}

// withUnlimitedRetry повторяет операцию до успеха или отмены контекста.
func (o *Orchestrator) withUnlimitedRetry(ctx context.Context, logger *log.Entry, operation string, fn func(ctx context.Context) error) error {
	delay := releaseBaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !domain.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
			"error":     err.Error(),
		}).Warn("compensation operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > releaseMaxDelay {
			delay = releaseMaxDelay
		}
	}
}

func (o *Orchestrator) enqueueNotification(ctx context.Context, logger *log.Entry, order domain.Order, ntype domain.NotificationType) {
	if o.notifier == nil {
		return
	}

	err := o.notifier.Enqueue(ctx, domain.Notification{
		Type:          ntype,
		OrderID:       order.ID,
		CorrelationID: order.CorrelationID,
		CustomerID:    order.CustomerID,
	})
	if err != nil {
		logger.WithError(err).WithField("type", string(ntype)).
			Warn("failed to enqueue terminal notification")
		return
	}
	if o.metrics != nil {
		o.metrics.RecordNotification()
	}
}

// yield обрабатывает проигранный переход: если конкурент привел заказ в тот
// же статус, его результат принимается; иначе текущий запуск уступает.
func (o *Orchestrator) yield(logger *log.Entry, current domain.Order, tErr error, wanted domain.OrderStatus) (domain.Order, error) {
	if current.Status == wanted {
		return current, nil
	}
	logger.WithError(tErr).WithField("status", string(current.Status)).
		Debug("transition lost to a concurrent worker")
	return domain.Order{}, errYield
}

func (o *Orchestrator) recordStep(step Step, err error, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.RecordStepDuration(string(step), outcome, elapsed)
}

// compensationReason приводит ошибку шага charge к причине, видимой клиенту.
func compensationReason(err error) string {
	switch domain.Kind(err) {
	case domain.KindPaymentDeclined:
		return ReasonPaymentDeclined
	case domain.KindCircuitOpen, domain.KindUnavailable, domain.KindTimeout:
		return ReasonProviderUnavailable
	default:
		return string(domain.Kind(err))
	}
}
