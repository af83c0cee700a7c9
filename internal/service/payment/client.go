package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/service/breaker"
	"github.com/UTKARSH698/CloudFlow/internal/storage"
)

const (
	keyPrefix = "pay#"

	// BreakerName — имя зависимости в реестре circuit breaker-ов.
	BreakerName = "payment_provider"
)

// Options задает параметры платежного клиента.
type Options struct {
	Logger *log.Entry
	Clock  func() time.Time
}

// Option настраивает Client.
type Option func(*Options)

// WithLogger задает logger клиента.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Client оборачивает внешнего платежного провайдера: вызовы проходят через
// circuit breaker, успешные списания фиксируются записью в record store.
// Идемпотентность самого списания обеспечивает IdempotencyKey, который
// провайдер обязан учитывать на своей стороне.
type Client struct {
	store    storage.RecordStore
	breakers *breaker.Registry
	provider domain.PaymentProvider
	logger   *log.Entry
	now      func() time.Time
}

// NewClient создает платежный клиент.
func NewClient(store storage.RecordStore, breakers *breaker.Registry, provider domain.PaymentProvider, options ...Option) *Client {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-client")
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Client{
		store:    store,
		breakers: breakers,
		provider: provider,
		logger:   logger,
		now:      now,
	}
}

// Charge списывает средства за заказ. CIRCUIT_OPEN и транзиентные сбои
// возвращаются как есть; decline провайдера — как PaymentDeclinedError.
// Успешный платеж персистится и возвращается с собственным ID.
func (c *Client) Charge(ctx context.Context, req domain.ChargeRequest) (domain.Payment, error) {
	if req.Currency == "" {
		req.Currency = domain.DefaultCurrency
	}

	var result domain.ChargeResult
	err := c.breakers.Call(ctx, BreakerName, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.provider.Charge(ctx, req)
		return callErr
	})
	if err != nil {
		return domain.Payment{}, err
	}

	if result.Status == domain.PaymentStatusDeclined {
		c.logger.WithFields(log.Fields{
			"order_id":       req.OrderID,
			"correlation_id": req.CorrelationID,
			"reason":         result.DeclineReason,
		}).Info("payment declined by provider")
		return domain.Payment{}, &domain.PaymentDeclinedError{Reason: result.DeclineReason}
	}

	now := c.now()
	pay := domain.Payment{
		ID:               uuid.NewString(),
		OrderID:          req.OrderID,
		CustomerID:       req.CustomerID,
		ProviderChargeID: result.ProviderChargeID,
		Status:           domain.PaymentStatusCaptured,
		AmountMinor:      req.AmountMinor,
		Currency:         req.Currency,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if _, err := c.store.PutIfAbsent(ctx, storage.Record{
		Key: keyPrefix + pay.ID,
		Doc: marshalPayment(pay),
	}, 0); err != nil {
		// Деньги уже списаны: запись обязана появиться, иначе refund
		// при компенсации не найдет provider_charge_id.
		return domain.Payment{}, fmt.Errorf("%w: persist payment %s: %v", domain.ErrUnavailable, pay.ID, err)
	}

	c.logger.WithFields(log.Fields{
		"order_id":       req.OrderID,
		"payment_id":     pay.ID,
		"correlation_id": req.CorrelationID,
		"amount_minor":   pay.AmountMinor,
	}).Info("payment captured")
	return pay, nil
}

// Refund возвращает средства по ранее захваченному платежу. Идемпотентен:
// повторный refund уже возвращенного платежа — успех без эффекта. Breaker
// не опрашивается: компенсация обязана пройти, как только провайдер ожил.
func (c *Client) Refund(ctx context.Context, paymentID, correlationID string) error {
	key := keyPrefix + paymentID

	rec, err := c.store.Get(ctx, key, storage.Strong)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: payment %s not found for refund", domain.ErrInternal, paymentID)
	}
	if err != nil {
		return fmt.Errorf("read payment %s: %w", paymentID, err)
	}

	pay := unmarshalPayment(rec.Doc)
	pay.ID = paymentID
	if pay.Status == domain.PaymentStatusRefunded {
		return nil
	}

	err = c.provider.Refund(ctx, domain.RefundRequest{
		IdempotencyKey:   "refund:" + paymentID,
		OrderID:          pay.OrderID,
		ProviderChargeID: pay.ProviderChargeID,
		AmountMinor:      pay.AmountMinor,
		CorrelationID:    correlationID,
	})
	c.breakers.Record(ctx, BreakerName, err == nil || !domain.Retryable(err))
	if err != nil {
		return fmt.Errorf("refund payment %s: %w", paymentID, err)
	}

	pay.Status = domain.PaymentStatusRefunded
	pay.UpdatedAt = c.now()
	if _, casErr := c.store.CompareAndSet(ctx, key, rec.Version, storage.Record{
		Doc: marshalPayment(pay),
	}); casErr != nil {
		if errors.Is(casErr, storage.ErrVersionMismatch) {
			// Конкурентный refund уже отметил платеж: у провайдера вызов
			// идемпотентен по ключу, эффект один.
			return nil
		}
		return fmt.Errorf("mark payment %s refunded: %w", paymentID, casErr)
	}

	c.logger.WithFields(log.Fields{
		"order_id":       pay.OrderID,
		"payment_id":     paymentID,
		"correlation_id": correlationID,
		"amount_minor":   pay.AmountMinor,
	}).Info("payment refunded")
	return nil
}

// Payment возвращает персистированную запись платежа.
func (c *Client) Payment(ctx context.Context, paymentID string) (domain.Payment, error) {
	rec, err := c.store.Get(ctx, keyPrefix+paymentID, storage.Strong)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("read payment %s: %w", paymentID, err)
	}

	pay := unmarshalPayment(rec.Doc)
	pay.ID = paymentID
	return pay, nil
}

func marshalPayment(pay domain.Payment) map[string]any {
	return map[string]any{
		"order_id":           pay.OrderID,
		"customer_id":        pay.CustomerID,
		"provider_charge_id": pay.ProviderChargeID,
		"status":             string(pay.Status),
		"amount_minor":       pay.AmountMinor,
		"currency":           pay.Currency,
		"created_at":         pay.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         pay.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func unmarshalPayment(doc map[string]any) domain.Payment {
	return domain.Payment{
		OrderID:          docString(doc, "order_id"),
		CustomerID:       docString(doc, "customer_id"),
		ProviderChargeID: docString(doc, "provider_charge_id"),
		Status:           domain.PaymentStatus(docString(doc, "status")),
		AmountMinor:      docInt(doc, "amount_minor"),
		Currency:         docString(doc, "currency"),
		CreatedAt:        docTime(doc, "created_at"),
		UpdatedAt:        docTime(doc, "updated_at"),
	}
}

func docString(doc map[string]any, key string) string {
	if doc == nil {
		return ""
	}
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func docInt(doc map[string]any, key string) int64 {
	if doc == nil {
		return 0
	}
	switch v := doc[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func docTime(doc map[string]any, key string) time.Time {
	raw := docString(doc, key)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
