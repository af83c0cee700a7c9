package domain

import (
	"context"
	"time"
)

// DefaultCurrency — единственная поддерживаемая валюта ядра.
const DefaultCurrency = "USD"

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	// PaymentStatusCaptured — деньги списаны в пользу мерчанта.
	PaymentStatusCaptured PaymentStatus = "CAPTURED"
	// PaymentStatusDeclined — провайдер отклонил платёж (бизнес-ошибка).
	PaymentStatusDeclined PaymentStatus = "DECLINED"
	// PaymentStatusRefunded — деньги возвращены клиенту при компенсации.
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// Payment описывает платёж, связанный с заказом. Для успешной саги
// существует ровно одна captured-запись на заказ.
type Payment struct {
	ID               string
	OrderID          string
	CustomerID       string
	ProviderChargeID string
	Status           PaymentStatus
	AmountMinor      int64
	Currency         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ChargeRequest — запрос на списание средств у внешнего провайдера.
type ChargeRequest struct {
	// IdempotencyKey передаётся провайдеру, чтобы повтор вызова не удвоил списание.
	IdempotencyKey string
	OrderID        string
	CustomerID     string
	AmountMinor    int64
	Currency       string
	CorrelationID  string
}

// ChargeResult — исход обращения к провайдеру. Транзиентные сбои сети
// возвращаются как ошибка, а не как результат.
type ChargeResult struct {
	Status           PaymentStatus
	ProviderChargeID string
	DeclineReason    string
}

// RefundRequest — запрос на возврат средств (компенсация).
type RefundRequest struct {
	IdempotencyKey   string
	OrderID          string
	ProviderChargeID string
	AmountMinor      int64
	CorrelationID    string
}

// PaymentProvider описывает внешний платёжный шлюз.
// Транзиентные сбои возвращаются как ErrUnavailable, decline — как результат.
type PaymentProvider interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) error
}
