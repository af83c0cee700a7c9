package domain

import "time"

// OrderStatus описывает жизненный цикл заказа в саге CloudFlow.
type OrderStatus string

const (
	// OrderStatusPending — заказ принят, сага ещё не выполнила ни одного шага.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusStockReserved — товары зарезервированы на складе.
	OrderStatusStockReserved OrderStatus = "STOCK_RESERVED"
	// OrderStatusPaymentCharged — оплата подтверждена платёжным провайдером.
	OrderStatusPaymentCharged OrderStatus = "PAYMENT_CHARGED"
	// OrderStatusConfirmed — сага завершена успешно (терминальный статус).
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusCompensating — сага выполняет компенсацию ранее завершённых шагов.
	OrderStatusCompensating OrderStatus = "COMPENSATING"
	// OrderStatusCompensated — компенсация завершена, резервы сняты (терминальный статус).
	OrderStatusCompensated OrderStatus = "COMPENSATED"
	// OrderStatusFailed — сага прервана без побочных эффектов (терминальный статус).
	OrderStatusFailed OrderStatus = "FAILED"
)

// Terminal сообщает, является ли статус конечным: после него summary неизменяем.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusCompensated, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ProductID — внешний идентификатор товара.
	ProductID string
	// Quantity — количество единиц товара.
	Quantity int32
	// UnitPriceMinor — цена за единицу в минимальных денежных единицах.
	UnitPriceMinor int64
}

// Order агрегирует состояние заказа (summary-запись поверх event log).
type Order struct {
	ID            string
	CustomerID    string
	Status        OrderStatus
	Items         []OrderItem
	TotalMinor    int64
	CorrelationID string
	// Reason фиксирует причину терминального исхода (например PAYMENT_DECLINED).
	Reason string
	// ReservationIDs — резервы, созданные сагой; нужны для компенсации и consume.
	ReservationIDs []string
	// PaymentID — идентификатор платежа, если шаг charge завершился успешно.
	PaymentID string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	// Сверяем сумму заказа с суммой позиций: quantity * unit_price.
	var calc int64
	for _, item := range o.Items {
		if item.ProductID == "" {
			errs = append(errs, ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 1 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Quantity) * item.UnitPriceMinor
	}
	if calc != o.TotalMinor {
		errs = append(errs, ErrAmountMismatch)
	}
	if o.TotalMinor < 1 {
		errs = append(errs, ErrAmountInvalid)
	}

	return errs
}
