package domain

import "time"

// EventType описывает тип записи в event log заказа.
type EventType string

const (
	EventOrderCreated     EventType = "ORDER_CREATED"
	EventStockReserved    EventType = "STOCK_RESERVED"
	EventPaymentCharged   EventType = "PAYMENT_CHARGED"
	EventOrderConfirmed   EventType = "ORDER_CONFIRMED"
	EventPaymentFailed    EventType = "PAYMENT_FAILED"
	EventStockReleased    EventType = "STOCK_RELEASED"
	EventOrderCompensated EventType = "ORDER_COMPENSATED"
	EventOrderFailed      EventType = "ORDER_FAILED"
)

// TerminalStatus возвращает статус summary, который достигается этим событием.
// Summary и последнее событие лога всегда согласованы через это отображение.
func (t EventType) TerminalStatus() OrderStatus {
	switch t {
	case EventOrderCreated:
		return OrderStatusPending
	case EventStockReserved:
		return OrderStatusStockReserved
	case EventPaymentCharged:
		return OrderStatusPaymentCharged
	case EventOrderConfirmed:
		return OrderStatusConfirmed
	case EventPaymentFailed, EventStockReleased:
		return OrderStatusCompensating
	case EventOrderCompensated:
		return OrderStatusCompensated
	case EventOrderFailed:
		return OrderStatusFailed
	default:
		return OrderStatusFailed
	}
}

// Valid проверяет, что тип события относится к поддерживаемым значениям.
func (t EventType) Valid() bool {
	switch t {
	case EventOrderCreated, EventStockReserved, EventPaymentCharged,
		EventOrderConfirmed, EventPaymentFailed, EventStockReleased,
		EventOrderCompensated, EventOrderFailed:
		return true
	default:
		return false
	}
}

// OrderEvent — append-only запись о переходе состояния заказа.
// Ключ (OrderID, Seq); последовательность Seq для заказа непрерывна с 1.
type OrderEvent struct {
	OrderID    string
	Seq        int64
	Type       EventType
	OccurredAt time.Time
	Payload    map[string]any
}
