package kafka

import (
	"time"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
)

// Topics для Kafka
const (
	// TopicNotifications — терминальные уведомления клиентам.
	TopicNotifications = "cloudflow.notifications"
	// TopicOrderEvents — зеркало event log-а заказов для внешних потребителей.
	TopicOrderEvents = "cloudflow.order.events"
)

// NotificationEvent — конверт терминального уведомления в Kafka.
// Ключ сообщения — order_id: все уведомления одного заказа попадают
// в одну партицию и читаются по порядку.
type NotificationEvent struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	CustomerID    string    `json:"customer_id"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewNotificationEvent строит конверт из доменного уведомления.
func NewNotificationEvent(n domain.Notification) *NotificationEvent {
	return &NotificationEvent{
		Type:          string(n.Type),
		OrderID:       n.OrderID,
		CustomerID:    n.CustomerID,
		CorrelationID: n.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
}

// OrderLogEvent — конверт события заказа для внешних потребителей.
type OrderLogEvent struct {
	Type          string         `json:"type"`
	OrderID       string         `json:"order_id"`
	Seq           int64          `json:"seq"`
	CorrelationID string         `json:"correlation_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewOrderLogEvent строит конверт из записи event log-а.
func NewOrderLogEvent(event domain.OrderEvent, correlationID string) *OrderLogEvent {
	return &OrderLogEvent{
		Type:          string(event.Type),
		OrderID:       event.OrderID,
		Seq:           event.Seq,
		CorrelationID: correlationID,
		OccurredAt:    event.OccurredAt,
		Payload:       event.Payload,
	}
}
